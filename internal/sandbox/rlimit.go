package sandbox

import (
	"golang.org/x/sys/unix"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// Enforce applies spec.Limits to the calling process via setrlimit and
// returns a restore func that puts the previous limits back. A driver
// that forks a real subprocess for its invocation should call Enforce
// (and defer restore) around the fork/exec: POSIX rlimits are
// inherited by a child across fork+exec, so limits set here bind the
// spawned action. A zero Limits field is left untouched.
//
// Process-wide rlimits are not scoped per goroutine: concurrent
// Enforce calls from different workers race on the same limits. A
// driver that actually spawns subprocesses should hold a lock around
// fork+Enforce+restore, or apply limits in the child itself
// immediately after fork and before exec.
func Enforce(spec Spec) (restore func() error, err error) {
	var saved []func() error
	set := func(resource int, cur uint64) error {
		if cur == 0 {
			return nil
		}
		var old unix.Rlimit
		if err := unix.Getrlimit(resource, &old); err != nil {
			return forgeerr.Wrap("sandbox: getrlimit: %w", err)
		}
		lim := unix.Rlimit{Cur: cur, Max: cur}
		if err := unix.Setrlimit(resource, &lim); err != nil {
			return forgeerr.Wrap("sandbox: setrlimit: %w", err)
		}
		prev := old
		saved = append(saved, func() error { return unix.Setrlimit(resource, &prev) })
		return nil
	}

	restoreAll := func() error {
		var firstErr error
		for i := len(saved) - 1; i >= 0; i-- {
			if err := saved[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	if err := set(unix.RLIMIT_AS, spec.Limits.MaxMemoryBytes); err != nil {
		restoreAll()
		return nil, err
	}
	if err := set(unix.RLIMIT_CPU, ceilMillisToSeconds(spec.Limits.MaxCPUTimeMS)); err != nil {
		restoreAll()
		return nil, err
	}
	if err := set(unix.RLIMIT_NPROC, spec.Limits.MaxProcesses); err != nil {
		restoreAll()
		return nil, err
	}
	return restoreAll, nil
}

// ceilMillisToSeconds converts a millisecond CPU-time budget to the
// whole-second granularity RLIMIT_CPU enforces, rounding up so a
// sub-second budget still yields at least one enforced second rather
// than silently becoming unlimited.
func ceilMillisToSeconds(ms uint64) uint64 {
	if ms == 0 {
		return 0
	}
	return (ms + 999) / 1000
}
