// Package forgeerr defines the error kinds the execution core
// distinguishes, per the error handling design: ParseErr, GraphErr,
// CacheErr, DriverErr, SandboxErr, RemoteErr, CancelledErr.
//
// Each kind carries the fields callers need to report a node's
// terminal error exactly once; all but SandboxErr and CancelledErr
// also wrap a cause.
package forgeerr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ParseErr indicates malformed target input surfaced by the external
// parser. Fatal at startup.
type ParseErr struct {
	Message string
	Cause   error
}

func (e *ParseErr) Error() string {
	return fmt.Sprintf("parse error: %s: %v", e.Message, e.Cause)
}

func (e *ParseErr) Unwrap() error { return e.Cause }

// NewParseErr wraps cause as a ParseErr.
func NewParseErr(message string, cause error) error {
	return &ParseErr{Message: message, Cause: cause}
}

// GraphErr indicates a cycle, unknown dependency, or dynamic mutation
// invariant violation. Fatal to the containing build invocation.
type GraphErr struct {
	Message     string
	CycleNodes  []string // at least one cycle participant, when applicable
	OffendingID string   // the node id involved in a rejected mutation
	Cause       error
}

func (e *GraphErr) Error() string {
	if len(e.CycleNodes) > 0 {
		return fmt.Sprintf("graph error: %s (cycle: %v)", e.Message, e.CycleNodes)
	}
	return fmt.Sprintf("graph error: %s", e.Message)
}

func (e *GraphErr) Unwrap() error { return e.Cause }

// NewCycleErr builds a GraphErr naming the cycle participants.
func NewCycleErr(cycle []string) error {
	return &GraphErr{Message: "cycle detected", CycleNodes: cycle}
}

// NewGraphErr wraps a generic graph invariant violation.
func NewGraphErr(message string, offendingID string) error {
	return &GraphErr{Message: message, OffendingID: offendingID}
}

// CacheErr indicates a digest mismatch on read, an I/O failure in the
// cache store, or a corrupted index. Fatal on write, recoverable on
// read depending on caller policy.
type CacheErr struct {
	Key     string
	Message string
	Cause   error
}

func (e *CacheErr) Error() string {
	return fmt.Sprintf("cache error: key %q: %s: %v", e.Key, e.Message, e.Cause)
}

func (e *CacheErr) Unwrap() error { return e.Cause }

func NewCacheErr(key, message string, cause error) error {
	return &CacheErr{Key: key, Message: message, Cause: cause}
}

// DriverErr indicates the language driver reported failure.
type DriverErr struct {
	TargetID string
	Message  string
	ExitCode int
	Cause    error
}

func (e *DriverErr) Error() string {
	return fmt.Sprintf("driver error: target %q exit=%d: %s", e.TargetID, e.ExitCode, e.Message)
}

func (e *DriverErr) Unwrap() error { return e.Cause }

func NewDriverErr(targetID, message string, exitCode int, cause error) error {
	return &DriverErr{TargetID: targetID, Message: message, ExitCode: exitCode, Cause: cause}
}

// SandboxKind enumerates the resource/policy violations a sandbox can
// report.
type SandboxKind int

const (
	SandboxUnknown SandboxKind = iota
	SandboxOOM
	SandboxCPUExceeded
	SandboxProcessesExceeded
	SandboxWallClockExceeded
	SandboxNetworkDenied
	SandboxOutputMissing
)

func (k SandboxKind) String() string {
	switch k {
	case SandboxOOM:
		return "OOM"
	case SandboxCPUExceeded:
		return "CPUExceeded"
	case SandboxProcessesExceeded:
		return "ProcessesExceeded"
	case SandboxWallClockExceeded:
		return "WallClockExceeded"
	case SandboxNetworkDenied:
		return "NetworkDenied"
	case SandboxOutputMissing:
		return "OutputMissing"
	default:
		return "Unknown"
	}
}

// SandboxErr indicates a resource limit violation, disallowed network
// access, or a declared output that was never produced.
type SandboxErr struct {
	TargetID string
	Kind     SandboxKind
	Message  string
}

func (e *SandboxErr) Error() string {
	return fmt.Sprintf("sandbox error: target %q: %s: %s", e.TargetID, e.Kind, e.Message)
}

func NewSandboxErr(targetID string, kind SandboxKind, message string) error {
	return &SandboxErr{TargetID: targetID, Kind: kind, Message: message}
}

// RemoteErr indicates the remote cache was unreachable, authentication
// failed, or a fetched blob was corrupt. Transient instances degrade
// the coordinator to local-only for the remainder of the build.
type RemoteErr struct {
	Message   string
	Transient bool
	Cause     error
}

func (e *RemoteErr) Error() string {
	return fmt.Sprintf("remote error: %s (transient=%v): %v", e.Message, e.Transient, e.Cause)
}

func (e *RemoteErr) Unwrap() error { return e.Cause }

func NewRemoteErr(message string, transient bool, cause error) error {
	return &RemoteErr{Message: message, Transient: transient, Cause: cause}
}

// CancelledErr indicates shutdown or an upstream failure cascade
// cancelled this node before it ran.
type CancelledErr struct {
	TargetID string
	Reason   string
}

func (e *CancelledErr) Error() string {
	return fmt.Sprintf("cancelled: target %q: %s", e.TargetID, e.Reason)
}

func NewCancelledErr(targetID, reason string) error {
	return &CancelledErr{TargetID: targetID, Reason: reason}
}

// Wrap is a thin convenience around xerrors.Errorf, used throughout the
// core so every wrapped error carries a %w chain, matching the
// teacher's use of xerrors for error composition.
func Wrap(format string, args ...interface{}) error {
	return xerrors.Errorf(format, args...)
}
