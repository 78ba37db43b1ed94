package trace

import (
	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/coordinator"
	"github.com/forgebuild/forge/internal/scheduler"
)

// SubscribeCoordinator emits a Chrome-trace complete ("X") event for every
// cache lookup/update the coordinator publishes, tid distinguishing
// the target cache from the action cache in the resulting trace.
func SubscribeCoordinator(c *coordinator.Coordinator) {
	c.Subscribe(func(ev coordinator.Event) {
		tid := 10 // TagTarget
		if ev.Tag == cache.TagAction {
			tid = 11
		}
		e := Event("cache."+ev.Kind.String()+" "+ev.Key, tid)
		e.Args = map[string]interface{}{
			"key":        ev.Key,
			"size_bytes": ev.SizeBytes,
		}
		e.Done()
	})
}

// SubscribeExecutor emits a begin/end pair per node lifecycle event,
// giving each target its own trace row (tid) derived from its id so
// concurrent nodes don't collide on one timeline.
func SubscribeExecutor(e *scheduler.Executor) {
	e.Subscribe(func(ev scheduler.Event) {
		switch ev.Kind {
		case scheduler.TargetStarted:
			tracked := Event("build "+ev.TargetID, rowFor(ev.TargetID))
			tracked.Type = "B"
			tracked.Done()
		case scheduler.TargetCompleted, scheduler.TargetCached, scheduler.TargetFailed:
			tracked := Event("build "+ev.TargetID, rowFor(ev.TargetID))
			tracked.Type = "E"
			tracked.Done()
		case scheduler.TargetProgress:
			tracked := Event(ev.TargetID+": "+ev.Message, rowFor(ev.TargetID))
			tracked.Type = "i" // instant
			tracked.Done()
		}
	})
}

// rowFor derives a stable small tid from a target id so the same
// target's begin/end events land on the same trace row without a
// shared counter (keeps this package lock-free for the hot path).
func rowFor(targetID string) int {
	var h int
	for _, r := range targetID {
		h = h*31 + int(r)
	}
	if h < 0 {
		h = -h
	}
	return 100 + h%900
}
