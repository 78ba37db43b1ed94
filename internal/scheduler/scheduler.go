package scheduler

import (
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// stealAttempts is K, the number of victim peers tried before a
// worker backs off.
const stealAttempts = 4

// backoffMin/backoffMax bound the exponential back-off a worker
// applies once its own deque, the global queue, and every steal
// attempt have come up empty.
const (
	backoffMin = 1 * time.Microsecond
	backoffMax = 100 * time.Microsecond
)

// WorkerStats is one worker's lifetime counters.
type WorkerStats struct {
	Executed      uint64
	Stolen        uint64
	StealAttempts uint64
	DequeDepth    int
}

// Stats aggregates per-worker counters plus derived totals, returned
// by Scheduler.Stats.
type Stats struct {
	PerWorker        []WorkerStats
	TasksExecuted    uint64
	TasksStolen      uint64
	StealAttempts    uint64
	StealSuccessRate float64
}

type worker struct {
	id    int
	deque *Deque
	rng   *rand.Rand

	executed      atomic.Uint64
	stolen        atomic.Uint64
	stealAttempts atomic.Uint64
}

// Scheduler is the N-worker work-stealing executor: each worker owns
// a Deque; a shared globalQueue holds externally-submitted tasks
// tiered by Priority.
type Scheduler struct {
	workers []*worker
	global  *globalQueue

	seq      atomic.Uint64
	stopping atomic.Bool

	pending sync.WaitGroup // tasks submitted but not yet completed
	wg      sync.WaitGroup // worker goroutines still running
}

// New constructs a Scheduler with n workers (n<=0 defaults to
// GOMAXPROCS) and starts their loops immediately.
func New(n int) *Scheduler {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	s := &Scheduler{global: newGlobalQueue()}
	s.workers = make([]*worker, n)
	for i := range s.workers {
		s.workers[i] = &worker{
			id:    i,
			deque: NewDeque(),
			rng:   rand.New(rand.NewSource(int64(i) + 1)),
		}
	}
	for i := range s.workers {
		s.wg.Add(1)
		go s.runWorker(s.workers[i])
	}
	return s
}

// Submit enqueues t on the global priority queue, the default
// destination for every externally-submitted task. Once Shutdown or
// ShutdownWithDeadline has begun, Submit drops t without enqueuing it.
func (s *Scheduler) Submit(t *PriorityTask) {
	if s.stopping.Load() {
		return
	}
	t.Seq = s.seq.Add(1)
	s.pending.Add(1)
	s.global.Push(t)
}

// SubmitLocal pushes t onto workerID's own deque bottom, for
// driver-spawned subtasks raised from within a running task on that
// worker. Falls back to the global queue if the deque is full.
func (s *Scheduler) SubmitLocal(workerID int, t *PriorityTask) {
	t.Seq = s.seq.Add(1)
	s.pending.Add(1)
	if workerID < 0 || workerID >= len(s.workers) || !s.workers[workerID].deque.PushBottom(t) {
		s.global.Push(t)
	}
}

func (s *Scheduler) runWorker(w *worker) {
	defer s.wg.Done()
	failStreak := 0
	for {
		if s.stopping.Load() {
			// Cooperative drain: finish what's already in this
			// worker's own deque, but accept no new global work.
			t := w.deque.PopBottom()
			if t == nil {
				return
			}
			s.runTask(w, t)
			continue
		}

		if t := w.deque.PopBottom(); t != nil {
			s.runTask(w, t)
			failStreak = 0
			continue
		}

		if batch := s.global.DrainBatch(len(s.workers)); len(batch) > 0 {
			// Run the first now; stash the rest on our own deque so
			// later pops stay LIFO-local per the ordering guarantee.
			for _, extra := range batch[1:] {
				if !w.deque.PushBottom(extra) {
					s.global.Push(extra)
				}
			}
			s.runTask(w, batch[0])
			failStreak = 0
			continue
		}

		if t := s.trySteal(w); t != nil {
			w.stolen.Add(1)
			s.runTask(w, t)
			failStreak = 0
			continue
		}

		failStreak++
		if failStreak == 1 {
			runtime.Gosched()
			continue
		}
		if failStreak < 8 {
			d := backoffMin << uint(failStreak-2)
			if d > backoffMax {
				d = backoffMax
			}
			time.Sleep(d)
			continue
		}
		if stopped := s.global.Wait(); stopped {
			continue // re-check stopping flag at loop top
		}
		failStreak = 0
	}
}

// trySteal samples min(3, len(peers)) random peers and attempts a
// steal from the one with the deepest deque, up to stealAttempts
// times total.
func (s *Scheduler) trySteal(w *worker) *PriorityTask {
	n := len(s.workers)
	if n <= 1 {
		return nil
	}
	for i := 0; i < stealAttempts; i++ {
		victim := s.pickVictim(w)
		w.stealAttempts.Add(1)
		if victim == nil {
			continue
		}
		if t := victim.deque.StealTop(); t != nil {
			return t
		}
	}
	return nil
}

func (s *Scheduler) pickVictim(w *worker) *worker {
	n := len(s.workers)
	const sampleSize = 3
	var best *worker
	bestDepth := -1
	tries := sampleSize
	if tries > n-1 {
		tries = n - 1
	}
	seen := map[int]bool{w.id: true}
	for i := 0; i < tries; i++ {
		idx := w.rng.Intn(n)
		if seen[idx] {
			continue
		}
		seen[idx] = true
		cand := s.workers[idx]
		if depth := cand.deque.Len(); depth > bestDepth {
			bestDepth = depth
			best = cand
		}
	}
	return best
}

func (s *Scheduler) runTask(w *worker, t *PriorityTask) {
	defer s.pending.Done()
	if t.Run != nil {
		t.Run()
	}
	w.executed.Add(1)
}

// WaitAll blocks until every task submitted so far has completed.
func (s *Scheduler) WaitAll() {
	s.pending.Wait()
}

// Shutdown stops accepting new global/steal work; each worker drains
// only what remains in its own deque, then exits. Blocks until every
// worker goroutine has returned.
func (s *Scheduler) Shutdown() {
	s.stopping.Store(true)
	s.global.Stop()
	s.wg.Wait()
}

// ShutdownWithDeadline calls Shutdown but gives up waiting after d,
// returning false if workers were still draining when the deadline
// passed (they continue shutting down in the background).
func (s *Scheduler) ShutdownWithDeadline(d time.Duration) bool {
	s.stopping.Store(true)
	s.global.Stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// Stats snapshots per-worker and aggregate counters.
func (s *Scheduler) Stats() Stats {
	out := Stats{PerWorker: make([]WorkerStats, len(s.workers))}
	for i, w := range s.workers {
		ws := WorkerStats{
			Executed:      w.executed.Load(),
			Stolen:        w.stolen.Load(),
			StealAttempts: w.stealAttempts.Load(),
			DequeDepth:    w.deque.Len(),
		}
		out.PerWorker[i] = ws
		out.TasksExecuted += ws.Executed
		out.TasksStolen += ws.Stolen
		out.StealAttempts += ws.StealAttempts
	}
	if out.StealAttempts > 0 {
		out.StealSuccessRate = float64(out.TasksStolen) / float64(out.StealAttempts)
	}
	return out
}
