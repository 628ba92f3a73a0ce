package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Priority orders pending work units; lower values run first.
type Priority int

const (
	// Critical is reserved for writes that must not queue behind reads.
	Critical Priority = iota
	// High covers interactive state reads.
	High
	// Normal covers service listings and similar secondary reads.
	Normal
	// Low covers rarely-changing configuration reads.
	Low
)

// String returns the priority name for logs.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ErrTimeout reports that a work unit did not complete within its deadline.
// The underlying call may still be running; the scheduler only stops waiting.
var ErrTimeout = errors.New("scheduler: task timed out")

// ErrShutdown reports a submission after Shutdown was called.
var ErrShutdown = errors.New("scheduler: shutting down")

// Task is one deferred call executed under the concurrency bound. The context
// it receives is cancelled once the submitter stops waiting; targets that are
// not cancellation-aware simply run to completion in the background.
type Task func(ctx context.Context) (any, error)

// Stats is a point-in-time snapshot for introspection endpoints.
type Stats struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Capacity int `json:"capacity"`
}

type outcome struct {
	value any
	err   error
}

type workUnit struct {
	fn        Task
	ctx       context.Context
	priority  Priority
	seq       uint64
	createdAt time.Time
	result    chan outcome
}

// Scheduler executes prioritized work units under a fixed concurrency bound.
// Among pending units the lowest priority value runs first; ties break by
// submission order, so each priority band is strictly FIFO.
type Scheduler struct {
	logger   *slog.Logger
	capacity int

	submit   chan *workUnit
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	// Owned by the dispatch goroutine, readable via statsReq.
	statsReq chan chan Stats
}

// New starts a scheduler with the given number of execution slots.
func New(logger *slog.Logger, capacity int) *Scheduler {
	if capacity <= 0 {
		capacity = 20
	}
	s := &Scheduler{
		logger:   logger.With(slog.String("agent", "scheduler")),
		capacity: capacity,
		submit:   make(chan *workUnit),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		statsReq: make(chan chan Stats),
	}
	go s.dispatch()
	return s
}

// Submit enqueues fn and blocks until it completes, fails, or times out.
// A zero timeout waits indefinitely (bounded only by ctx). Errors from fn
// propagate unchanged; a timeout surfaces as ErrTimeout.
func (s *Scheduler) Submit(ctx context.Context, priority Priority, timeout time.Duration, fn Task) (any, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-s.quit:
		return nil, ErrShutdown
	default:
	}

	unit := &workUnit{
		fn:        fn,
		ctx:       waitCtx,
		priority:  priority,
		createdAt: time.Now(),
		result:    make(chan outcome, 1),
	}

	select {
	case s.submit <- unit:
	case <-s.quit:
		return nil, ErrShutdown
	case <-waitCtx.Done():
		return nil, waitErr(ctx, waitCtx, timeout)
	}

	select {
	case out := <-unit.result:
		return out.value, out.err
	case <-waitCtx.Done():
		return nil, waitErr(ctx, waitCtx, timeout)
	}
}

// waitErr distinguishes the per-unit timeout from caller cancellation.
func waitErr(ctx, waitCtx context.Context, timeout time.Duration) error {
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return waitCtx.Err()
}

// Stats reports queue depth, running count and capacity.
func (s *Scheduler) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case s.statsReq <- reply:
		return <-reply
	case <-s.done:
		return Stats{Capacity: s.capacity}
	}
}

// Shutdown stops accepting new submissions. Queued and in-flight work drains;
// nothing is forcibly cancelled.
func (s *Scheduler) Shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// dispatch owns the priority heap. It hands the highest-priority, oldest
// pending unit to a worker whenever a slot frees, and keeps draining after
// shutdown until the heap is empty and all workers returned.
func (s *Scheduler) dispatch() {
	defer close(s.done)

	var (
		pending  unitHeap
		seq      uint64
		running  int
		accept   = s.submit
		quit     = s.quit
		finished = make(chan struct{})
	)
	heap.Init(&pending)

	for {
		if accept == nil && running == 0 && pending.Len() == 0 {
			return
		}
		for running < s.capacity && pending.Len() > 0 {
			unit := heap.Pop(&pending).(*workUnit)
			running++
			go s.run(unit, finished)
		}

		select {
		case unit := <-accept:
			seq++
			unit.seq = seq
			heap.Push(&pending, unit)
			s.logger.Debug("task queued",
				slog.String("priority", unit.priority.String()),
				slog.Int("queue_size", pending.Len()))
		case <-finished:
			running--
		case reply := <-s.statsReq:
			reply <- Stats{Queued: pending.Len(), Running: running, Capacity: s.capacity}
		case <-quit:
			s.logger.Info("scheduler shutting down", slog.Int("remaining_tasks", pending.Len()))
			accept = nil
			quit = nil
		}
	}
}

// run executes one unit and reports its terminal state. Panics in the callable
// become errors so a misbehaving task never takes the scheduler down.
func (s *Scheduler) run(unit *workUnit, finished chan<- struct{}) {
	defer func() { finished <- struct{}{} }()

	start := time.Now()
	var out outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				out = outcome{err: fmt.Errorf("scheduler: task panicked: %v", r)}
			}
		}()
		value, err := unit.fn(unit.ctx)
		out = outcome{value: value, err: err}
	}()
	unit.result <- out

	s.logger.Debug("task finished",
		slog.String("priority", unit.priority.String()),
		slog.Duration("wait_time", start.Sub(unit.createdAt)),
		slog.Duration("execution_time", time.Since(start)),
		slog.Bool("failed", out.err != nil))
}

// unitHeap orders by priority value, then submission sequence.
type unitHeap []*workUnit

func (h unitHeap) Len() int { return len(h) }

func (h unitHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h unitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *unitHeap) Push(x any) { *h = append(*h, x.(*workUnit)) }

func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	unit := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return unit
}
