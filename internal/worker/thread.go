// Package worker schedules the tasks of a node on a fixed set of threads.
package worker

import (
	"cmp"
	"context"
	"math"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/messages"
	"github.com/koral-rdf/koral/internal/registry"
	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/pkg/logger"
)

// Outbox is what the threads of a node send through.
type Outbox interface {
	task.Outbox
	// Send delivers a control message to node.
	Send(node uint16, msg messages.Message)
	// Flush sends everything buffered so far.
	Flush()
}

// Thread runs the ticks of the tasks in its run queue, one task after the
// other, and moves tasks to its ring neighbours when it is busier than
// they are.
type Thread struct {
	id       int
	registry *registry.Registry
	outbox   Outbox
	logger   logger.Logger
	label    string

	threshold float64
	sleep     time.Duration

	// cache is only used by the goroutine running the thread.
	cache *mapping.RecycleCache

	// mu guards the run queue. Migrations lock both threads, the one with
	// the lower id first.
	mu    sync.Mutex
	tasks []task.Task

	load      atomic.Int64
	estimated atomic.Int64

	next, prev *Thread
	wakeup     chan struct{}
}

func newThread(id int, cfg Config, reg *registry.Registry, outbox Outbox, l logger.Logger) *Thread {
	return &Thread{
		id:        id,
		registry:  reg,
		outbox:    outbox,
		logger:    l.With(zap.Int("thread", id)),
		label:     strconv.Itoa(id),
		threshold: cfg.UnbalanceThreshold,
		sleep:     cfg.EmptyQueueSleep,
		cache:     mapping.NewRecycleCache(cfg.RecycleCacheSize),
		wakeup:    make(chan struct{}, 1),
	}
}

func (t *Thread) ID() int { return t.id }

// Load is the load of the thread as of its last sweep.
func (t *Thread) Load() int64 { return t.load.Load() }

// EstimatedLoad is the sum of the estimated loads of the queued tasks.
func (t *Thread) EstimatedLoad() int64 { return t.estimated.Load() }

func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.tasks)
}

// Add appends tk to the run queue.
func (t *Thread) Add(tk task.Task) {
	t.mu.Lock()
	t.tasks = append(t.tasks, tk)
	t.mu.Unlock()

	t.estimated.Add(tk.EstimatedLoad())
	t.wake()
}

// wake ends the idle sleep of the thread.
func (t *Thread) wake() {
	select {
	case t.wakeup <- struct{}{}:
	default:
	}
}

func (t *Thread) snapshot() []task.Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.tasks)
}

// Run loops until ctx is done.
func (t *Thread) Run(ctx context.Context) {
	t.logger.Debug("worker thread started")
	defer t.logger.Debug("worker thread stopped")

	timer := time.NewTimer(t.sleep)
	defer timer.Stop()

	for ctx.Err() == nil {
		executed := t.sweep()
		t.outbox.Flush()
		t.rebalance(t.next)
		t.rebalance(t.prev)

		switch {
		case t.Len() == 0:
			timer.Reset(t.sleep)
			select {
			case <-ctx.Done():
			case <-t.wakeup:
			case <-timer.C:
			}
		case executed == 0:
			runtime.Gosched()
		}
	}
}

// sweep gives every queued task one tick if it has something to do and
// removes the tasks in a final state. It returns the number of ticks.
func (t *Thread) sweep() int {
	var total int64
	executed := 0
	for _, tk := range t.snapshot() {
		load := tk.CurrentLoad()
		if tk.HasInput() || tk.HasToPerformFinalSteps() {
			executed++
			if err := t.tick(tk); err != nil {
				t.fail(tk, err)
			}
		}
		if tk.State().IsFinal() {
			t.remove(tk)
			continue
		}
		total += load
	}

	t.load.Store(total)
	threadLoadGauge.WithLabelValues(t.label).Set(float64(total))
	return executed
}

func (t *Thread) tick(tk task.Task) (err error) {
	ticksCounter.Inc()
	if recovered := panics.Try(func() { err = tk.Execute(t.cache) }); recovered != nil {
		return recovered.AsError()
	}
	return err
}

// fail closes a failed task and reports it to the coordinator of its
// query. Other tasks are not affected.
func (t *Thread) fail(tk task.Task, err error) {
	failedTasksCounter.Inc()
	t.logger.Error("task failed", zap.Stringer("task_id", tk.ID()), zap.Error(err))

	tk.Close()
	t.outbox.SendFailed(tk.CoordinatorID(), tk.ID(), err)
}

func (t *Thread) remove(tk task.Task) {
	t.mu.Lock()
	i := slices.Index(t.tasks, tk)
	if i >= 0 {
		t.tasks = slices.Delete(t.tasks, i, i+1)
	}
	t.mu.Unlock()

	if i < 0 {
		return
	}
	t.estimated.Add(-tk.EstimatedLoad())
	t.registry.Unregister(tk.ID())
	// Close is a no-op for finished tasks but releases an aborted task
	// whose abort raced with its last tick.
	tk.Close()
	tk.Recycle(t.cache)
}

// rebalance moves tasks to n if this thread is busier by more than the
// unbalance threshold. It moves the tasks whose loads sum up closest to
// half the difference without exceeding it.
func (t *Thread) rebalance(n *Thread) {
	if n == nil || n == t {
		return
	}

	first, second := t, n
	if n.id < t.id {
		first, second = n, t
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	own, other := t.load.Load(), n.load.Load()
	diff := own - other
	if diff <= 0 || diff <= int64(math.Ceil(t.threshold*float64(own))) {
		return
	}

	moved, load := selectTasks(t.tasks, diff/2)
	if len(moved) == 0 {
		return
	}

	var estimated int64
	for _, tk := range moved {
		i := slices.Index(t.tasks, tk)
		t.tasks = slices.Delete(t.tasks, i, i+1)
		n.tasks = append(n.tasks, tk)
		estimated += tk.EstimatedLoad()
	}
	t.load.Add(-load)
	n.load.Add(load)
	t.estimated.Add(-estimated)
	n.estimated.Add(estimated)
	n.wake()

	migratedTasksCounter.Add(float64(len(moved)))
	t.logger.Debug("migrated tasks",
		zap.Int("to_thread", n.id),
		zap.Int("tasks", len(moved)),
		zap.Int64("load", load),
	)
}

// selectTasks greedily picks tasks by descending load. Only tasks with a
// load in (0, target] are considered and the picked loads never exceed
// target.
func selectTasks(tasks []task.Task, target int64) ([]task.Task, int64) {
	type candidate struct {
		task task.Task
		load int64
	}

	var candidates []candidate
	for _, tk := range tasks {
		if load := tk.CurrentLoad(); load > 0 && load <= target {
			candidates = append(candidates, candidate{task: tk, load: load})
		}
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		return cmp.Compare(b.load, a.load)
	})

	var selected []task.Task
	var sum int64
	for _, c := range candidates {
		if sum+c.load <= target {
			selected = append(selected, c.task)
			sum += c.load
		}
	}
	return selected, sum
}
