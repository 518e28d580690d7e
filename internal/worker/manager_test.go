package worker

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/koral-rdf/koral/internal/cluster"
	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/messages"
	"github.com/koral-rdf/koral/internal/plan"
	"github.com/koral-rdf/koral/internal/registry"
	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/pkg/id"
	"github.com/koral-rdf/koral/pkg/storage"
	"github.com/koral-rdf/koral/pkg/storage/memory"
)

const (
	knows = 10
	name  = 11
)

var coordinator = id.New(0, 3, 0)

// singleNodeOutbox delivers to the tasks of a one slave cluster and
// records what is sent to the coordinator.
type singleNodeOutbox struct {
	recordingOutbox
	reg *registry.Registry

	resultsMu sync.Mutex
	results   [][]uint64
	finished  int
}

func (o *singleNodeOutbox) SendMapping(receiver id.TaskID, child int, m *mapping.Mapping, cache *mapping.RecycleCache) {
	if receiver == coordinator {
		o.resultsMu.Lock()
		o.results = append(o.results, slices.Clone(m.Values()))
		o.resultsMu.Unlock()
		cache.Release(m)
		return
	}
	if t, ok := o.reg.Lookup(receiver); ok {
		t.EnqueueMappings(child, m)
		return
	}
	cache.Release(m)
}

func (o *singleNodeOutbox) SendFinished(receiver id.TaskID) {
	if receiver == coordinator {
		o.resultsMu.Lock()
		o.finished++
		o.resultsMu.Unlock()
		return
	}
	if t, ok := o.reg.Lookup(receiver); ok {
		t.EnqueueFinished(receiver.Node())
	}
}

func (o *singleNodeOutbox) snapshot() ([][]uint64, int) {
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()

	return slices.Clone(o.results), o.finished
}

func newStore(t *testing.T) *memory.MemoryBackend {
	t.Helper()

	store := memory.New()
	err := store.Write(context.Background(), []*storage.Triple{
		{Subject: 1, Property: knows, Object: 10},
		{Subject: 2, Property: knows, Object: 20},
		{Subject: 3, Property: knows, Object: 30},
		{Subject: 4, Property: knows, Object: 40},
		{Subject: 10, Property: name, Object: 100},
		{Subject: 20, Property: name, Object: 200},
		{Subject: 50, Property: name, Object: 500},
		{Subject: 60, Property: name, Object: 600},
		{Subject: 70, Property: name, Object: 700},
		{Subject: 80, Property: name, Object: 800},
	})
	require.NoError(t, err)
	return store
}

func joinPlan() plan.Operator {
	return &plan.Join{
		ID:    3,
		Left:  &plan.Match{ID: 1, Subject: plan.Var(1), Property: plan.Const(knows), Object: plan.Var(2)},
		Right: &plan.Match{ID: 2, Subject: plan.Var(2), Property: plan.Const(name), Object: plan.Var(3)},
	}
}

func createMessage(root plan.Operator) *messages.QueryCreate {
	return &messages.QueryCreate{
		CoordinatorNode: 0,
		Coordinator:     coordinator,
		Plan:            plan.Marshal(root),
	}
}

func TestPlacement(t *testing.T) {
	reg := registry.New()
	outbox := &singleNodeOutbox{reg: reg}
	store := newStore(t)
	m := NewManager(testConfig(), cluster.MustNew(1, 0, []uint16{1}), reg, outbox, store, WithStatistics(store))
	t.Cleanup(m.Close)

	require.NoError(t, m.CreateQuery(context.Background(), createMessage(joinPlan())))
	require.Equal(t, 3, reg.Len())
	require.Equal(t, []messages.Message{&messages.QueryCreated{Receiver: coordinator}}, outbox.control)

	// Leaves first, heaviest first: the name match (6) goes to thread 0,
	// the knows match (4) to thread 1 and the join (10) to the lighter
	// thread 1.
	threads := m.Threads()
	require.Equal(t, int64(6), threads[0].EstimatedLoad())
	require.Equal(t, int64(14), threads[1].EstimatedLoad())
	require.Equal(t, 1, threads[0].Len())
	require.Equal(t, 2, threads[1].Len())
}

func TestCreateQueryFailure(t *testing.T) {
	reg := registry.New()
	outbox := &singleNodeOutbox{reg: reg}
	m := NewManager(testConfig(), cluster.MustNew(1, 0, []uint16{1}), reg, outbox, memory.New())
	t.Cleanup(m.Close)

	msg := createMessage(joinPlan())
	msg.Plan = []byte{0xff, 0xff}
	require.ErrorIs(t, m.CreateQuery(context.Background(), msg), plan.ErrMalformedPlan)

	require.Equal(t, 0, reg.Len())
	require.Empty(t, outbox.control)
	require.Contains(t, outbox.failed, coordinator.WithNode(1))
	require.Positive(t, outbox.flushes)
}

func TestRunQuery(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	reg := registry.New()
	outbox := &singleNodeOutbox{reg: reg}
	store := newStore(t)
	cfg := testConfig()
	cfg.MaxMappingsPerRound = 1
	cfg.EmptyQueueSleep = time.Millisecond
	m := NewManager(cfg, cluster.MustNew(1, 0, []uint16{1}), reg, outbox, store, WithStatistics(store))
	t.Cleanup(m.Close)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.CreateQuery(context.Background(), createMessage(joinPlan())))
	for _, tk := range reg.TasksOfQuery(coordinator.Query()) {
		require.Equal(t, task.Created, tk.State())
	}
	m.StartQuery(coordinator.Query())

	require.Eventually(t, func() bool {
		_, finished := outbox.snapshot()
		return finished == 1 && reg.Len() == 0
	}, 5*time.Second, 5*time.Millisecond)

	results, _ := outbox.snapshot()
	require.ElementsMatch(t, [][]uint64{{1, 10, 100}, {2, 20, 200}}, results)
}

func TestAbortQuery(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	reg := registry.New()
	outbox := &singleNodeOutbox{reg: reg}
	m := NewManager(testConfig(), cluster.MustNew(1, 0, []uint16{1, 2}), reg, outbox, newStore(t))
	t.Cleanup(m.Close)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.CreateQuery(context.Background(), createMessage(joinPlan())))
	tasks := reg.TasksOfQuery(coordinator.Query())
	require.Len(t, tasks, 3)

	// The copies on node 2 never report, so the query cannot finish.
	m.StartQuery(coordinator.Query())
	m.AbortQuery(coordinator.Query())
	for _, tk := range tasks {
		require.Equal(t, task.Aborted, tk.State())
	}

	require.Eventually(t, func() bool {
		return reg.Len() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestAddTaskAndClose(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	reg := registry.New()
	m := NewManager(testConfig(), cluster.MustNew(1, 0, []uint16{1}), reg, &singleNodeOutbox{reg: reg}, memory.New())
	require.NoError(t, m.Start(context.Background()))

	tk := &loadTask{id: id.New(1, 4, 1), estimated: 3}
	require.NoError(t, m.AddTask(tk))
	require.Error(t, m.AddTask(tk))

	tid := tk.ID()
	got, ok := m.Lookup(tid)
	require.True(t, ok)
	require.Same(t, tk, got)

	m.Close()
	m.Close()
	require.Equal(t, task.Aborted, tk.State())
	require.Equal(t, 0, reg.Len())
	require.ErrorIs(t, m.AddTask(&loadTask{id: id.New(1, 4, 2)}), ErrClosed)
	require.ErrorIs(t, m.Start(context.Background()), ErrClosed)
}
