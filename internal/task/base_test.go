package task_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/mocks"
	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/pkg/id"
)

// counter consumes its single input queue one mapping per step.
type counter struct {
	*task.Base
	consumed    int
	preStarts   int
	tidyUps     int
	releases    int
	stepErr     error
	preStartErr error
}

func (c *counter) PreStart() error {
	c.preStarts++
	return c.preStartErr
}

func (c *counter) HasPendingInput() bool {
	return !c.Queue(0).IsEmpty()
}

func (c *counter) Step(cache *mapping.RecycleCache) error {
	if c.stepErr != nil {
		return c.stepErr
	}
	if m, ok := c.Queue(0).Dequeue(); ok {
		c.consumed++
		cache.Release(m)
	}
	return nil
}

func (c *counter) Idle() bool  { return true }
func (c *counter) Load() int64 { return 0 }
func (c *counter) TidyUp()     { c.tidyUps++ }
func (c *counter) Release()    { c.releases++ }

type fakeChild struct {
	task.Task
	state task.State
}

func (f *fakeChild) State() task.State { return f.state }

var (
	coordinator = id.New(0, 9, 0)
	local       = id.New(1, 9, 2)
)

func newCounter(t *testing.T, outbox task.Outbox, child task.Task, peers []uint16, root bool) *counter {
	t.Helper()

	c := &counter{}
	c.Base = task.NewBase(task.Config{
		ID:            local,
		Coordinator:   coordinator,
		Children:      []task.Task{child},
		Peers:         peers,
		Root:          root,
		EstimatedLoad: 5,
		Outbox:        outbox,
	}, c)
	return c
}

func TestLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := mocks.NewMockOutbox(ctrl)
	child := &fakeChild{state: task.Started}
	c := newCounter(t, outbox, child, []uint16{2, 3}, true)
	cache := mapping.NewRecycleCache(4)

	require.Equal(t, task.Created, c.State())
	require.Equal(t, int64(5), c.EstimatedLoad())
	require.True(t, c.HasToPerformFinalSteps())

	// pre-start runs once while CREATED
	require.NoError(t, c.Execute(cache))
	require.NoError(t, c.Execute(cache))
	require.Equal(t, 1, c.preStarts)
	require.False(t, c.HasToPerformFinalSteps())

	c.EnqueueMappings(0, mapping.New([]uint64{1}, 1), mapping.New([]uint64{2}, 1))
	require.Equal(t, int64(7), c.CurrentLoad())
	require.False(t, c.HasInput(), "CREATED tasks hold their input")

	require.NoError(t, c.Start())
	require.ErrorIs(t, c.Start(), task.ErrIllegalState)
	require.True(t, c.HasInput())

	require.NoError(t, c.Execute(cache))
	require.NoError(t, c.Execute(cache))
	require.Equal(t, 2, c.consumed)
	require.Equal(t, task.Started, c.State(), "child still running")
	require.False(t, c.HasToPerformFinalSteps())

	child.state = task.Finished
	require.True(t, c.HasToPerformFinalSteps())

	outbox.EXPECT().SendFinished(local.WithNode(2))
	outbox.EXPECT().SendFinished(local.WithNode(3))
	outbox.EXPECT().SendFinished(coordinator)
	require.NoError(t, c.Execute(cache))
	require.Equal(t, task.WaitingForOthersToFinish, c.State())
	require.False(t, c.HasToPerformFinalSteps())

	c.EnqueueFinished(2)
	c.EnqueueFinished(2)
	c.EnqueueFinished(7)
	require.True(t, c.HasToPerformFinalSteps())
	require.NoError(t, c.Execute(cache))
	require.Equal(t, task.WaitingForOthersToFinish, c.State(), "duplicate and unknown notifications do not count")

	c.EnqueueFinished(3)
	require.NoError(t, c.Execute(cache))
	require.Equal(t, task.Finished, c.State())
	require.Equal(t, 1, c.tidyUps)
	require.Equal(t, 1, c.releases)

	c.Close()
	require.Equal(t, task.Finished, c.State(), "close keeps FINISHED")
	require.Equal(t, 1, c.releases)
}

func TestFinishNotificationsBeforeStart(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := mocks.NewMockOutbox(ctrl)
	c := newCounter(t, outbox, &fakeChild{state: task.Finished}, []uint16{2}, false)

	c.EnqueueFinished(2)
	require.NoError(t, c.Start())

	outbox.EXPECT().SendFinished(local.WithNode(2))
	require.NoError(t, c.Execute(nil))
	require.Equal(t, 1, c.preStarts, "pre-start runs on the first started tick")
	require.Equal(t, task.WaitingForOthersToFinish, c.State())

	require.NoError(t, c.Execute(nil))
	require.Equal(t, task.Finished, c.State())
}

func TestCloseAborts(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newCounter(t, mocks.NewMockOutbox(ctrl), &fakeChild{state: task.Started}, nil, false)

	require.NoError(t, c.Start())
	c.Close()
	require.Equal(t, task.Aborted, c.State())
	require.True(t, c.State().IsFinal())
	require.Equal(t, 1, c.releases)

	c.EnqueueMappings(0, mapping.New([]uint64{1}, 1))
	require.Zero(t, c.Queue(0).Len(), "closed queues drop mappings")

	c.Close()
	require.Equal(t, 1, c.releases)
	require.ErrorIs(t, c.Start(), task.ErrIllegalState)
}

func TestStepFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newCounter(t, mocks.NewMockOutbox(ctrl), &fakeChild{state: task.Started}, nil, false)
	c.stepErr = errors.New("boom")

	require.NoError(t, c.Start())
	c.EnqueueMappings(0, mapping.New([]uint64{1}, 1))
	require.EqualError(t, c.Execute(nil), "boom")
}

func TestStateString(t *testing.T) {
	require.Equal(t, "WAITING_FOR_OTHERS_TO_FINISH", task.WaitingForOthersToFinish.String())
	require.False(t, task.Started.IsFinal())
	require.True(t, task.Finished.IsFinal())
}

func TestMappingQueue(t *testing.T) {
	q := task.NewMappingQueue()
	a, b := mapping.New([]uint64{1}, 1), mapping.New([]uint64{2}, 1)
	q.Enqueue(a, b)

	got, ok := q.Dequeue()
	require.True(t, ok)
	require.Same(t, a, got)
	require.Equal(t, 1, q.Len())
	require.Equal(t, uint64(2), q.Received())

	q.Close()
	q.Enqueue(mapping.New([]uint64{3}, 1))
	require.Equal(t, 1, q.Len(), "closed queues drop new mappings")

	cache := mapping.NewRecycleCache(4)
	require.Equal(t, 1, q.Drain(cache))
	require.True(t, b.Released())
	require.Equal(t, 1, cache.Len())
	require.True(t, q.IsEmpty())
	_, ok = q.Dequeue()
	require.False(t, ok)
}

func TestRecycleAfterClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newCounter(t, mocks.NewMockOutbox(ctrl), &fakeChild{state: task.Started}, nil, false)
	require.NoError(t, c.Start())

	queued := []*mapping.Mapping{mapping.New([]uint64{1}, 1), mapping.New([]uint64{2}, 1)}
	c.EnqueueMappings(0, queued...)
	cache := mapping.NewRecycleCache(4)

	c.Recycle(cache)
	require.Equal(t, 2, c.Queue(0).Len(), "live tasks keep their input")

	c.Close()
	c.Recycle(cache)
	require.Zero(t, c.Queue(0).Len())
	require.Equal(t, 2, cache.Len())
	for _, m := range queued {
		require.True(t, m.Released())
	}
}
