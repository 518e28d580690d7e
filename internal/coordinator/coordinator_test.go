package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koral-rdf/koral/internal/cluster"
	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/messages"
	"github.com/koral-rdf/koral/internal/plan"
	"github.com/koral-rdf/koral/internal/task"
)

type sent struct {
	node uint16
	msg  messages.Message
}

type recordingSender struct {
	sent []sent
}

func (r *recordingSender) Send(node uint16, msg messages.Message) {
	r.sent = append(r.sent, sent{node: node, msg: msg})
}

func (r *recordingSender) types() []messages.Type {
	var types []messages.Type
	for _, s := range r.sent {
		types = append(types, s.msg.Type())
	}
	return types
}

var testPlan = &plan.Projection{
	ID:   2,
	Vars: mapping.NewSchema(1),
	Child: &plan.Match{
		ID:       1,
		Subject:  plan.Var(1),
		Property: plan.Const(10),
		Object:   plan.Var(2),
	},
}

func newTestCoordinator(t *testing.T, ctx context.Context) (*Coordinator, *recordingSender) {
	t.Helper()

	sender := &recordingSender{}
	c, err := New(ctx, Config{
		Topology: cluster.MustNew(0, 0, []uint16{1, 2}),
		Query:    5,
		Plan:     testPlan,
		Sender:   sender,
	})
	require.NoError(t, err)
	return c, sender
}

func tick(t *testing.T, c *Coordinator, cache *mapping.RecycleCache) {
	t.Helper()
	require.True(t, c.HasInput() || c.HasToPerformFinalSteps())
	require.NoError(t, c.Execute(cache))
}

func TestQueryLifecycle(t *testing.T) {
	c, sender := newTestCoordinator(t, context.Background())
	cache := mapping.NewRecycleCache(8)

	tick(t, c, cache)
	require.Equal(t, []messages.Type{messages.TypeQueryCreate, messages.TypeQueryCreate}, sender.types())
	create := sender.sent[0].msg.(*messages.QueryCreate)
	require.Equal(t, c.ID(), create.Coordinator)
	decoded, err := plan.Unmarshal(create.Plan)
	require.NoError(t, err)
	require.Equal(t, testPlan, decoded)

	require.False(t, c.HasToPerformFinalSteps())
	require.ErrorIs(t, c.Start(), task.ErrIllegalState)

	c.EnqueueCreated(1)
	c.EnqueueCreated(1)
	tick(t, c, cache)
	require.Equal(t, task.Created, c.State())

	c.EnqueueCreated(2)
	tick(t, c, cache)
	require.Equal(t, task.Started, c.State())
	require.Equal(t, messages.TypeQueryStart, sender.sent[len(sender.sent)-1].msg.Type())

	c.EnqueueMappings(0, mapping.New([]uint64{4}, 1, 1), mapping.New([]uint64{5}, 2, 2))
	c.EnqueueFinished(1)
	tick(t, c, cache)
	require.Equal(t, task.Started, c.State())

	c.EnqueueMappings(0, mapping.New([]uint64{6}, 2, 2))
	c.EnqueueFinished(2)
	tick(t, c, cache)
	require.Equal(t, task.Finished, c.State())

	res, err := c.Result()
	require.NoError(t, err)
	require.Equal(t, mapping.NewSchema(1), res.Schema)
	require.Equal(t, [][]uint64{{4}, {5}, {6}}, res.Rows)

	res, err = c.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
}

func TestTaskFailureAbortsQuery(t *testing.T) {
	c, sender := newTestCoordinator(t, context.Background())
	cache := mapping.NewRecycleCache(8)
	tick(t, c, cache)

	c.EnqueueFailed(c.ID().WithNode(2), "no plan")
	tick(t, c, cache)
	require.Equal(t, task.Aborted, c.State())
	require.Equal(t, messages.TypeQueryAbort, sender.sent[len(sender.sent)-1].msg.Type())

	_, err := c.Result()
	require.ErrorIs(t, err, ErrTaskFailed)
	require.ErrorContains(t, err, "no plan")
}

func TestContextCancellationAbortsQuery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, _ := newTestCoordinator(t, ctx)
	cache := mapping.NewRecycleCache(8)
	tick(t, c, cache)

	_, err := c.Result()
	require.ErrorIs(t, err, task.ErrIllegalState)

	cancel()
	tick(t, c, cache)
	require.Equal(t, task.Aborted, c.State())

	_, err = c.Wait(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCloseAbortsRunningQuery(t *testing.T) {
	c, sender := newTestCoordinator(t, context.Background())
	c.Close()

	require.Equal(t, task.Aborted, c.State())
	require.Equal(t, []messages.Type{messages.TypeQueryAbort, messages.TypeQueryAbort}, sender.types())
	_, err := c.Result()
	require.ErrorIs(t, err, ErrAborted)

	c.Close()
	require.Len(t, sender.sent, 2)
}

func TestRecycleResultsAfterAbort(t *testing.T) {
	c, _ := newTestCoordinator(t, context.Background())
	cache := mapping.NewRecycleCache(8)

	m := mapping.New([]uint64{1, 2}, 1, 1)
	c.EnqueueMappings(0, m)
	c.Recycle(cache)
	require.False(t, m.Released())

	c.Close()
	require.False(t, c.HasInput())
	c.Recycle(cache)
	require.True(t, m.Released())
	require.Equal(t, 1, cache.Len())
}

func TestNewRejectsSlaves(t *testing.T) {
	_, err := New(context.Background(), Config{
		Topology: cluster.MustNew(1, 0, []uint16{1, 2}),
		Query:    5,
		Plan:     testPlan,
		Sender:   &recordingSender{},
	})
	require.Error(t, err)
}
