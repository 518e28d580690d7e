package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koral-rdf/koral/internal/cluster"
	"github.com/koral-rdf/koral/internal/coordinator"
	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/plan"
	"github.com/koral-rdf/koral/internal/transport"
	"github.com/koral-rdf/koral/internal/worker"
	"github.com/koral-rdf/koral/pkg/storage"
	"github.com/koral-rdf/koral/pkg/storage/memory"
)

const (
	knows = 10
	name  = 11
)

var slaves = []uint16{1, 2}

func testConfig() *Config {
	wc := worker.DefaultConfig()
	wc.Threads = 2
	wc.EmptyQueueSleep = time.Millisecond
	wc.MaxMappingsPerRound = 2
	return &Config{
		Worker:       wc,
		BatchSize:    2,
		SendPoolSize: 2,
		QueryTimeout: 10 * time.Second,
	}
}

func newNode(t *testing.T, network *transport.Network, local uint16, store storage.TripleReader, cfg *Config) *Server {
	t.Helper()

	s, err := New(&Dependencies{
		Topology:  cluster.MustNew(local, 0, slaves),
		Store:     store,
		Transport: LocalTransport(network),
	}, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

// graphChunks splits a small social graph over the slaves. The name of 10
// is stored on both slaves.
func graphChunks(t *testing.T) map[uint16]*memory.MemoryBackend {
	t.Helper()

	chunks := map[uint16][]*storage.Triple{
		1: {
			{Subject: 1, Property: knows, Object: 10, Containment: []uint16{1}},
			{Subject: 3, Property: knows, Object: 30, Containment: []uint16{1}},
			{Subject: 10, Property: name, Object: 100, Containment: []uint16{1, 2}},
		},
		2: {
			{Subject: 2, Property: knows, Object: 20, Containment: []uint16{2}},
			{Subject: 4, Property: knows, Object: 10, Containment: []uint16{2}},
			{Subject: 10, Property: name, Object: 100, Containment: []uint16{1, 2}},
			{Subject: 20, Property: name, Object: 200, Containment: []uint16{2}},
		},
	}

	stores := make(map[uint16]*memory.MemoryBackend)
	for node, triples := range chunks {
		store := memory.New()
		require.NoError(t, store.Write(context.Background(), triples))
		stores[node] = store
	}
	return stores
}

func namesOfFriends() plan.Operator {
	return &plan.Projection{
		ID:   4,
		Vars: mapping.NewSchema(1, 3),
		Child: &plan.Join{
			ID:    3,
			Left:  &plan.Match{ID: 1, Subject: plan.Var(1), Property: plan.Const(knows), Object: plan.Var(2)},
			Right: &plan.Match{ID: 2, Subject: plan.Var(2), Property: plan.Const(name), Object: plan.Var(3)},
		},
	}
}

func TestExecuteAcrossNodes(t *testing.T) {
	network := transport.NewNetwork()
	stores := graphChunks(t)
	master := newNode(t, network, 0, nil, testConfig())
	for _, node := range slaves {
		newNode(t, network, node, stores[node], testConfig())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for range 3 {
		res, err := master.Execute(ctx, namesOfFriends())
		require.NoError(t, err)
		require.Equal(t, mapping.NewSchema(1, 3), res.Schema)
		require.ElementsMatch(t, [][]uint64{{1, 100}, {4, 100}, {2, 200}}, res.Rows)
	}

	res, err := master.Execute(ctx, &plan.Slice{ID: 5, Offset: 1, Length: 1, Child: namesOfFriends()})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}

func TestIsReady(t *testing.T) {
	s, err := New(&Dependencies{
		Topology:  cluster.MustNew(0, 0, slaves),
		Transport: LocalTransport(transport.NewNetwork()),
	}, testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	ready, err := s.IsReady(ctx)
	require.NoError(t, err)
	require.False(t, ready)

	require.NoError(t, s.Start(ctx))
	ready, _ = s.IsReady(ctx)
	require.True(t, ready)

	s.Close()
	ready, _ = s.IsReady(ctx)
	require.False(t, ready)
}

func TestExecuteOnSlave(t *testing.T) {
	network := transport.NewNetwork()
	slave := newNode(t, network, 1, memory.New(), testConfig())

	_, err := slave.Execute(context.Background(), namesOfFriends())
	require.ErrorIs(t, err, ErrNotMaster)
}

func TestExecuteInvalidPlan(t *testing.T) {
	network := transport.NewNetwork()
	master := newNode(t, network, 0, nil, testConfig())

	_, err := master.Execute(context.Background(), &plan.Join{
		ID:    1,
		Left:  &plan.Match{ID: 1, Subject: plan.Var(1), Property: plan.Const(knows), Object: plan.Var(2)},
		Right: &plan.Match{ID: 2, Subject: plan.Var(2), Property: plan.Const(name), Object: plan.Var(3)},
	})
	require.ErrorIs(t, err, plan.ErrInvalidPlan)
}

func TestExecuteTimesOutWithoutSlaves(t *testing.T) {
	network := transport.NewNetwork()
	cfg := testConfig()
	cfg.QueryTimeout = 100 * time.Millisecond
	master := newNode(t, network, 0, nil, cfg)

	// Node 2 never joins, so the query is never created on every slave.
	newNode(t, network, 1, graphChunks(t)[1], testConfig())

	_, err := master.Execute(context.Background(), namesOfFriends())
	require.ErrorIs(t, err, coordinator.ErrAborted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSlaveNeedsStore(t *testing.T) {
	_, err := New(&Dependencies{
		Topology:  cluster.MustNew(1, 0, slaves),
		Transport: LocalTransport(transport.NewNetwork()),
	}, testConfig())
	require.Error(t, err)
}
