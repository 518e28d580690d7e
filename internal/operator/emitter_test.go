package operator

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/koral-rdf/koral/internal/cluster"
	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/mocks"
	"github.com/koral-rdf/koral/pkg/id"
)

var slaves = []uint16{1, 2, 3}

// ownedBy returns a value whose owner is node.
func ownedBy(t *testing.T, topology *cluster.Topology, node uint16) uint64 {
	t.Helper()
	for v := uint64(1); v < 10000; v++ {
		if topology.Owner(v) == node {
			return v
		}
	}
	t.Fatalf("no value owned by node %d", node)
	return 0
}

func newTestEmitter(outbox *mocks.MockOutbox, local uint16) *emitter {
	return &emitter{
		local:       local,
		topology:    cluster.MustNew(local, 0, slaves),
		outbox:      outbox,
		coordinator: id.New(0, 7, 0),
		schema:      mapping.NewSchema(1, 2),
		parent:      id.New(local, 7, 5),
		child:       1,
		joinVar:     2,
		hasJoinVar:  true,
	}
}

func TestEmitToOwner(t *testing.T) {
	topology := cluster.MustNew(1, 0, slaves)
	owner := uint16(2)
	v := ownedBy(t, topology, owner)

	tests := []struct {
		name      string
		local     uint16
		firstNode uint16
		knownBy   []uint16
		// receiver is the node of the parent copy receiving the
		// mapping, 0 if the mapping is released.
		receiver uint16
	}{
		{name: "owner_knows_and_is_local", local: 2, firstNode: 1, knownBy: []uint16{1, 2}, receiver: 2},
		{name: "owner_knows_other_node", local: 1, firstNode: 1, knownBy: []uint16{1, 2}},
		{name: "owner_unaware_first_node_sends", local: 1, firstNode: 1, knownBy: []uint16{1, 3}, receiver: 2},
		{name: "owner_unaware_other_node", local: 3, firstNode: 1, knownBy: []uint16{1, 3}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			outbox := mocks.NewMockOutbox(ctrl)
			e := newTestEmitter(outbox, test.local)
			cache := mapping.NewRecycleCache(4)

			m := mapping.New([]uint64{9, v}, test.firstNode, test.knownBy...)
			if test.receiver != 0 {
				outbox.EXPECT().SendMapping(id.New(test.receiver, 7, 5), 1, m, cache)
			}
			e.emit(m, cache)

			require.Equal(t, test.receiver == 0, m.Released())
		})
	}
}

func TestEmitToRoot(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := mocks.NewMockOutbox(ctrl)
	e := newTestEmitter(outbox, 2)
	e.root = true
	cache := mapping.NewRecycleCache(4)

	sent := mapping.New([]uint64{1, 2}, 2, 2, 3)
	outbox.EXPECT().SendMapping(id.New(0, 7, 0), 0, sent, cache)
	e.emit(sent, cache)

	dropped := mapping.New([]uint64{1, 2}, 1, 1, 2)
	e.emit(dropped, cache)
	require.True(t, dropped.Released())
}

func TestEmitToProjection(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := mocks.NewMockOutbox(ctrl)
	e := newTestEmitter(outbox, 3)
	e.parentIsProjection = true
	e.child = 0
	cache := mapping.NewRecycleCache(4)

	// Projection is local whatever the containment says.
	m := mapping.New([]uint64{1, 2}, 1, 1)
	outbox.EXPECT().SendMapping(id.New(3, 7, 5), 0, m, cache)
	e.emit(m, cache)
}

func TestEmitWithoutJoinVariable(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := mocks.NewMockOutbox(ctrl)
	e := newTestEmitter(outbox, 3)
	e.hasJoinVar = false
	cache := mapping.NewRecycleCache(4)

	m := mapping.New([]uint64{1, 2}, 3, 3)
	outbox.EXPECT().SendMapping(id.New(1, 7, 5), 1, m, cache)
	e.emit(m, cache)

	other := mapping.New([]uint64{1, 2}, 2, 2, 3)
	e.emit(other, cache)
	require.True(t, other.Released())
}

func TestEmitEmptyMappingOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := mocks.NewMockOutbox(ctrl)
	e := newTestEmitter(outbox, 2)
	e.hasJoinVar = false
	cache := mapping.NewRecycleCache(4)

	m := mapping.New(nil, 2, 2, 3)
	outbox.EXPECT().SendMapping(id.New(1, 7, 5), 1, m, cache)
	e.emit(m, cache)

	e.local = 3
	other := mapping.New(nil, 2, 2, 3)
	e.emit(other, cache)
	require.True(t, other.Released())
}

func TestEmitToForwardJoinFilter(t *testing.T) {
	ctrl := gomock.NewController(t)
	outbox := mocks.NewMockOutbox(ctrl)
	e := newTestEmitter(outbox, 2)
	e.hasJoinVar = false
	e.filterInput = true
	cache := mapping.NewRecycleCache(4)

	received := map[uint16]int{}
	outbox.EXPECT().SendMapping(gomock.Any(), 1, gomock.Any(), cache).
		Do(func(receiver id.TaskID, _ int, m *mapping.Mapping, _ *mapping.RecycleCache) {
			require.True(t, m.IsEmpty())
			require.Equal(t, uint32(7), receiver.Query())
			received[receiver.Node()]++
		}).
		Times(len(slaves))

	e.emit(mapping.New(nil, 2, 2, 3), cache)
	require.Equal(t, map[uint16]int{1: 1, 2: 1, 3: 1}, received)

	// Node 3 knows the mapping as well but is not its first node.
	e.local = 3
	m := mapping.New(nil, 2, 2, 3)
	e.emit(m, cache)
	require.True(t, m.Released())
}
