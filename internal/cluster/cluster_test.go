package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNew(t *testing.T) {
	t.Run("sorts_slaves", func(t *testing.T) {
		topo, err := New(2, 0, []uint16{3, 1, 2})
		require.NoError(t, err)
		require.Equal(t, []uint16{1, 2, 3}, topo.Slaves)
		require.Equal(t, uint16(1), topo.Lowest())
		require.Equal(t, []uint16{1, 3}, topo.Peers())
		require.Equal(t, []uint16{0, 1, 2, 3}, topo.Nodes())
		require.False(t, topo.IsMaster())
	})

	t.Run("master", func(t *testing.T) {
		topo, err := New(0, 0, []uint16{1, 2})
		require.NoError(t, err)
		require.True(t, topo.IsMaster())
		require.Equal(t, []uint16{1, 2}, topo.Peers())
	})

	for name, tc := range map[string]struct {
		local, master uint16
		slaves        []uint16
	}{
		"no_slaves":        {local: 0, master: 0},
		"duplicate_slaves": {local: 1, master: 0, slaves: []uint16{1, 1}},
		"master_is_slave":  {local: 1, master: 1, slaves: []uint16{1, 2}},
		"unknown_local":    {local: 5, master: 0, slaves: []uint16{1, 2}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.local, tc.master, tc.slaves)
			require.ErrorIs(t, err, ErrInvalidTopology)
		})
	}
}

func TestOwnerIsSharedByAllNodes(t *testing.T) {
	slaves := []uint16{1, 2, 3, 4}
	views := []*Topology{
		MustNew(1, 0, slaves),
		MustNew(2, 0, []uint16{4, 3, 2, 1}),
		MustNew(0, 0, slaves),
	}

	rapid.Check(t, func(t *rapid.T) {
		value := rapid.Uint64().Draw(t, "value")

		owner := views[0].Owner(value)
		for _, v := range views[1:] {
			if got := v.Owner(value); got != owner {
				t.Fatalf("owner of %d differs between nodes: %d and %d", value, owner, got)
			}
		}
		if owner != views[0].Owner(value) {
			t.Fatalf("owner of %d is not stable", value)
		}
		if owner < 1 || owner > 4 {
			t.Fatalf("owner %d is not a slave", owner)
		}
	})
}

func TestOwnerSpreadsValues(t *testing.T) {
	topo := MustNew(1, 0, []uint16{1, 2, 3})
	seen := map[uint16]int{}
	for v := uint64(0); v < 300; v++ {
		seen[topo.Owner(v)]++
	}
	require.Len(t, seen, 3)
}
