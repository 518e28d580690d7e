// Package cluster describes the nodes taking part in query execution and
// decides which node owns a given intermediate result.
package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

var ErrInvalidTopology = errors.New("invalid cluster topology")

// Topology is the static view a node has of the cluster. Slaves execute
// query operators, the master coordinates queries.
type Topology struct {
	Local  uint16
	Master uint16
	Slaves []uint16
}

// New returns a validated Topology. The slaves are sorted ascending.
func New(local, master uint16, slaves []uint16) (*Topology, error) {
	if len(slaves) == 0 {
		return nil, fmt.Errorf("%w: no slaves", ErrInvalidTopology)
	}

	sorted := slices.Clone(slaves)
	slices.Sort(sorted)
	if len(slices.Compact(slices.Clone(sorted))) != len(sorted) {
		return nil, fmt.Errorf("%w: duplicate slave ids", ErrInvalidTopology)
	}
	if slices.Contains(sorted, master) {
		return nil, fmt.Errorf("%w: master %d is also a slave", ErrInvalidTopology, master)
	}
	if local != master && !slices.Contains(sorted, local) {
		return nil, fmt.Errorf("%w: local node %d is neither master nor slave", ErrInvalidTopology, local)
	}

	return &Topology{Local: local, Master: master, Slaves: sorted}, nil
}

// MustNew is like New but panics on an invalid topology.
func MustNew(local, master uint16, slaves []uint16) *Topology {
	t, err := New(local, master, slaves)
	if err != nil {
		panic(err)
	}
	return t
}

// IsMaster reports whether the local node is the master.
func (t *Topology) IsMaster() bool {
	return t.Local == t.Master
}

// Lowest returns the lowest numbered slave. It aggregates results for
// operators that cannot be partitioned by a join variable.
func (t *Topology) Lowest() uint16 {
	return t.Slaves[0]
}

// Peers returns every slave except the local node.
func (t *Topology) Peers() []uint16 {
	peers := make([]uint16, 0, len(t.Slaves))
	for _, s := range t.Slaves {
		if s != t.Local {
			peers = append(peers, s)
		}
	}
	return peers
}

// Nodes returns the master followed by every slave.
func (t *Topology) Nodes() []uint16 {
	return append([]uint16{t.Master}, t.Slaves...)
}

// Owner returns the slave responsible for forwarding a result whose first
// join variable is bound to value. Every node computes the same owner for
// the same value.
func (t *Topology) Owner(value uint64) uint16 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return t.Slaves[xxhash.Sum64(buf[:])%uint64(len(t.Slaves))]
}
