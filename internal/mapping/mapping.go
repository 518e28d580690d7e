// Package mapping holds variable bindings exchanged between query operators,
// together with the bookkeeping the nodes need to agree on who forwards them.
package mapping

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Sentinel is written into the values of a released mapping.
const Sentinel = uint64(0xDEADBEEFDEADBEEF)

// Debug makes accesses to released mappings panic. It is meant for tests.
var Debug = false

// Mapping is one binding of the variables of a schema. The schema itself is
// not stored; it is known by the operator that produced the mapping.
//
// Besides the bound values a mapping records which nodes know it and the
// first node that learned of it. A mapping without values is the empty
// mapping, used to signal that a variable-free sub query succeeded.
type Mapping struct {
	values      []uint64
	containment *bitset.BitSet
	firstNode   uint16
	released    bool
}

// New returns a heap allocated mapping. knownBy lists the nodes that
// already know the mapping.
func New(values []uint64, firstNode uint16, knownBy ...uint16) *Mapping {
	m := &Mapping{
		values:      append([]uint64(nil), values...),
		containment: bitset.New(0),
		firstNode:   firstNode,
	}
	m.SetKnownBy(knownBy...)
	return m
}

func (m *Mapping) check() {
	if Debug && m.released {
		panic("mapping: use after release")
	}
}

// Len returns the number of bound values.
func (m *Mapping) Len() int {
	return len(m.values)
}

// IsEmpty reports whether the mapping binds no variable.
func (m *Mapping) IsEmpty() bool {
	return len(m.values) == 0
}

// Value returns the value at position i of the producing schema.
func (m *Mapping) Value(i int) uint64 {
	m.check()
	return m.values[i]
}

// Values returns the bound values. Only the producer of a freshly acquired
// mapping may write to it.
func (m *Mapping) Values() []uint64 {
	m.check()
	return m.values
}

// ValueOf returns the value bound to v, given the schema of the mapping.
func (m *Mapping) ValueOf(v Variable, schema Schema) (uint64, bool) {
	i := schema.IndexOf(v)
	if i < 0 || i >= len(m.values) {
		return 0, false
	}
	return m.Value(i), true
}

// FirstNode returns the first node that learned of the mapping.
func (m *Mapping) FirstNode() uint16 {
	return m.firstNode
}

// SetFirstNode overrides the first node that learned of the mapping.
func (m *Mapping) SetFirstNode(node uint16) {
	m.firstNode = node
}

// IsKnownBy reports whether node knows the mapping.
func (m *Mapping) IsKnownBy(node uint16) bool {
	return m.containment.Test(uint(node))
}

// SetKnownBy marks the mapping as known by nodes.
func (m *Mapping) SetKnownBy(nodes ...uint16) {
	for _, n := range nodes {
		m.containment.Set(uint(n))
	}
}

// KnownBy returns the nodes that know the mapping in ascending order.
func (m *Mapping) KnownBy() []uint16 {
	nodes := make([]uint16, 0, m.containment.Count())
	for i, ok := m.containment.NextSet(0); ok; i, ok = m.containment.NextSet(i + 1) {
		nodes = append(nodes, uint16(i))
	}
	return nodes
}

// Released reports whether the mapping went back to a recycle cache.
func (m *Mapping) Released() bool {
	return m.released
}

// Equal reports whether both mappings bind the same values.
func (m *Mapping) Equal(o *Mapping) bool {
	if len(m.values) != len(o.values) {
		return false
	}
	for i := range m.values {
		if m.values[i] != o.values[i] {
			return false
		}
	}
	return true
}

func (m *Mapping) String() string {
	if m.released {
		return "mapping(released)"
	}
	return fmt.Sprintf("mapping%v first=%d known=%v", m.values, m.firstNode, m.KnownBy())
}

func (m *Mapping) reset(width int) {
	if cap(m.values) < width {
		m.values = make([]uint64, width)
	} else {
		m.values = m.values[:width]
		clear(m.values)
	}
	if m.containment == nil {
		m.containment = bitset.New(0)
	} else {
		m.containment.ClearAll()
	}
	m.firstNode = 0
	m.released = false
}

func (m *Mapping) copyKnownBy(from *Mapping) {
	m.containment.InPlaceUnion(from.containment)
}

// MarkOwnedBy records node as the only node knowing the mapping and as its
// first node. Operators call it for mappings they derive from received
// input.
func (m *Mapping) MarkOwnedBy(node uint16) {
	m.containment.ClearAll()
	m.containment.Set(uint(node))
	m.firstNode = node
}
