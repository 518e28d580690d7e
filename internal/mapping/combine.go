package mapping

import "fmt"

// Combiner merges a left and a right mapping into a mapping of the union of
// their schemas. The position lookups are computed once per pair of schemas.
type Combiner struct {
	out      Schema
	fromLeft []bool
	index    []int
}

// NewCombiner returns a Combiner for mappings of schemas left and right.
func NewCombiner(left, right Schema) *Combiner {
	out := Union(left, right)
	c := &Combiner{
		out:      out,
		fromLeft: make([]bool, len(out)),
		index:    make([]int, len(out)),
	}
	for i, v := range out {
		if j := left.IndexOf(v); j >= 0 {
			c.fromLeft[i] = true
			c.index[i] = j
			continue
		}
		c.index[i] = right.IndexOf(v)
	}
	return c
}

// Schema returns the schema of the combined mappings.
func (c *Combiner) Schema() Schema {
	return c.out
}

// Combine returns the join result of left and right. The result is only known
// by the local node, which is also its first node.
func (c *Combiner) Combine(cache *RecycleCache, left, right *Mapping, local uint16) *Mapping {
	left.check()
	right.check()

	m := cache.Acquire(len(c.out))
	for i := range c.out {
		if c.fromLeft[i] {
			m.values[i] = left.values[c.index[i]]
		} else {
			m.values[i] = right.values[c.index[i]]
		}
	}
	m.SetKnownBy(local)
	m.firstNode = local
	return m
}

// Combine is a convenience wrapper around a single use Combiner.
func Combine(cache *RecycleCache, left *Mapping, leftSchema Schema, right *Mapping, rightSchema Schema, local uint16) *Mapping {
	return NewCombiner(leftSchema, rightSchema).Combine(cache, left, right, local)
}

// Projector narrows mappings of one schema to a subset of its variables.
type Projector struct {
	to    Schema
	index []int
}

// NewProjector returns a Projector from schema from to schema to.
func NewProjector(from, to Schema) (*Projector, error) {
	p := &Projector{to: to, index: make([]int, len(to))}
	for i, v := range to {
		j := from.IndexOf(v)
		if j < 0 {
			return nil, fmt.Errorf("variable ?%d is not bound by %v", v, from)
		}
		p.index[i] = j
	}
	return p, nil
}

// Schema returns the schema of the projected mappings.
func (p *Projector) Schema() Schema {
	return p.to
}

// Project returns the projection of m. The result keeps the containment and
// the first node of m.
func (p *Projector) Project(cache *RecycleCache, m *Mapping) *Mapping {
	m.check()

	out := cache.Acquire(len(p.to))
	for i, j := range p.index {
		out.values[i] = m.values[j]
	}
	out.copyKnownBy(m)
	out.firstNode = m.firstNode
	return out
}

// Project is a convenience wrapper around a single use Projector.
func Project(cache *RecycleCache, m *Mapping, from, to Schema) (*Mapping, error) {
	p, err := NewProjector(from, to)
	if err != nil {
		return nil, err
	}
	return p.Project(cache, m), nil
}
