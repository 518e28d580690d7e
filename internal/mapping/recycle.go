package mapping

// RecycleCache is a fixed capacity free list of mappings. Acquire and Release
// are O(1). A RecycleCache is owned by a single worker thread and is not safe
// for concurrent use.
//
// A nil *RecycleCache is valid: it allocates on Acquire and only poisons on
// Release.
type RecycleCache struct {
	free []*Mapping
}

// NewRecycleCache returns a cache keeping at most capacity released mappings.
func NewRecycleCache(capacity int) *RecycleCache {
	return &RecycleCache{free: make([]*Mapping, 0, capacity)}
}

// Acquire returns a cleared mapping with room for width values.
func (c *RecycleCache) Acquire(width int) *Mapping {
	var m *Mapping
	if c != nil && len(c.free) > 0 {
		last := len(c.free) - 1
		m = c.free[last]
		c.free[last] = nil
		c.free = c.free[:last]
	} else {
		m = &Mapping{}
	}
	m.reset(width)
	return m
}

// Release hands m back. Its values are overwritten with Sentinel so that
// stale references are detectable.
func (c *RecycleCache) Release(m *Mapping) {
	if m == nil {
		return
	}
	if m.released {
		if Debug {
			panic("mapping: released twice")
		}
		return
	}

	for i := range m.values {
		m.values[i] = Sentinel
	}
	m.released = true

	if c != nil && len(c.free) < cap(c.free) {
		c.free = append(c.free, m)
	}
}

// Len returns the number of mappings ready for reuse.
func (c *RecycleCache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.free)
}

// Cap returns the capacity of the cache.
func (c *RecycleCache) Cap() int {
	if c == nil {
		return 0
	}
	return cap(c.free)
}

// Copy returns a copy of m taken from the cache.
func (c *RecycleCache) Copy(m *Mapping) *Mapping {
	m.check()

	out := c.Acquire(len(m.values))
	copy(out.values, m.values)
	out.copyKnownBy(m)
	out.firstNode = m.firstNode
	return out
}
