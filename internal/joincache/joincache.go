// Package joincache stores the mappings one side of a hash join has
// received so far, indexed by the values of the join variables.
package joincache

import (
	"encoding/binary"
	"iter"
	"slices"

	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/koral-rdf/koral/internal/mapping"
)

// Cache is the per side store of a hash join.
//
// Every mapping added under some join key is returned by a later
// MatchCandidates call with a probe carrying an equal key. Without join
// variables every cached mapping is a candidate.
type Cache interface {
	Add(m *mapping.Mapping)
	Iterate() iter.Seq[*mapping.Mapping]
	MatchCandidates(probe *mapping.Mapping, probeSchema mapping.Schema) []*mapping.Mapping
	Size() int64
	Close()
}

// Factory builds the cache of a join side storing mappings of schema,
// indexed by joinVars.
type Factory func(schema, joinVars mapping.Schema) Cache

// NewMemory is the Factory of the in-memory cache.
func NewMemory(schema, joinVars mapping.Schema) Cache {
	idx := make([]int, len(joinVars))
	for i, v := range joinVars {
		idx[i] = schema.IndexOf(v)
	}
	return &memoryCache{
		joinVars: joinVars,
		keyIndex: idx,
		index:    redblacktree.NewWithStringComparator(),
	}
}

type memoryCache struct {
	joinVars mapping.Schema
	keyIndex []int
	index    *redblacktree.Tree
	all      []*mapping.Mapping
}

var _ Cache = (*memoryCache)(nil)

func (c *memoryCache) Add(m *mapping.Mapping) {
	c.all = append(c.all, m)
	if len(c.joinVars) == 0 {
		return
	}

	k := c.key(m)
	bucket, _ := c.index.Get(k)
	ms, _ := bucket.([]*mapping.Mapping)
	c.index.Put(k, append(ms, m))
}

func (c *memoryCache) Iterate() iter.Seq[*mapping.Mapping] {
	return slices.Values(c.all)
}

func (c *memoryCache) MatchCandidates(probe *mapping.Mapping, probeSchema mapping.Schema) []*mapping.Mapping {
	if len(c.joinVars) == 0 {
		return c.all
	}

	buf := make([]byte, 0, 8*len(c.joinVars))
	for _, v := range c.joinVars {
		value, ok := probe.ValueOf(v, probeSchema)
		if !ok {
			return nil
		}
		buf = binary.BigEndian.AppendUint64(buf, value)
	}

	bucket, found := c.index.Get(string(buf))
	if !found {
		return nil
	}
	return bucket.([]*mapping.Mapping)
}

func (c *memoryCache) Size() int64 {
	return int64(len(c.all))
}

// Close drops every cached mapping. They are owned by the cache and are not
// handed back to a recycle cache.
func (c *memoryCache) Close() {
	c.all = nil
	c.index.Clear()
}

func (c *memoryCache) key(m *mapping.Mapping) string {
	buf := make([]byte, 0, 8*len(c.keyIndex))
	for _, i := range c.keyIndex {
		buf = binary.BigEndian.AppendUint64(buf, m.Value(i))
	}
	return string(buf)
}
