package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Yiling-J/theine-go"
)

// CachedStatistics answers cardinality lookups for the load estimation of
// new queries, remembering them for a while.
type CachedStatistics struct {
	reader TripleReader
	cache  *theine.Cache[Pattern, uint64]
	ttl    time.Duration
}

// NewCachedStatistics caches up to size cardinalities of reader, each for ttl.
func NewCachedStatistics(reader TripleReader, size int64, ttl time.Duration) (*CachedStatistics, error) {
	cache, err := theine.NewBuilder[Pattern, uint64](size).Build()
	if err != nil {
		return nil, fmt.Errorf("initialize statistics cache: %w", err)
	}

	return &CachedStatistics{
		reader: reader,
		cache:  cache,
		ttl:    ttl,
	}, nil
}

// Count returns the number of triples selected by p.
func (c *CachedStatistics) Count(ctx context.Context, p Pattern) (uint64, error) {
	if n, ok := c.cache.Get(p); ok {
		return n, nil
	}

	n, err := c.reader.Count(ctx, p)
	if err != nil {
		return 0, err
	}

	c.cache.SetWithTTL(p, n, 1, c.ttl)
	return n, nil
}

// Invalidate drops every remembered cardinality of patterns selecting t.
func (c *CachedStatistics) Invalidate(t *Triple) {
	for _, p := range patternsOf(t) {
		c.cache.Delete(p)
	}
}

func (c *CachedStatistics) Close() {
	c.cache.Close()
}

func patternsOf(t *Triple) []Pattern {
	patterns := make([]Pattern, 0, 8)
	for mask := 0; mask < 8; mask++ {
		var p Pattern
		if mask&1 != 0 {
			p.Subject = t.Subject
		}
		if mask&2 != 0 {
			p.Property = t.Property
		}
		if mask&4 != 0 {
			p.Object = t.Object
		}
		patterns = append(patterns, p)
	}
	return patterns
}
