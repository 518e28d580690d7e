// Package storage holds the triple store the pattern match operators read
// their local graph chunk from.
package storage

import (
	"context"
	"errors"
	"slices"
)

// Any matches every value at a position of a Pattern. Dictionary ids
// start at 1.
const Any uint64 = 0

var (
	ErrIteratorDone  = errors.New("iterator done")
	ErrInvalidTriple = errors.New("invalid triple")
)

// Triple is one dictionary encoded statement together with the nodes of
// the cluster that store it.
type Triple struct {
	Subject     uint64
	Property    uint64
	Object      uint64
	Containment []uint16
}

// Pattern selects triples. Positions set to Any are unconstrained.
type Pattern struct {
	Subject  uint64
	Property uint64
	Object   uint64
}

// Matches reports whether t is selected by p.
func (p Pattern) Matches(t *Triple) bool {
	return (p.Subject == Any || p.Subject == t.Subject) &&
		(p.Property == Any || p.Property == t.Property) &&
		(p.Object == Any || p.Object == t.Object)
}

type Iterator[T any] interface {
	// Next will return the next available item. If the context is cancelled or times out, it returns the context error.
	Next(ctx context.Context) (T, error)
	// Stop terminates iteration over the underlying iterator.
	Stop()
}

// TripleIterator is an iterator for Triples. It is closed by explicitly calling Stop() or by calling Next() until it
// returns an ErrIteratorDone error.
type TripleIterator = Iterator[*Triple]

type TripleReader interface {
	// Match returns the triples selected by p.
	Match(ctx context.Context, p Pattern) (TripleIterator, error)

	// Count returns the number of triples selected by p.
	Count(ctx context.Context, p Pattern) (uint64, error)
}

type TripleStore interface {
	TripleReader

	// Write stores triples. Writing a triple that is already present
	// replaces its containment.
	Write(ctx context.Context, triples []*Triple) error

	Close()
}

// Validate checks that t only holds dictionary ids.
func Validate(t *Triple) error {
	if t.Subject == Any || t.Property == Any || t.Object == Any {
		return ErrInvalidTriple
	}
	return nil
}

type staticIterator struct {
	triples []*Triple
}

var _ TripleIterator = (*staticIterator)(nil)

// NewStaticTripleIterator returns an iterator over triples.
func NewStaticTripleIterator(triples []*Triple) TripleIterator {
	return &staticIterator{triples: triples}
}

func (s *staticIterator) Next(ctx context.Context) (*Triple, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(s.triples) == 0 {
		return nil, ErrIteratorDone
	}

	t := s.triples[0]
	s.triples = s.triples[1:]
	return t, nil
}

func (s *staticIterator) Stop() {
	s.triples = nil
}

// Collect drains iter.
func Collect(ctx context.Context, iter TripleIterator) ([]*Triple, error) {
	defer iter.Stop()

	var triples []*Triple
	for {
		t, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				return triples, nil
			}
			return nil, err
		}
		triples = append(triples, t)
	}
}

// NormalizeContainment sorts and deduplicates the containment of t.
func NormalizeContainment(t *Triple) {
	slices.Sort(t.Containment)
	t.Containment = slices.Compact(t.Containment)
}
