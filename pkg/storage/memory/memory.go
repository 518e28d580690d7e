package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/koral-rdf/koral/pkg/storage"
)

var tracer = otel.Tracer("koral/pkg/storage/memory")

type key struct {
	subject, property, object uint64
}

// StorageOption defines a function type used for configuring a [MemoryBackend] instance.
type StorageOption func(dataStore *MemoryBackend)

const defaultMaxTriplesPerWrite = 10000

// MemoryBackend provides an ephemeral memory-backed implementation of [storage.TripleStore].
// These instances may be safely shared by multiple go-routines.
type MemoryBackend struct {
	maxTriplesPerWrite int

	mu         sync.RWMutex
	triples    map[key]*storage.Triple
	bySubject  map[uint64][]key
	byProperty map[uint64][]key
	byObject   map[uint64][]key
}

var _ storage.TripleStore = (*MemoryBackend)(nil)

// New creates a new [MemoryBackend] given the options.
func New(opts ...StorageOption) *MemoryBackend {
	ds := &MemoryBackend{
		maxTriplesPerWrite: defaultMaxTriplesPerWrite,
		triples:            make(map[key]*storage.Triple),
		bySubject:          make(map[uint64][]key),
		byProperty:         make(map[uint64][]key),
		byObject:           make(map[uint64][]key),
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// WithMaxTriplesPerWrite returns a [StorageOption] that limits the number of triples of a single write.
func WithMaxTriplesPerWrite(n int) StorageOption {
	return func(ds *MemoryBackend) { ds.maxTriplesPerWrite = n }
}

// Close does not do anything for [MemoryBackend].
func (s *MemoryBackend) Close() {}

// Write see [storage.TripleStore].Write.
func (s *MemoryBackend) Write(ctx context.Context, triples []*storage.Triple) error {
	_, span := tracer.Start(ctx, "memory.Write")
	defer span.End()

	if len(triples) > s.maxTriplesPerWrite {
		return fmt.Errorf("write of %d triples exceeds the limit of %d", len(triples), s.maxTriplesPerWrite)
	}
	for _, t := range triples {
		if err := storage.Validate(t); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range triples {
		stored := &storage.Triple{
			Subject:     t.Subject,
			Property:    t.Property,
			Object:      t.Object,
			Containment: slices.Clone(t.Containment),
		}
		storage.NormalizeContainment(stored)

		k := key{t.Subject, t.Property, t.Object}
		if _, ok := s.triples[k]; !ok {
			s.bySubject[k.subject] = append(s.bySubject[k.subject], k)
			s.byProperty[k.property] = append(s.byProperty[k.property], k)
			s.byObject[k.object] = append(s.byObject[k.object], k)
		}
		s.triples[k] = stored
	}

	return nil
}

// Match see [storage.TripleReader].Match.
func (s *MemoryBackend) Match(ctx context.Context, p storage.Pattern) (storage.TripleIterator, error) {
	_, span := tracer.Start(ctx, "memory.Match")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return storage.NewStaticTripleIterator(s.match(p)), nil
}

// Count see [storage.TripleReader].Count.
func (s *MemoryBackend) Count(ctx context.Context, p storage.Pattern) (uint64, error) {
	_, span := tracer.Start(ctx, "memory.Count")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return uint64(len(s.match(p))), nil
}

// match returns copies of the triples selected by p, ordered by subject,
// property and object.
func (s *MemoryBackend) match(p storage.Pattern) []*storage.Triple {
	var candidates []key
	switch {
	case p.Subject != storage.Any:
		candidates = s.bySubject[p.Subject]
	case p.Object != storage.Any:
		candidates = s.byObject[p.Object]
	case p.Property != storage.Any:
		candidates = s.byProperty[p.Property]
	default:
		candidates = make([]key, 0, len(s.triples))
		for k := range s.triples {
			candidates = append(candidates, k)
		}
	}

	var out []*storage.Triple
	for _, k := range candidates {
		t := s.triples[k]
		if !p.Matches(t) {
			continue
		}
		out = append(out, &storage.Triple{
			Subject:     t.Subject,
			Property:    t.Property,
			Object:      t.Object,
			Containment: slices.Clone(t.Containment),
		})
	}

	slices.SortFunc(out, func(a, b *storage.Triple) int {
		switch {
		case a.Subject != b.Subject:
			return cmpUint(a.Subject, b.Subject)
		case a.Property != b.Property:
			return cmpUint(a.Property, b.Property)
		default:
			return cmpUint(a.Object, b.Object)
		}
	})
	return out
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
