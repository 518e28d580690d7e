package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koral-rdf/koral/pkg/storage"
)

// RunAllTests runs the behaviour every storage.TripleStore shares against ds.
// Each sub test writes triples with its own property ids.
func RunAllTests(t *testing.T, ds storage.TripleStore) {
	t.Run("TestWriteAndMatch", func(t *testing.T) { WriteAndMatchTest(t, ds) })
	t.Run("TestCount", func(t *testing.T) { CountTest(t, ds) })
	t.Run("TestRewriteReplacesContainment", func(t *testing.T) { RewriteTest(t, ds) })
	t.Run("TestInvalidTriple", func(t *testing.T) { InvalidTripleTest(t, ds) })
	t.Run("TestCancelledContext", func(t *testing.T) { CancelledContextTest(t, ds) })
}

func WriteAndMatchTest(t *testing.T, ds storage.TripleStore) {
	ctx := context.Background()
	const knows, likes = 100, 101

	err := ds.Write(ctx, []*storage.Triple{
		{Subject: 1, Property: knows, Object: 2, Containment: []uint16{2, 1}},
		{Subject: 1, Property: knows, Object: 3, Containment: []uint16{1}},
		{Subject: 2, Property: knows, Object: 3, Containment: []uint16{2}},
		{Subject: 1, Property: likes, Object: 3, Containment: []uint16{3}},
	})
	require.NoError(t, err)

	for _, tc := range []struct {
		name     string
		pattern  storage.Pattern
		expected []storage.Triple
	}{
		{
			name:    "bound_property",
			pattern: storage.Pattern{Property: knows},
			expected: []storage.Triple{
				{Subject: 1, Property: knows, Object: 2, Containment: []uint16{1, 2}},
				{Subject: 1, Property: knows, Object: 3, Containment: []uint16{1}},
				{Subject: 2, Property: knows, Object: 3, Containment: []uint16{2}},
			},
		},
		{
			name:    "bound_subject_and_property",
			pattern: storage.Pattern{Subject: 1, Property: knows},
			expected: []storage.Triple{
				{Subject: 1, Property: knows, Object: 2, Containment: []uint16{1, 2}},
				{Subject: 1, Property: knows, Object: 3, Containment: []uint16{1}},
			},
		},
		{
			name:    "bound_object_and_property",
			pattern: storage.Pattern{Property: likes, Object: 3},
			expected: []storage.Triple{
				{Subject: 1, Property: likes, Object: 3, Containment: []uint16{3}},
			},
		},
		{
			name:    "fully_bound",
			pattern: storage.Pattern{Subject: 2, Property: knows, Object: 3},
			expected: []storage.Triple{
				{Subject: 2, Property: knows, Object: 3, Containment: []uint16{2}},
			},
		},
		{
			name:    "no_match",
			pattern: storage.Pattern{Subject: 3, Property: knows},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			iter, err := ds.Match(ctx, tc.pattern)
			require.NoError(t, err)

			triples, err := storage.Collect(ctx, iter)
			require.NoError(t, err)

			got := make([]storage.Triple, 0, len(triples))
			for _, tr := range triples {
				got = append(got, *tr)
			}
			require.ElementsMatch(t, tc.expected, got)
		})
	}
}

func CountTest(t *testing.T, ds storage.TripleStore) {
	ctx := context.Background()
	const property = 200

	err := ds.Write(ctx, []*storage.Triple{
		{Subject: 1, Property: property, Object: 1, Containment: []uint16{1}},
		{Subject: 1, Property: property, Object: 2, Containment: []uint16{1}},
		{Subject: 2, Property: property, Object: 2, Containment: []uint16{1}},
	})
	require.NoError(t, err)

	n, err := ds.Count(ctx, storage.Pattern{Property: property})
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)

	n, err = ds.Count(ctx, storage.Pattern{Property: property, Object: 2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)

	n, err = ds.Count(ctx, storage.Pattern{Property: property, Subject: 9})
	require.NoError(t, err)
	require.Zero(t, n)
}

func RewriteTest(t *testing.T, ds storage.TripleStore) {
	ctx := context.Background()
	const property = 300

	require.NoError(t, ds.Write(ctx, []*storage.Triple{{Subject: 1, Property: property, Object: 1, Containment: []uint16{1}}}))
	require.NoError(t, ds.Write(ctx, []*storage.Triple{{Subject: 1, Property: property, Object: 1, Containment: []uint16{4, 2}}}))

	iter, err := ds.Match(ctx, storage.Pattern{Property: property})
	require.NoError(t, err)
	triples, err := storage.Collect(ctx, iter)
	require.NoError(t, err)
	require.Len(t, triples, 1)
	require.Equal(t, []uint16{2, 4}, triples[0].Containment)
}

func InvalidTripleTest(t *testing.T, ds storage.TripleStore) {
	err := ds.Write(context.Background(), []*storage.Triple{{Subject: 1, Property: storage.Any, Object: 1}})
	require.ErrorIs(t, err, storage.ErrInvalidTriple)
}

func CancelledContextTest(t *testing.T, ds storage.TripleStore) {
	const property = 400
	require.NoError(t, ds.Write(context.Background(), []*storage.Triple{{Subject: 1, Property: property, Object: 1, Containment: []uint16{1}}}))

	ctx, cancel := context.WithCancel(context.Background())
	iter, err := ds.Match(ctx, storage.Pattern{Property: property})
	require.NoError(t, err)
	defer iter.Stop()

	cancel()
	_, err = iter.Next(ctx)
	require.Error(t, err)
}
