package mocks

import (
	"context"
	"time"

	"github.com/koral-rdf/koral/pkg/storage"
)

// slowTripleReader is a proxy to the actual reader except the reads are slowed down by readDelay.
type slowTripleReader struct {
	readDelay time.Duration
	reader    storage.TripleReader
}

// NewMockSlowTripleReader returns a wrapper of a triple reader that adds artificial delays into its reads.
func NewMockSlowTripleReader(reader storage.TripleReader, readDelay time.Duration) storage.TripleReader {
	return &slowTripleReader{
		readDelay: readDelay,
		reader:    reader,
	}
}

func (m *slowTripleReader) Match(ctx context.Context, p storage.Pattern) (storage.TripleIterator, error) {
	time.Sleep(m.readDelay)
	return m.reader.Match(ctx, p)
}

func (m *slowTripleReader) Count(ctx context.Context, p storage.Pattern) (uint64, error) {
	time.Sleep(m.readDelay)
	return m.reader.Count(ctx, p)
}
