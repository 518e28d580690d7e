// Package storagewrappers contains decorators of the triple stores.
package storagewrappers

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/koral-rdf/koral/internal/build"
	"github.com/koral-rdf/koral/pkg/storage"
)

var _ storage.TripleReader = (*BoundedConcurrencyTripleReader)(nil)

var timeWaitingHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: build.ProjectName,
	Name:      "datastore_time_waiting_for_read_queries_ms",
	Help:      "Time (in ms) spent waiting for Match and Count calls to the datastore.",
	Buckets:   []float64{1, 10, 25, 50, 100, 1000, 5000}, // milliseconds
})

type BoundedConcurrencyTripleReader struct {
	storage.TripleReader
	limiter chan struct{}
}

// NewBoundedConcurrencyTripleReader returns a wrapper over a triple reader that makes sure that there are, at most,
// n concurrent calls to Match and Count. The worker threads then share the database connections instead of
// one of them hoarding all of them.
func NewBoundedConcurrencyTripleReader(wrapped storage.TripleReader, n uint32) *BoundedConcurrencyTripleReader {
	return &BoundedConcurrencyTripleReader{
		TripleReader: wrapped,
		limiter:      make(chan struct{}, n),
	}
}

// Match see [storage.TripleReader].Match.
func (b *BoundedConcurrencyTripleReader) Match(ctx context.Context, p storage.Pattern) (storage.TripleIterator, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	return b.TripleReader.Match(ctx, p)
}

// Count see [storage.TripleReader].Count.
func (b *BoundedConcurrencyTripleReader) Count(ctx context.Context, p storage.Pattern) (uint64, error) {
	if err := b.acquire(ctx); err != nil {
		return 0, err
	}
	defer b.release()

	return b.TripleReader.Count(ctx, p)
}

func (b *BoundedConcurrencyTripleReader) acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case b.limiter <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	timeWaiting := time.Since(start).Milliseconds()
	timeWaitingHistogram.Observe(float64(timeWaiting))
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int64("time_waiting", timeWaiting))
	return nil
}

func (b *BoundedConcurrencyTripleReader) release() {
	<-b.limiter
}
