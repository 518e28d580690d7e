// Package dispatch connects the tasks of a node to the tasks of the other
// nodes. The Sender buffers what local tasks emit and the Receiver hands
// inbound frames to the local tasks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/koral-rdf/koral/internal/build"
	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/messages"
	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/internal/transport"
	"github.com/koral-rdf/koral/pkg/id"
	"github.com/koral-rdf/koral/pkg/logger"
)

const (
	DefaultBatchSize    = 100
	DefaultSendPoolSize = 4
)

var (
	mappingsSentCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "dispatch_mappings_sent_count",
		Help:      "The total number of mappings sent to tasks on other nodes.",
	})

	batchSizeHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "dispatch_batch_size",
		Help:      "The number of mappings per batch sent to another node.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	sendErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "dispatch_send_errors_count",
		Help:      "The total number of frames that could not be sent.",
	})

	droppedMessagesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "dispatch_dropped_messages_count",
		Help:      "The total number of messages dropped because their receiver is gone.",
	}, []string{"type"})
)

// Lookup finds the live local tasks.
type Lookup interface {
	Lookup(tid id.TaskID) (task.Task, bool)
}

type SenderConfig struct {
	Local uint16
	// BatchSize is the number of mappings for one node buffered before they
	// are sent without waiting for Flush.
	BatchSize int
	// SendPoolSize is the number of goroutines flushing to different nodes
	// in parallel.
	SendPoolSize int
	Logger       logger.Logger
}

type batchKey struct {
	receiver id.TaskID
	child    int
}

// nodeBuffer holds the mappings not yet sent to one node. Its lock is held
// while frames go out so that the frames to a node keep their order.
type nodeBuffer struct {
	node uint16

	mu      sync.Mutex
	order   []batchKey
	batches map[batchKey]*messages.QueryMappingBatch
	size    int
}

// Sender is the outbox of the tasks of a node.
type Sender struct {
	local     uint16
	batchSize int
	transport transport.Transport
	tasks     Lookup
	pool      *ants.Pool
	logger    logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	nodes map[uint16]*nodeBuffer
}

func NewSender(cfg SenderConfig, t transport.Transport, tasks Lookup) (*Sender, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SendPoolSize <= 0 {
		cfg.SendPoolSize = DefaultSendPoolSize
	}

	s := &Sender{
		local:     cfg.Local,
		batchSize: cfg.BatchSize,
		transport: t,
		tasks:     tasks,
		logger:    cfg.Logger,
		nodes:     make(map[uint16]*nodeBuffer),
	}

	pool, err := ants.NewPool(cfg.SendPoolSize, ants.WithPanicHandler(func(v any) {
		s.logger.Error("panic while flushing", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, err
	}
	s.pool = pool
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Sender) buffer(node uint16) *nodeBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.nodes[node]
	if !ok {
		b = &nodeBuffer{node: node, batches: make(map[batchKey]*messages.QueryMappingBatch)}
		s.nodes[node] = b
	}
	return b
}

// SendMapping enqueues m directly if receiver is local. Otherwise m is
// serialized, released into cache and buffered.
func (s *Sender) SendMapping(receiver id.TaskID, child int, m *mapping.Mapping, cache *mapping.RecycleCache) {
	if receiver.Node() == s.local {
		t, ok := s.tasks.Lookup(receiver)
		if !ok {
			s.drop(messages.TypeQueryMappingBatch, receiver)
			cache.Release(m)
			return
		}
		t.EnqueueMappings(child, m)
		return
	}

	data := m.Marshal()
	cache.Release(m)

	b := s.buffer(receiver.Node())
	b.mu.Lock()
	defer b.mu.Unlock()

	key := batchKey{receiver: receiver, child: child}
	batch, ok := b.batches[key]
	if !ok {
		batch = &messages.QueryMappingBatch{Receiver: receiver, Child: uint32(child)}
		b.batches[key] = batch
		b.order = append(b.order, key)
	}
	batch.Mappings = append(batch.Mappings, data)
	b.size++
	if b.size >= s.batchSize {
		s.flushLocked(b)
	}
}

func (s *Sender) SendFinished(receiver id.TaskID) {
	if receiver.Node() == s.local {
		t, ok := s.tasks.Lookup(receiver)
		if !ok {
			s.drop(messages.TypeQueryTaskFinished, receiver)
			return
		}
		t.EnqueueFinished(s.local)
		return
	}
	s.Send(receiver.Node(), &messages.QueryTaskFinished{Receiver: receiver})
}

func (s *Sender) SendFailed(receiver id.TaskID, tid id.TaskID, cause error) {
	s.Send(receiver.Node(), &messages.QueryTaskFailed{
		Receiver: receiver,
		Task:     tid,
		Cause:    describe(cause),
	})
}

// describe renders the type of the innermost error err wraps together with
// the message of err.
func describe(err error) string {
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return fmt.Sprintf("%T: %v", inner, err)
}

// Send delivers a control message to node after the mappings buffered for
// it.
func (s *Sender) Send(node uint16, msg messages.Message) {
	b := s.buffer(node)
	b.mu.Lock()
	defer b.mu.Unlock()

	s.flushLocked(b)
	s.send(node, msg)
}

// Flush sends the mappings buffered for every node, in parallel when more
// than one node is waiting.
func (s *Sender) Flush() {
	s.mu.Lock()
	var pending []*nodeBuffer
	for _, b := range s.nodes {
		b.mu.Lock()
		if b.size > 0 {
			pending = append(pending, b)
		}
		b.mu.Unlock()
	}
	s.mu.Unlock()

	if len(pending) == 1 {
		s.flush(pending[0])
		return
	}

	var wg sync.WaitGroup
	for _, b := range pending {
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			s.flush(b)
		})
		if err != nil {
			wg.Done()
			s.flush(b)
		}
	}
	wg.Wait()
}

func (s *Sender) flush(b *nodeBuffer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s.flushLocked(b)
}

func (s *Sender) flushLocked(b *nodeBuffer) {
	if b.size == 0 {
		return
	}
	for _, key := range b.order {
		batch := b.batches[key]
		batchSizeHistogram.Observe(float64(len(batch.Mappings)))
		mappingsSentCounter.Add(float64(len(batch.Mappings)))
		s.send(b.node, batch)
	}
	b.order = b.order[:0]
	clear(b.batches)
	b.size = 0
}

func (s *Sender) send(node uint16, msg messages.Message) {
	if err := s.transport.Send(s.ctx, node, messages.Encode(s.local, msg)); err != nil {
		sendErrorsCounter.Inc()
		s.logger.Error("failed to send message",
			zap.Uint16("node", node),
			zap.Stringer("type", msg.Type()),
			zap.Error(err),
		)
	}
}

func (s *Sender) drop(typ messages.Type, receiver id.TaskID) {
	droppedMessagesCounter.WithLabelValues(typ.String()).Inc()
	s.logger.Debug("receiver gone, message dropped",
		zap.Stringer("type", typ),
		zap.Stringer("receiver", receiver),
	)
}

// Close flushes what is buffered and stops the flush pool.
func (s *Sender) Close() {
	s.Flush()
	s.cancel()
	if err := s.pool.ReleaseTimeout(3 * time.Second); err != nil {
		s.logger.Warn("flush pool did not stop in time", zap.Error(err))
	}
}
