package worker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/koral-rdf/koral/internal/cluster"
	"github.com/koral-rdf/koral/internal/joincache"
	"github.com/koral-rdf/koral/internal/messages"
	"github.com/koral-rdf/koral/internal/operator"
	"github.com/koral-rdf/koral/internal/plan"
	"github.com/koral-rdf/koral/internal/registry"
	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/pkg/id"
	"github.com/koral-rdf/koral/pkg/logger"
	"github.com/koral-rdf/koral/pkg/storage"
)

var tracer = otel.Tracer("internal/worker")

var ErrClosed = errors.New("worker manager closed")

// Config of the worker threads of a node.
type Config struct {
	// Threads defaults to one less than the number of CPUs, at least one.
	Threads int
	// UnbalanceThreshold is the fraction of its own load a thread must be
	// ahead of a neighbour by before it migrates tasks.
	UnbalanceThreshold float64
	// EmptyQueueSleep is how long a thread without tasks waits before
	// looking again.
	EmptyQueueSleep     time.Duration
	RecycleCacheSize    int
	MaxMappingsPerRound int
}

func DefaultConfig() Config {
	return Config{
		Threads:             max(1, runtime.NumCPU()-1),
		UnbalanceThreshold:  0.1,
		EmptyQueueSleep:     10 * time.Millisecond,
		RecycleCacheSize:    1024,
		MaxMappingsPerRound: operator.DefaultMaxMappingsPerRound,
	}
}

type ManagerOption func(*Manager)

func WithLogger(l logger.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithStatistics sets the cardinalities used to estimate the load of new
// tasks. Without statistics every task is estimated with zero load.
func WithStatistics(s plan.Statistics) ManagerOption {
	return func(m *Manager) {
		m.stats = s
	}
}

func WithJoinCaches(f joincache.Factory) ManagerOption {
	return func(m *Manager) {
		m.joinCaches = f
	}
}

// Manager owns the threads of a node and places new tasks on them.
type Manager struct {
	cfg        Config
	topology   *cluster.Topology
	registry   *registry.Registry
	outbox     Outbox
	store      storage.TripleReader
	stats      plan.Statistics
	joinCaches joincache.Factory
	logger     logger.Logger

	threads []*Thread
	// placeMu serializes placements so that the tracked estimated loads
	// seen by one placement include the previous one.
	placeMu sync.Mutex

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

func NewManager(cfg Config, topology *cluster.Topology, reg *registry.Registry, outbox Outbox, store storage.TripleReader, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		topology: topology,
		registry: reg,
		outbox:   outbox,
		store:    store,
		logger:   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.cfg.Threads <= 0 {
		m.cfg.Threads = DefaultConfig().Threads
	}
	if m.cfg.EmptyQueueSleep <= 0 {
		m.cfg.EmptyQueueSleep = DefaultConfig().EmptyQueueSleep
	}

	m.threads = make([]*Thread, m.cfg.Threads)
	for i := range m.threads {
		m.threads[i] = newThread(i, m.cfg, reg, outbox, m.logger)
	}
	n := len(m.threads)
	for i, t := range m.threads {
		t.next = m.threads[(i+1)%n]
		t.prev = m.threads[(i-1+n)%n]
	}
	return m
}

// Threads returns the threads in ring order.
func (m *Manager) Threads() []*Thread {
	return m.threads
}

// Start runs every thread until Close.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.running {
		return nil
	}
	m.running = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, t := range m.threads {
		m.wg.Go(func() { t.Run(ctx) })
	}
	m.logger.Info("worker threads started", zap.Int("threads", len(m.threads)))
	return nil
}

// CreateQuery builds the local copies of the tasks of a query and places
// them. The coordinator is told about the outcome either way.
func (m *Manager) CreateQuery(ctx context.Context, msg *messages.QueryCreate) error {
	ctx, span := tracer.Start(ctx, "worker.CreateQuery", trace.WithAttributes(
		attribute.Int64("query_id", int64(msg.Coordinator.Query())),
		attribute.Int("coordinator_node", int(msg.CoordinatorNode)),
	))
	defer span.End()

	start := time.Now()
	tasks, err := m.createQuery(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.ErrorWithContext(ctx, "failed to create query",
			zap.Uint32("query_id", msg.Coordinator.Query()),
			zap.Error(err),
		)
		m.outbox.SendFailed(msg.Coordinator, msg.Coordinator.WithNode(m.topology.Local), err)
		m.outbox.Flush()
		return err
	}

	span.SetAttributes(attribute.Int("tasks", len(tasks)))
	placementDurationHistogram.Observe(float64(time.Since(start).Milliseconds()))

	m.outbox.Send(msg.CoordinatorNode, &messages.QueryCreated{Receiver: msg.Coordinator})
	return nil
}

func (m *Manager) createQuery(ctx context.Context, msg *messages.QueryCreate) ([]task.Task, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	root, err := plan.Unmarshal(msg.Plan)
	if err != nil {
		return nil, err
	}

	var loads map[uint16]int64
	if m.stats != nil {
		loads, err = plan.EstimateLoads(ctx, root, m.stats)
		if err != nil {
			return nil, fmt.Errorf("estimate loads: %w", err)
		}
	}

	tasks, err := operator.Build(root, operator.Env{
		Topology:            m.topology,
		Query:               msg.Coordinator.Query(),
		Coordinator:         msg.Coordinator,
		Store:               m.store,
		Outbox:              m.outbox,
		JoinCaches:          m.joinCaches,
		MaxMappingsPerRound: m.cfg.MaxMappingsPerRound,
		EstimatedLoads:      loads,
		Logger:              m.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := m.registry.RegisterAll(tasks); err != nil {
		for _, t := range tasks {
			t.Close()
		}
		return nil, err
	}

	byTaskID := make(map[uint16]task.Task, len(tasks))
	for _, t := range tasks {
		byTaskID[t.ID().Task()] = t
	}
	var levels [][]task.Task
	for _, level := range plan.ByHeight(root) {
		ts := make([]task.Task, 0, len(level))
		for _, op := range level {
			ts = append(ts, byTaskID[op.TaskID()])
		}
		levels = append(levels, ts)
	}
	m.place(levels)
	return tasks, nil
}

// place assigns the tasks level by level, leaves first. Within a level the
// task with the highest estimated load goes first, each to the thread with
// the lowest estimated load.
func (m *Manager) place(levels [][]task.Task) {
	m.placeMu.Lock()
	defer m.placeMu.Unlock()

	for _, level := range levels {
		level = slices.Clone(level)
		slices.SortStableFunc(level, func(a, b task.Task) int {
			return cmp.Compare(b.EstimatedLoad(), a.EstimatedLoad())
		})
		for _, t := range level {
			m.leastLoaded().Add(t)
		}
	}
}

func (m *Manager) leastLoaded() *Thread {
	return slices.MinFunc(m.threads, func(a, b *Thread) int {
		return cmp.Compare(a.EstimatedLoad(), b.EstimatedLoad())
	})
}

// AddTask registers t and places it on the least loaded thread.
func (m *Manager) AddTask(t task.Task) error {
	if m.isClosed() {
		return ErrClosed
	}
	if err := m.registry.Register(t); err != nil {
		return err
	}
	m.place([][]task.Task{{t}})
	return nil
}

// StartQuery starts every local task of query.
func (m *Manager) StartQuery(query uint32) {
	for _, t := range m.registry.TasksOfQuery(query) {
		if t.State() != task.Created {
			continue
		}
		if err := t.Start(); err != nil {
			m.logger.Error("failed to start task", zap.Stringer("task_id", t.ID()), zap.Error(err))
		}
	}
}

// AbortQuery closes every local task of query. The threads drop them on
// their next sweep.
func (m *Manager) AbortQuery(query uint32) {
	tasks := m.registry.TasksOfQuery(query)
	for _, t := range tasks {
		t.Close()
	}
	if len(tasks) > 0 {
		m.logger.Debug("query aborted", zap.Uint32("query_id", query), zap.Int("tasks", len(tasks)))
	}
}

// Lookup returns the live local task with the given id.
func (m *Manager) Lookup(tid id.TaskID) (task.Task, bool) {
	return m.registry.Lookup(tid)
}

// Clear closes and unregisters every task.
func (m *Manager) Clear() {
	for _, q := range m.registry.Queries() {
		for _, t := range m.registry.TasksOfQuery(q) {
			t.Close()
			m.registry.Unregister(t.ID())
		}
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// Close stops the threads and clears every task.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.Clear()
	m.logger.Info("worker threads stopped")
}
