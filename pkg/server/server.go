// Package server wires the parts of a node: its transport, the dispatch of
// inbound and outbound messages and the worker threads.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/koral-rdf/koral/internal/cluster"
	"github.com/koral-rdf/koral/internal/coordinator"
	"github.com/koral-rdf/koral/internal/dispatch"
	"github.com/koral-rdf/koral/internal/plan"
	"github.com/koral-rdf/koral/internal/registry"
	"github.com/koral-rdf/koral/internal/transport"
	"github.com/koral-rdf/koral/internal/worker"
	"github.com/koral-rdf/koral/pkg/logger"
	"github.com/koral-rdf/koral/pkg/storage"
	"github.com/koral-rdf/koral/pkg/telemetry"
)

var tracer = otel.Tracer("koral/pkg/server")

var ErrNotMaster = errors.New("queries can only be executed on the master node")

// TransportFactory creates the transport of node local. Inbound frames
// must be handed to h.
type TransportFactory func(local uint16, h transport.Handler) (transport.Transport, error)

// LocalTransport attaches the node to an in-process network.
func LocalTransport(network *transport.Network) TransportFactory {
	return func(local uint16, h transport.Handler) (transport.Transport, error) {
		return network.Join(local, h)
	}
}

// GRPCTransport connects the node to its peers over gRPC.
func GRPCTransport(cfg transport.GRPCConfig) TransportFactory {
	return func(local uint16, h transport.Handler) (transport.Transport, error) {
		cfg.Local = local
		return transport.NewGRPC(cfg, h), nil
	}
}

type listener interface {
	ListenAndServe() error
}

type Dependencies struct {
	Topology *cluster.Topology
	// Store holds the graph chunk of the node. The master needs none.
	Store storage.TripleReader
	// Statistics estimate the load of new tasks. Optional.
	Statistics plan.Statistics
	Transport  TransportFactory
	Logger     logger.Logger
}

type Config struct {
	Worker       worker.Config
	BatchSize    int
	SendPoolSize int
	// QueryTimeout bounds Execute. Zero means no bound besides the context.
	QueryTimeout time.Duration
}

// A Server is one node of a cluster.
type Server struct {
	logger   logger.Logger
	topology *cluster.Topology
	config   *Config

	registry  *registry.Registry
	transport transport.Transport
	sender    *dispatch.Sender
	receiver  *dispatch.Receiver
	manager   *worker.Manager

	// ready is closed once the server is built. Frames that arrive
	// earlier wait for it.
	ready chan struct{}

	queryIDs  atomic.Uint32
	started   atomic.Bool
	wg        conc.WaitGroup
	serveErr  chan error
	closeOnce sync.Once
}

var _ transport.Handler = (*Server)(nil)

// New builds a node. It does not start it.
func New(dependencies *Dependencies, config *Config) (*Server, error) {
	if dependencies.Topology == nil {
		return nil, errors.New("server needs a cluster topology")
	}
	if dependencies.Transport == nil {
		return nil, errors.New("server needs a transport")
	}
	if !dependencies.Topology.IsMaster() && dependencies.Store == nil {
		return nil, fmt.Errorf("slave %d needs a triple store", dependencies.Topology.Local)
	}

	l := dependencies.Logger
	if l == nil {
		l = logger.NewNoopLogger()
	}
	s := &Server{
		logger:   l.With(zap.Uint16("node", dependencies.Topology.Local)),
		topology: dependencies.Topology,
		config:   config,
		registry: registry.New(),
		ready:    make(chan struct{}),
		serveErr: make(chan error, 1),
	}

	var err error
	s.transport, err = dependencies.Transport(s.topology.Local, s)
	if err != nil {
		close(s.ready)
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	s.sender, err = dispatch.NewSender(dispatch.SenderConfig{
		Local:        s.topology.Local,
		BatchSize:    config.BatchSize,
		SendPoolSize: config.SendPoolSize,
		Logger:       s.logger,
	}, s.transport, s.registry)
	if err != nil {
		close(s.ready)
		_ = s.transport.Close()
		return nil, err
	}

	opts := []worker.ManagerOption{worker.WithLogger(s.logger)}
	if dependencies.Statistics != nil {
		opts = append(opts, worker.WithStatistics(dependencies.Statistics))
	}
	s.manager = worker.NewManager(config.Worker, s.topology, s.registry, s.sender, dependencies.Store, opts...)
	s.receiver = dispatch.NewReceiver(s.manager, s.registry, s.logger)
	close(s.ready)
	return s, nil
}

// Handle receives the frames the transport delivers.
func (s *Server) Handle(ctx context.Context, frame []byte) {
	<-s.ready
	if s.receiver == nil {
		return
	}
	s.receiver.Handle(ctx, frame)
}

// Start runs the worker threads and, for network transports, serves the
// peers.
func (s *Server) Start(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		return err
	}
	if l, ok := s.transport.(listener); ok {
		s.wg.Go(func() {
			if err := l.ListenAndServe(); err != nil {
				s.logger.Error("transport stopped serving", zap.Error(err))
				s.serveErr <- err
			}
		})
	}
	s.started.Store(true)
	s.logger.Info("node started",
		zap.Bool("master", s.topology.IsMaster()),
		zap.Uint16s("slaves", s.topology.Slaves),
	)
	return nil
}

// IsReady reports whether the node is started and not yet closed.
func (s *Server) IsReady(context.Context) (bool, error) {
	return s.started.Load(), nil
}

// Run starts the node and stops it once ctx is done or the transport
// fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-s.serveErr:
	}
	s.Close()
	return err
}

// Execute runs root on the cluster and returns its results. The query is
// aborted on every node when ctx ends first.
func (s *Server) Execute(ctx context.Context, root plan.Operator) (*coordinator.Result, error) {
	if !s.topology.IsMaster() {
		return nil, ErrNotMaster
	}

	query := s.queryIDs.Add(1)
	ctx, span := tracer.Start(ctx, "server.Execute", trace.WithAttributes(
		attribute.Int64("query_id", int64(query)),
	))
	defer span.End()

	if s.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.QueryTimeout)
		defer cancel()
	}

	c, err := coordinator.New(ctx, coordinator.Config{
		Topology: s.topology,
		Query:    query,
		Plan:     root,
		Sender:   s.sender,
		Logger:   s.logger,
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	if err := s.manager.AddTask(c); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	res, err := c.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		// The threads may be stopped, so the coordinator is aborted here
		// rather than on its next tick.
		c.Close()
		err = fmt.Errorf("%w: %w", coordinator.ErrAborted, ctx.Err())
	}
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("rows", len(res.Rows)))
	s.logger.DebugWithContext(ctx, "query executed",
		zap.Uint32("query_id", query),
		zap.Int("rows", len(res.Rows)),
	)
	return res, nil
}

// Close stops the threads, aborts the running queries and closes the
// transport.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.started.Store(false)
		s.manager.Close()
		s.sender.Close()
		if err := s.transport.Close(); err != nil {
			s.logger.Warn("failed to close transport", zap.Error(err))
		}
		s.wg.Wait()
		s.logger.Info("node stopped")
	})
}
