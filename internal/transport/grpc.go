package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/proto"

	"github.com/koral-rdf/koral/internal/build"
	"github.com/koral-rdf/koral/pkg/logger"
	"github.com/koral-rdf/koral/pkg/middleware/logging"
	"github.com/koral-rdf/koral/pkg/middleware/recovery"
)

// ServiceName is the gRPC service the nodes exchange frames over.
const ServiceName = "koral.transport.v1.Transport"

const (
	streamMethod = "/" + ServiceName + "/Stream"
	codecName    = "koral-frame"
)

var (
	framesSentCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "transport_frames_sent_count",
		Help:      "The total number of frames sent to other nodes.",
	})

	bytesSentCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "transport_bytes_sent_count",
		Help:      "The total number of frame bytes sent to other nodes.",
	})

	framesReceivedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "transport_frames_received_count",
		Help:      "The total number of frames received from other nodes.",
	})
)

// frame is the only message of the transport service. Frames are already
// encoded, so the codec passes them through.
type frame struct {
	data []byte
}

// frameCodec is forced on the whole server, so the messages of the other
// services served next to the transport are protobuf encoded.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *frame:
		return m.data, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("unexpected message type %T", v)
	}
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *frame:
		m.data = slices.Clone(data)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("unexpected message type %T", v)
	}
}

func (frameCodec) Name() string { return codecName }

// streamServer is implemented by GRPC. Each peer opens one client stream
// and sends all its frames over it, which keeps them in order.
type streamServer interface {
	serveStream(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*streamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ClientStreams: true,
		},
	},
	Metadata: "koral/transport/v1/transport.proto",
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(streamServer).serveStream(stream)
}

type GRPCConfig struct {
	Local uint16
	// Addresses maps every node of the cluster to its host:port.
	Addresses map[uint16]string
	// DialTimeout bounds the retries of opening a stream to a peer.
	DialTimeout time.Duration
	// ShutdownTimeout bounds how long Close waits for peers to hang up.
	ShutdownTimeout time.Duration
	// Tracing instruments the server and the clients with OpenTelemetry.
	Tracing bool
	// Health is served next to the transport service when set.
	Health healthv1pb.HealthServer
	Logger logger.Logger
}

// GRPC is a Transport over one gRPC client stream per pair of nodes.
type GRPC struct {
	cfg      GRPCConfig
	handler  Handler
	logger   logger.Logger
	server   *grpc.Server
	loopback *inbox

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	peers  map[uint16]*peer
	closed bool
}

var _ Transport = (*GRPC)(nil)

func NewGRPC(cfg GRPCConfig, h Handler) *GRPC {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &GRPC{
		cfg:      cfg,
		handler:  h,
		logger:   cfg.Logger,
		loopback: newInbox(h),
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[uint16]*peer),
	}

	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(frameCodec{}),
		grpc.ChainUnaryInterceptor(
			grpc_recovery.UnaryServerInterceptor( // panic middleware must be 1st in chain
				grpc_recovery.WithRecoveryHandlerContext(
					recovery.PanicRecoveryHandler(t.logger),
				),
			),
			logging.NewLoggingInterceptor(t.logger),
		),
		grpc.ChainStreamInterceptor(
			grpc_recovery.StreamServerInterceptor( // panic middleware must be 1st in chain
				grpc_recovery.WithRecoveryHandlerContext(
					recovery.PanicRecoveryHandler(t.logger),
				),
			),
			logging.NewStreamingLoggingInterceptor(t.logger),
		),
	}
	if cfg.Tracing {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}
	t.server = grpc.NewServer(serverOpts...)
	t.server.RegisterService(&serviceDesc, t)
	if cfg.Health != nil {
		healthv1pb.RegisterHealthServer(t.server, cfg.Health)
	}
	return t
}

// ListenAndServe listens on the address of the local node and serves until
// Close.
func (t *GRPC) ListenAndServe() error {
	addr, ok := t.cfg.Addresses[t.cfg.Local]
	if !ok {
		return fmt.Errorf("%w: no address for local node %d", ErrUnknownNode, t.cfg.Local)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return t.Serve(lis)
}

func (t *GRPC) Serve(lis net.Listener) error {
	t.logger.Info("transport listening", zap.String("addr", lis.Addr().String()))
	if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (t *GRPC) serveStream(stream grpc.ServerStream) error {
	for {
		var f frame
		if err := stream.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return stream.SendMsg(&frame{})
			}
			return err
		}
		framesReceivedCounter.Inc()
		t.handler.Handle(stream.Context(), f.data)
	}
}

func (t *GRPC) Send(ctx context.Context, node uint16, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if node == t.cfg.Local {
		return t.loopback.push(slices.Clone(data))
	}

	p, err := t.peer(node)
	if err != nil {
		return err
	}
	if err := p.send(ctx, data); err != nil {
		return fmt.Errorf("send to node %d: %w", node, err)
	}
	framesSentCounter.Inc()
	bytesSentCounter.Add(float64(len(data)))
	return nil
}

func (t *GRPC) peer(node uint16) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if p, ok := t.peers[node]; ok {
		return p, nil
	}
	addr, ok := t.cfg.Addresses[node]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, node)
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{})),
	}
	if t.cfg.Tracing {
		dialOpts = append(dialOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	}
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for node %d: %w", node, err)
	}

	p := &peer{
		node:        node,
		conn:        conn,
		ctx:         t.ctx,
		dialTimeout: t.cfg.DialTimeout,
		logger:      t.logger.With(zap.Uint16("peer", node)),
	}
	t.peers[node] = p
	return p, nil
}

// Close hangs up on every peer, then stops the server once the peers hung
// up or the shutdown timeout passed.
func (t *GRPC) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = nil
	t.mu.Unlock()

	var errs []error
	for _, p := range peers {
		errs = append(errs, p.close())
	}
	t.cancel()

	stopped := make(chan struct{})
	go func() {
		t.server.GracefulStop()
		close(stopped)
	}()
	timer := time.NewTimer(t.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		t.server.Stop()
		<-stopped
	}

	t.loopback.close()
	return errors.Join(errs...)
}

type peer struct {
	node        uint16
	conn        *grpc.ClientConn
	ctx         context.Context
	dialTimeout time.Duration
	logger      logger.Logger

	// mu serializes the frames sent to the peer.
	mu     sync.Mutex
	stream grpc.ClientStream
}

func (p *peer) send(ctx context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		if err := p.open(ctx); err != nil {
			return err
		}
	}

	err := p.stream.SendMsg(&frame{data: data})
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		// The stream broke. The actual error is reported by RecvMsg.
		err = p.stream.RecvMsg(&frame{})
	}
	p.stream = nil
	return err
}

// open retries with exponential backoff since peers of a starting cluster
// come up in any order.
func (p *peer) open(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = p.dialTimeout

	return backoff.Retry(func() error {
		stream, err := p.conn.NewStream(p.ctx, &serviceDesc.Streams[0], streamMethod)
		if err != nil {
			p.logger.Debug("failed to open stream, retrying", zap.Error(err))
			return err
		}
		p.stream = stream
		return nil
	}, backoff.WithContext(policy, ctx))
}

func (p *peer) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		if err := p.stream.CloseSend(); err == nil {
			// Wait for the peer to consume what was sent.
			_ = p.stream.RecvMsg(&frame{})
		}
		p.stream = nil
	}
	return p.conn.Close()
}
