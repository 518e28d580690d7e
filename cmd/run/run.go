// Package run contains the command to run a koral node.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/koral-rdf/koral/internal/build"
	"github.com/koral-rdf/koral/internal/cluster"
	"github.com/koral-rdf/koral/internal/transport"
	"github.com/koral-rdf/koral/pkg/logger"
	"github.com/koral-rdf/koral/pkg/middleware/recovery"
	"github.com/koral-rdf/koral/pkg/server"
	serverconfig "github.com/koral-rdf/koral/pkg/server/config"
	"github.com/koral-rdf/koral/pkg/server/health"
	"github.com/koral-rdf/koral/pkg/storage"
	"github.com/koral-rdf/koral/pkg/storage/memory"
	"github.com/koral-rdf/koral/pkg/storage/sqlite"
	"github.com/koral-rdf/koral/pkg/storage/storagewrappers"
	"github.com/koral-rdf/koral/pkg/telemetry"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a koral node",
		Long:  "Run a koral node. The master coordinates the queries, the slaves hold the graph chunks and execute them.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	bindRunFlags(cmd)

	return cmd
}

// ReadConfig returns the node configuration based on the values provided in the 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/koral', '$HOME/.koral', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load node config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level, config.Log.TimestampFormat)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig returns the function that must be called to shut down tracing.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s'", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint))

		options := []telemetry.TracerOption{
			telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(config.Trace.ServiceName),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		}
		if config.Trace.OTLP.Insecure {
			options = append(options, telemetry.WithOTLPInsecure())
		}

		tp := telemetry.MustNewTracerProvider(options...)
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

// datastore holds the graph chunk of a slave and the statistics its load
// estimates are based on.
type datastore struct {
	store storage.TripleReader
	stats *storage.CachedStatistics
	close func()
}

func (s *ServerContext) datastoreConfig(config *serverconfig.Config) (*datastore, error) {
	ds := &datastore{close: func() {}}

	switch config.Datastore.Engine {
	case serverconfig.DatastoreEngineMemory:
		store := memory.New()
		ds.store, ds.close = store, store.Close
	case serverconfig.DatastoreEngineSQLite:
		opts := []sqlite.DatastoreOption{
			sqlite.WithLogger(s.Logger),
			sqlite.WithMaxOpenConns(config.Datastore.MaxOpenConns),
		}
		if config.Metrics.Enabled {
			opts = append(opts, sqlite.WithMetrics())
		}
		store, err := sqlite.New(config.Datastore.URI, opts...)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite datastore: %w", err)
		}
		ds.store, ds.close = store, store.Close
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", config.Datastore.Engine)
	}

	if n := config.Datastore.MaxConcurrentReads; n > 0 {
		ds.store = storagewrappers.NewBoundedConcurrencyTripleReader(ds.store, n)
	}

	if config.Statistics.Enabled {
		stats, err := storage.NewCachedStatistics(ds.store, config.Statistics.CacheSize, config.Statistics.TTL)
		if err != nil {
			ds.close()
			return nil, err
		}
		closeStore := ds.close
		ds.stats = stats
		ds.close = func() {
			stats.Close()
			closeStore()
		}
	}

	s.Logger.Info(fmt.Sprintf("using '%v' storage engine", config.Datastore.Engine))

	return ds, nil
}

func (s *ServerContext) runMetricsServer(ctx context.Context, g *errgroup.Group, config *serverconfig.Config) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(promhttp.Handler(), "metrics"))

	metricsServer := &http.Server{
		Addr:              config.Metrics.Addr,
		Handler:           recovery.HTTPPanicRecoveryHandler(mux, s.Logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", config.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start prometheus metrics server: %w", err)
		}
		s.Logger.Info("metrics server shut down.")
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
		return nil
	})
}

func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)

	topology, err := cluster.New(config.Node.ID, config.Node.Master, config.Node.Slaves)
	if err != nil {
		return err
	}

	// The checker reports the node as serving once svr is started.
	healthChecker := &health.Checker{TargetServiceName: transport.ServiceName}

	deps := &server.Dependencies{
		Topology: topology,
		Logger:   s.Logger,
		Transport: server.GRPCTransport(transport.GRPCConfig{
			Addresses:   config.AddressMap(),
			DialTimeout: config.Transport.DialTimeout,
			Tracing:     config.Trace.Enabled,
			Health:      healthChecker,
			Logger:      s.Logger,
		}),
	}

	// The master only coordinates, the graph lives on the slaves.
	if !topology.IsMaster() {
		ds, err := s.datastoreConfig(config)
		if err != nil {
			return err
		}
		defer ds.close()

		deps.Store = ds.store
		if ds.stats != nil {
			deps.Statistics = ds.stats
		}
	}

	svr, err := server.New(deps, &server.Config{
		Worker:       config.WorkerConfig(),
		BatchSize:    config.Transport.BatchSize,
		SendPoolSize: config.Transport.SendPoolSize,
		QueryTimeout: config.QueryTimeout,
	})
	if err != nil {
		return err
	}
	healthChecker.TargetService = svr

	s.Logger.Info(
		"starting koral node...",
		zap.Uint16("node", config.Node.ID),
		zap.Bool("master", topology.IsMaster()),
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.Any("config", config),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.Run(gctx)
	})
	if config.Metrics.Enabled {
		s.runMetricsServer(gctx, g, config)
	}

	err = g.Wait()
	s.Logger.Info("attempting to shutdown gracefully...")

	if err := tracerProviderCloser(); err != nil {
		s.Logger.Error("failed to shutdown tracing", zap.Error(err))
	}

	if err != nil {
		return err
	}

	s.Logger.Info("node exited. goodbye 👋")

	return nil
}
