// Package config contains all knobs and defaults used to configure a node.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/koral-rdf/koral/internal/dispatch"
	"github.com/koral-rdf/koral/internal/operator"
	"github.com/koral-rdf/koral/internal/worker"
)

const (
	TransportEngineGRPC = "grpc"

	DatastoreEngineMemory = "memory"
	DatastoreEngineSQLite = "sqlite"
)

// NodeConfig places the node in its cluster. Node ids index Addresses.
type NodeConfig struct {
	ID        uint16
	Master    uint16
	Slaves    []uint16
	Addresses []string
}

// WorkerConfig mirrors worker.Config.
type WorkerConfig struct {
	// Threads defaults to one less than the number of CPUs when zero.
	Threads             int
	UnbalanceThreshold  float64
	MaxMappingsPerRound int
	EmptyQueueSleep     time.Duration
	RecycleCacheSize    int
}

type TransportConfig struct {
	Engine       string
	BatchSize    int
	SendPoolSize int
	DialTimeout  time.Duration
}

type DatastoreConfig struct {
	// Engine is the triple store of the node's graph chunk: memory or
	// sqlite.
	Engine string
	URI    string
	// MaxOpenConns is the maximum number of open connections to the
	// database.
	MaxOpenConns int
	// MaxConcurrentReads bounds the concurrent Match and Count calls. Zero
	// means unbounded.
	MaxConcurrentReads uint32
}

// StatisticsConfig configures the cache of pattern cardinalities used to
// estimate the load of new tasks.
type StatisticsConfig struct {
	Enabled   bool
	CacheSize int64
	TTL       time.Duration
}

// LogConfig defines node configurations for log output.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string

	// Format of the timestamp in the log output (e.g. 'Unix'(default) or 'ISO8601')
	TimestampFormat string
}

type OTLPConfig struct {
	Endpoint string
	Insecure bool
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

// MetricConfig defines configurations for serving custom metrics from the node.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

type Config struct {
	Node       NodeConfig
	Worker     WorkerConfig
	Transport  TransportConfig
	Datastore  DatastoreConfig
	Statistics StatisticsConfig
	Log        LogConfig
	Trace      TraceConfig
	Metrics    MetricConfig

	// QueryTimeout bounds the execution of a query on the master.
	QueryTimeout time.Duration
}

// DefaultConfig is the configuration of the master of a cluster with one
// slave, both on localhost.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:        0,
			Master:    0,
			Slaves:    []uint16{1},
			Addresses: []string{"127.0.0.1:4710", "127.0.0.1:4711"},
		},
		Worker: WorkerConfig{
			UnbalanceThreshold:  0.1,
			MaxMappingsPerRound: operator.DefaultMaxMappingsPerRound,
			EmptyQueueSleep:     10 * time.Millisecond,
			RecycleCacheSize:    1024,
		},
		Transport: TransportConfig{
			Engine:       TransportEngineGRPC,
			BatchSize:    dispatch.DefaultBatchSize,
			SendPoolSize: dispatch.DefaultSendPoolSize,
			DialTimeout:  10 * time.Second,
		},
		Datastore: DatastoreConfig{
			Engine:             DatastoreEngineMemory,
			MaxOpenConns:       4,
			MaxConcurrentReads: 32,
		},
		Statistics: StatisticsConfig{
			Enabled:   true,
			CacheSize: 10000,
			TTL:       time.Minute,
		},
		Log: LogConfig{
			Format:          "text",
			Level:           "info",
			TimestampFormat: "Unix",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPConfig{
				Endpoint: "0.0.0.0:4317",
				Insecure: true,
			},
			SampleRatio: 0.2,
			ServiceName: "koral",
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
		QueryTimeout: time.Minute,
	}
}

// WorkerConfig converts the worker settings.
func (cfg *Config) WorkerConfig() worker.Config {
	return worker.Config{
		Threads:             cfg.Worker.Threads,
		UnbalanceThreshold:  cfg.Worker.UnbalanceThreshold,
		EmptyQueueSleep:     cfg.Worker.EmptyQueueSleep,
		RecycleCacheSize:    cfg.Worker.RecycleCacheSize,
		MaxMappingsPerRound: cfg.Worker.MaxMappingsPerRound,
	}
}

// AddressMap maps the node ids to their addresses.
func (cfg *Config) AddressMap() map[uint16]string {
	addrs := make(map[uint16]string, len(cfg.Node.Addresses))
	for i, addr := range cfg.Node.Addresses {
		addrs[uint16(i)] = addr
	}
	return addrs
}

func (cfg *Config) Verify() error {
	if len(cfg.Node.Slaves) == 0 {
		return errors.New("config 'node.slaves' cannot be empty")
	}
	nodes := append([]uint16{cfg.Node.Master}, cfg.Node.Slaves...)
	if cfg.Node.ID != cfg.Node.Master && !slices.Contains(cfg.Node.Slaves, cfg.Node.ID) {
		return fmt.Errorf("node %d is neither the master nor one of the slaves", cfg.Node.ID)
	}
	if slices.Contains(cfg.Node.Slaves, cfg.Node.Master) {
		return fmt.Errorf("master %d cannot be a slave", cfg.Node.Master)
	}
	if cfg.Transport.Engine != TransportEngineGRPC {
		return fmt.Errorf("transport engine '%s' is not supported", cfg.Transport.Engine)
	}
	for _, node := range nodes {
		if int(node) >= len(cfg.Node.Addresses) || cfg.Node.Addresses[node] == "" {
			return fmt.Errorf("config 'node.addresses' has no address for node %d", node)
		}
	}

	if cfg.Worker.Threads < 0 {
		return errors.New("config 'worker.threads' cannot be negative")
	}
	if cfg.Worker.UnbalanceThreshold < 0 || cfg.Worker.UnbalanceThreshold > 1 {
		return fmt.Errorf("config 'worker.unbalanceThreshold' must be in [0, 1], got %v", cfg.Worker.UnbalanceThreshold)
	}
	if cfg.Worker.MaxMappingsPerRound <= 0 {
		return errors.New("config 'worker.maxMappingsPerRound' must be positive")
	}
	if cfg.Transport.BatchSize <= 0 {
		return errors.New("config 'transport.batchSize' must be positive")
	}

	switch cfg.Datastore.Engine {
	case DatastoreEngineMemory:
	case DatastoreEngineSQLite:
		if cfg.Datastore.URI == "" {
			return errors.New("config 'datastore.uri' is required for the sqlite engine")
		}
	default:
		return fmt.Errorf("datastore engine '%s' is not supported", cfg.Datastore.Engine)
	}

	if cfg.Statistics.Enabled && cfg.Statistics.CacheSize <= 0 {
		return errors.New("config 'statistics.cacheSize' must be positive")
	}
	if cfg.Trace.Enabled && (cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1) {
		return fmt.Errorf("config 'trace.sampleRatio' must be in [0, 1], got %v", cfg.Trace.SampleRatio)
	}
	if cfg.QueryTimeout < 0 {
		return errors.New("config 'queryTimeout' cannot be negative")
	}
	return nil
}
