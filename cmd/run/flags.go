package run

import (
	"github.com/spf13/cobra"

	"github.com/koral-rdf/koral/cmd/util"
	serverconfig "github.com/koral-rdf/koral/pkg/server/config"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := serverconfig.DefaultConfig()
	flags := command.Flags()

	flags.Uint16("node-id", defaultConfig.Node.ID, "the id of this node in the cluster")
	util.MustBindPFlag("node.id", flags.Lookup("node-id"))
	util.MustBindEnv("node.id", "KORAL_NODE_ID")

	flags.Uint16("node-master", defaultConfig.Node.Master, "the id of the master node")
	util.MustBindPFlag("node.master", flags.Lookup("node-master"))
	util.MustBindEnv("node.master", "KORAL_NODE_MASTER")

	flags.IntSlice("node-slaves", toInts(defaultConfig.Node.Slaves), "the ids of the slave nodes holding the graph chunks")
	util.MustBindPFlag("node.slaves", flags.Lookup("node-slaves"))
	util.MustBindEnv("node.slaves", "KORAL_NODE_SLAVES")

	flags.StringSlice("node-addresses", defaultConfig.Node.Addresses, "the host:port addresses of the nodes, indexed by node id")
	util.MustBindPFlag("node.addresses", flags.Lookup("node-addresses"))
	util.MustBindEnv("node.addresses", "KORAL_NODE_ADDRESSES")

	flags.Int("worker-threads", defaultConfig.Worker.Threads, "the number of worker threads (0 uses one less than the number of CPUs)")
	util.MustBindPFlag("worker.threads", flags.Lookup("worker-threads"))
	util.MustBindEnv("worker.threads", "KORAL_WORKER_THREADS")

	flags.Float64("worker-unbalance-threshold", defaultConfig.Worker.UnbalanceThreshold, "the relative difference of load between two threads above which tasks are moved")
	util.MustBindPFlag("worker.unbalanceThreshold", flags.Lookup("worker-unbalance-threshold"))
	util.MustBindEnv("worker.unbalanceThreshold", "KORAL_WORKER_UNBALANCE_THRESHOLD")

	flags.Int("worker-max-mappings-per-round", defaultConfig.Worker.MaxMappingsPerRound, "the maximum number of mappings a task consumes in one execution step")
	util.MustBindPFlag("worker.maxMappingsPerRound", flags.Lookup("worker-max-mappings-per-round"))
	util.MustBindEnv("worker.maxMappingsPerRound", "KORAL_WORKER_MAX_MAPPINGS_PER_ROUND")

	flags.Duration("worker-empty-queue-sleep", defaultConfig.Worker.EmptyQueueSleep, "how long an idle worker thread sleeps")
	util.MustBindPFlag("worker.emptyQueueSleep", flags.Lookup("worker-empty-queue-sleep"))
	util.MustBindEnv("worker.emptyQueueSleep", "KORAL_WORKER_EMPTY_QUEUE_SLEEP")

	flags.Int("worker-recycle-cache-size", defaultConfig.Worker.RecycleCacheSize, "the number of released mappings each worker thread keeps for reuse")
	util.MustBindPFlag("worker.recycleCacheSize", flags.Lookup("worker-recycle-cache-size"))
	util.MustBindEnv("worker.recycleCacheSize", "KORAL_WORKER_RECYCLE_CACHE_SIZE")

	flags.String("transport-engine", defaultConfig.Transport.Engine, "the transport used between nodes. Allowed values: 'grpc'")
	util.MustBindPFlag("transport.engine", flags.Lookup("transport-engine"))
	util.MustBindEnv("transport.engine", "KORAL_TRANSPORT_ENGINE")

	flags.Int("transport-batch-size", defaultConfig.Transport.BatchSize, "the number of mappings sent to a node in one message")
	util.MustBindPFlag("transport.batchSize", flags.Lookup("transport-batch-size"))
	util.MustBindEnv("transport.batchSize", "KORAL_TRANSPORT_BATCH_SIZE")

	flags.Int("transport-send-pool-size", defaultConfig.Transport.SendPoolSize, "the number of goroutines flushing buffered mappings to other nodes")
	util.MustBindPFlag("transport.sendPoolSize", flags.Lookup("transport-send-pool-size"))
	util.MustBindEnv("transport.sendPoolSize", "KORAL_TRANSPORT_SEND_POOL_SIZE")

	flags.Duration("transport-dial-timeout", defaultConfig.Transport.DialTimeout, "how long a node keeps trying to reach a peer")
	util.MustBindPFlag("transport.dialTimeout", flags.Lookup("transport-dial-timeout"))
	util.MustBindEnv("transport.dialTimeout", "KORAL_TRANSPORT_DIAL_TIMEOUT")

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine holding the graph chunk of a slave. Allowed values: 'memory', 'sqlite'")
	util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
	util.MustBindEnv("datastore.engine", "KORAL_DATASTORE_ENGINE")

	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
	util.MustBindEnv("datastore.uri", "KORAL_DATASTORE_URI")

	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	util.MustBindPFlag("datastore.maxOpenConns", flags.Lookup("datastore-max-open-conns"))
	util.MustBindEnv("datastore.maxOpenConns", "KORAL_DATASTORE_MAX_OPEN_CONNS")

	flags.Uint32("datastore-max-concurrent-reads", defaultConfig.Datastore.MaxConcurrentReads, "the maximum number of concurrent Match and Count calls to the datastore (0 means unbounded)")
	util.MustBindPFlag("datastore.maxConcurrentReads", flags.Lookup("datastore-max-concurrent-reads"))
	util.MustBindEnv("datastore.maxConcurrentReads", "KORAL_DATASTORE_MAX_CONCURRENT_READS")

	flags.Bool("statistics-enabled", defaultConfig.Statistics.Enabled, "enable/disable caching the triple cardinalities used to estimate task loads")
	util.MustBindPFlag("statistics.enabled", flags.Lookup("statistics-enabled"))
	util.MustBindEnv("statistics.enabled", "KORAL_STATISTICS_ENABLED")

	flags.Int64("statistics-cache-size", defaultConfig.Statistics.CacheSize, "the number of cached triple cardinalities")
	util.MustBindPFlag("statistics.cacheSize", flags.Lookup("statistics-cache-size"))
	util.MustBindEnv("statistics.cacheSize", "KORAL_STATISTICS_CACHE_SIZE")

	flags.Duration("statistics-ttl", defaultConfig.Statistics.TTL, "how long a triple cardinality stays cached")
	util.MustBindPFlag("statistics.ttl", flags.Lookup("statistics-ttl"))
	util.MustBindEnv("statistics.ttl", "KORAL_STATISTICS_TTL")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "KORAL_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "KORAL_LOG_LEVEL")

	flags.String("log-timestamp-format", defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")
	util.MustBindPFlag("log.timestampFormat", flags.Lookup("log-timestamp-format"))
	util.MustBindEnv("log.timestampFormat", "KORAL_LOG_TIMESTAMP_FORMAT")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "KORAL_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "KORAL_TRACE_OTLP_ENDPOINT")

	flags.Bool("trace-otlp-insecure", defaultConfig.Trace.OTLP.Insecure, "connect to the trace collector without TLS")
	util.MustBindPFlag("trace.otlp.insecure", flags.Lookup("trace-otlp-insecure"))
	util.MustBindEnv("trace.otlp.insecure", "KORAL_TRACE_OTLP_INSECURE")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "KORAL_TRACE_SAMPLE_RATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")
	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "KORAL_TRACE_SERVICE_NAME")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "KORAL_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "KORAL_METRICS_ADDR")

	flags.Duration("query-timeout", defaultConfig.QueryTimeout, "the maximum duration of a query on the master")
	util.MustBindPFlag("queryTimeout", flags.Lookup("query-timeout"))
	util.MustBindEnv("queryTimeout", "KORAL_QUERY_TIMEOUT")
}

func toInts(ids []uint16) []int {
	ints := make([]int, 0, len(ids))
	for _, id := range ids {
		ints = append(ints, int(id))
	}
	return ints
}
