package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func clusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Node.ID = 2
	cfg.Node.Slaves = []uint16{1, 2}
	cfg.Node.Addresses = []string{"10.0.0.1:4710", "10.0.0.2:4710", "10.0.0.3:4710"}
	return cfg
}

func TestVerifyConfig(t *testing.T) {
	t.Run("default_config_is_valid", func(t *testing.T) {
		require.NoError(t, DefaultConfig().Verify())
		require.NoError(t, clusterConfig().Verify())
	})

	t.Run("cluster_needs_slaves", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Node.Slaves = nil

		err := cfg.Verify()
		require.EqualError(t, err, "config 'node.slaves' cannot be empty")
	})

	t.Run("node_must_be_part_of_the_cluster", func(t *testing.T) {
		cfg := clusterConfig()
		cfg.Node.ID = 5

		err := cfg.Verify()
		require.EqualError(t, err, "node 5 is neither the master nor one of the slaves")
	})

	t.Run("master_cannot_be_a_slave", func(t *testing.T) {
		cfg := clusterConfig()
		cfg.Node.Slaves = []uint16{0, 1, 2}

		err := cfg.Verify()
		require.EqualError(t, err, "master 0 cannot be a slave")
	})

	t.Run("every_node_needs_an_address", func(t *testing.T) {
		cfg := clusterConfig()
		cfg.Node.Addresses = cfg.Node.Addresses[:2]

		err := cfg.Verify()
		require.EqualError(t, err, "config 'node.addresses' has no address for node 2")
	})

	t.Run("unknown_transport_engine", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Transport.Engine = "carrier-pigeon"

		err := cfg.Verify()
		require.EqualError(t, err, "transport engine 'carrier-pigeon' is not supported")
	})

	t.Run("unbalance_threshold_out_of_range", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Worker.UnbalanceThreshold = 1.5

		err := cfg.Verify()
		require.EqualError(t, err, "config 'worker.unbalanceThreshold' must be in [0, 1], got 1.5")
	})

	t.Run("max_mappings_per_round_not_zero", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Worker.MaxMappingsPerRound = 0

		err := cfg.Verify()
		require.EqualError(t, err, "config 'worker.maxMappingsPerRound' must be positive")
	})

	t.Run("sqlite_needs_uri", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Datastore.Engine = DatastoreEngineSQLite

		err := cfg.Verify()
		require.EqualError(t, err, "config 'datastore.uri' is required for the sqlite engine")

		cfg.Datastore.URI = "file:koral.db"
		require.NoError(t, cfg.Verify())
	})

	t.Run("unknown_datastore_engine", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Datastore.Engine = "postgres"

		err := cfg.Verify()
		require.EqualError(t, err, "datastore engine 'postgres' is not supported")
	})

	t.Run("sample_ratio_out_of_range", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Trace.Enabled = true
		cfg.Trace.SampleRatio = -1

		err := cfg.Verify()
		require.EqualError(t, err, "config 'trace.sampleRatio' must be in [0, 1], got -1")
	})
}

func TestAddressMap(t *testing.T) {
	require.Equal(t, map[uint16]string{
		0: "10.0.0.1:4710",
		1: "10.0.0.2:4710",
		2: "10.0.0.3:4710",
	}, clusterConfig().AddressMap())
}

func TestWorkerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.Threads = 3

	wc := cfg.WorkerConfig()
	require.Equal(t, 3, wc.Threads)
	require.InDelta(t, 0.1, wc.UnbalanceThreshold, 1e-9)
	require.Equal(t, cfg.Worker.MaxMappingsPerRound, wc.MaxMappingsPerRound)
	require.Equal(t, cfg.Worker.EmptyQueueSleep, wc.EmptyQueueSleep)
}
