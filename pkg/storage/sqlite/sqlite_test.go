package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koral-rdf/koral/pkg/storage"
	"github.com/koral-rdf/koral/pkg/storage/test"
)

func newDatastore(t *testing.T, opts ...DatastoreOption) *Datastore {
	t.Helper()

	uri := "file:" + filepath.Join(t.TempDir(), "koral.db")
	require.NoError(t, Migrate(context.Background(), MigrationConfig{URI: uri}))

	ds, err := New(uri, opts...)
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	return ds
}

func TestSQLiteDatastore(t *testing.T) {
	test.RunAllTests(t, newDatastore(t))
}

func TestMigrateVersions(t *testing.T) {
	uri := "file:" + filepath.Join(t.TempDir(), "koral.db")
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, MigrationConfig{URI: uri, TargetVersion: 1}))
	version, err := CurrentVersion(uri)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	require.NoError(t, Migrate(ctx, MigrationConfig{URI: uri, TargetVersion: 1}))
}

func TestWriteLimit(t *testing.T) {
	ds := newDatastore(t, WithMaxTriplesPerWrite(1))

	err := ds.Write(context.Background(), []*storage.Triple{
		{Subject: 1, Property: 2, Object: 3},
		{Subject: 1, Property: 2, Object: 4},
	})
	require.ErrorContains(t, err, "exceeds the limit")
}

func TestPrepareDSN(t *testing.T) {
	for _, tc := range []struct {
		name     string
		uri      string
		expected string
	}{
		{
			name:     "defaults",
			uri:      "file:koral.db",
			expected: "file:koral.db?_pragma=journal_mode%28WAL%29&_pragma=busy_timeout%28100%29&_txlock=immediate",
		},
		{
			name:     "keeps_explicit_settings",
			uri:      "file:koral.db?_pragma=journal_mode(DELETE)&_txlock=deferred",
			expected: "file:koral.db?_pragma=journal_mode%28DELETE%29&_pragma=busy_timeout%28100%29&_txlock=deferred",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := PrepareDSN(tc.uri)
			require.NoError(t, err)
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestContainmentEncoding(t *testing.T) {
	require.Nil(t, decodeContainment(encodeContainment(nil)))
	require.Equal(t, []uint16{1, 300, 65535}, decodeContainment(encodeContainment([]uint16{1, 300, 65535})))
}
