package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/koral-rdf/koral/internal/build"
	"github.com/koral-rdf/koral/pkg/logger"
	"github.com/koral-rdf/koral/pkg/storage"
)

var tracer = otel.Tracer("koral/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

const defaultMaxTriplesPerWrite = 500

// Datastore provides a SQLite based implementation of [storage.TripleStore].
type Datastore struct {
	stbl               sq.StatementBuilderType
	db                 *sql.DB
	logger             logger.Logger
	dbStatsCollector   prometheus.Collector
	maxTriplesPerWrite int
}

var _ storage.TripleStore = (*Datastore)(nil)

// Config holds the settings of a [Datastore].
type Config struct {
	Logger             logger.Logger
	ExportMetrics      bool
	MaxOpenConns       int
	MaxTriplesPerWrite int
}

// DatastoreOption configures a [Config].
type DatastoreOption func(*Config)

func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) { cfg.Logger = l }
}

func WithMetrics() DatastoreOption {
	return func(cfg *Config) { cfg.ExportMetrics = true }
}

func WithMaxOpenConns(n int) DatastoreOption {
	return func(cfg *Config) { cfg.MaxOpenConns = n }
}

func WithMaxTriplesPerWrite(n int) DatastoreOption {
	return func(cfg *Config) { cfg.MaxTriplesPerWrite = n }
}

// PrepareDSN adds the journal mode, busy timeout and transaction mode
// defaults to uri unless they are already set.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		switch {
		case strings.HasPrefix(val, "journal_mode"):
			foundJournalMode = true
		case strings.HasPrefix(val, "busy_timeout"):
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// New creates a new [Datastore] storage. The schema must have been
// migrated with [Migrate].
func New(uri string, opts ...DatastoreOption) (*Datastore, error) {
	cfg := &Config{
		Logger:             logger.NewNoopLogger(),
		MaxTriplesPerWrite: defaultMaxTriplesPerWrite,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		stbl:               sq.StatementBuilder.RunWith(db),
		db:                 db,
		logger:             cfg.Logger,
		dbStatsCollector:   collector,
		maxTriplesPerWrite: cfg.MaxTriplesPerWrite,
	}, nil
}

// Close see [storage.TripleStore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// Write see [storage.TripleStore].Write.
func (s *Datastore) Write(ctx context.Context, triples []*storage.Triple) error {
	ctx, span := startTrace(ctx, "Write")
	defer span.End()
	span.SetAttributes(attribute.Int("triples", len(triples)))

	if len(triples) == 0 {
		return nil
	}
	if len(triples) > s.maxTriplesPerWrite {
		return fmt.Errorf("write of %d triples exceeds the limit of %d", len(triples), s.maxTriplesPerWrite)
	}

	ib := sq.Insert("triple").Columns("subject", "property", "object", "containment")
	for _, t := range triples {
		if err := storage.Validate(t); err != nil {
			return err
		}
		normalized := *t
		storage.NormalizeContainment(&normalized)
		ib = ib.Values(int64(t.Subject), int64(t.Property), int64(t.Object), encodeContainment(normalized.Containment))
	}
	ib = ib.Suffix("ON CONFLICT (subject, property, object) DO UPDATE SET containment = excluded.containment")

	return busyRetry(func() error {
		_, err := ib.RunWith(s.db).ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
		return nil
	})
}

// Match see [storage.TripleReader].Match.
func (s *Datastore) Match(ctx context.Context, p storage.Pattern) (storage.TripleIterator, error) {
	ctx, span := startTrace(ctx, "Match")
	defer span.End()

	rows, err := where(s.stbl.Select("subject", "property", "object", "containment").From("triple"), p).
		OrderBy("subject", "property", "object").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	return &tripleIterator{rows: rows}, nil
}

// Count see [storage.TripleReader].Count.
func (s *Datastore) Count(ctx context.Context, p storage.Pattern) (uint64, error) {
	ctx, span := startTrace(ctx, "Count")
	defer span.End()

	var n int64
	err := where(s.stbl.Select("COUNT(*)").From("triple"), p).QueryRowContext(ctx).Scan(&n)
	if err != nil {
		return 0, HandleSQLError(err)
	}

	s.logger.Debug("counted triples",
		zap.Uint64("subject", p.Subject),
		zap.Uint64("property", p.Property),
		zap.Uint64("object", p.Object),
		zap.Int64("count", n),
	)
	return uint64(n), nil
}

func where(sb sq.SelectBuilder, p storage.Pattern) sq.SelectBuilder {
	if p.Subject != storage.Any {
		sb = sb.Where(sq.Eq{"subject": int64(p.Subject)})
	}
	if p.Property != storage.Any {
		sb = sb.Where(sq.Eq{"property": int64(p.Property)})
	}
	if p.Object != storage.Any {
		sb = sb.Where(sq.Eq{"object": int64(p.Object)})
	}
	return sb
}

type tripleIterator struct {
	rows *sql.Rows
}

var _ storage.TripleIterator = (*tripleIterator)(nil)

// Next see [storage.Iterator].Next.
func (t *tripleIterator) Next(ctx context.Context) (*storage.Triple, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if !t.rows.Next() {
		if err := t.rows.Err(); err != nil {
			return nil, HandleSQLError(err)
		}
		return nil, storage.ErrIteratorDone
	}

	var subject, property, object int64
	var containment []byte
	if err := t.rows.Scan(&subject, &property, &object, &containment); err != nil {
		return nil, HandleSQLError(err)
	}

	return &storage.Triple{
		Subject:     uint64(subject),
		Property:    uint64(property),
		Object:      uint64(object),
		Containment: decodeContainment(containment),
	}, nil
}

// Stop see [storage.Iterator].Stop.
func (t *tripleIterator) Stop() {
	_ = t.rows.Close()
}

func encodeContainment(nodes []uint16) []byte {
	b := make([]byte, 0, 2*len(nodes))
	for _, n := range nodes {
		b = binary.LittleEndian.AppendUint16(b, n)
	}
	return b
}

func decodeContainment(b []byte) []uint16 {
	if len(b) == 0 {
		return nil
	}
	nodes := make([]uint16, len(b)/2)
	for i := range nodes {
		nodes[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return nodes
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %w", storage.ErrInvalidTriple, err)
	}

	return fmt.Errorf("sql error: %w", err)
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather than waiting for the lock.
// This function retries the operation up to maxRetries times before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
