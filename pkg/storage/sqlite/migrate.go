package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/koral-rdf/koral/assets"
	"github.com/koral-rdf/koral/pkg/logger"
)

// MigrationConfig selects the database and the schema version to migrate to.
// A zero TargetVersion applies every migration.
type MigrationConfig struct {
	URI           string
	TargetVersion uint
	Timeout       time.Duration
	Verbose       bool
	Logger        logger.Logger
}

// Migrate brings the triple store schema at cfg.URI to cfg.TargetVersion.
func Migrate(ctx context.Context, cfg MigrationConfig) error {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	goose.SetLogger(goose.NopLogger())
	goose.SetVerbose(cfg.Verbose)
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("failed to set sqlite dialect: %w", err)
	}

	uri, err := PrepareDSN(cfg.URI)
	if err != nil {
		return err
	}

	db, err := goose.OpenDBWithDriver("sqlite", uri)
	if err != nil {
		return fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	defer db.Close()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.Timeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("failed to initialize sqlite connection: %w", err)
	}

	goose.SetBaseFS(assets.EmbedMigrations)

	currentVersion, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get sqlite db version: %w", err)
	}
	log.Info("sqlite current version", zap.Int64("version", currentVersion))

	if cfg.TargetVersion == 0 {
		if err := goose.Up(db, assets.SqliteMigrationDir); err != nil {
			return fmt.Errorf("failed to run sqlite migrations: %w", err)
		}
		log.Info("sqlite migration done")
		return nil
	}

	target := int64(cfg.TargetVersion)
	switch {
	case target < currentVersion:
		if err := goose.DownTo(db, assets.SqliteMigrationDir, target); err != nil {
			return fmt.Errorf("failed to run sqlite migrations down to %v: %w", target, err)
		}
	case target > currentVersion:
		if err := goose.UpTo(db, assets.SqliteMigrationDir, target); err != nil {
			return fmt.Errorf("failed to run sqlite migrations up to %v: %w", target, err)
		}
	default:
		log.Info("sqlite nothing to do")
		return nil
	}

	log.Info("sqlite migration done", zap.Int64("version", target))
	return nil
}

// CurrentVersion returns the schema version of the database at uri.
func CurrentVersion(uri string) (int64, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return 0, err
	}

	if err := goose.SetDialect("sqlite"); err != nil {
		return 0, fmt.Errorf("failed to set sqlite dialect: %w", err)
	}

	db, err := goose.OpenDBWithDriver("sqlite", uri)
	if err != nil {
		return 0, fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(assets.EmbedMigrations)
	return goose.GetDBVersion(db)
}
