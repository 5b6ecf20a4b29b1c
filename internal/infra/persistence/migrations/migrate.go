// Package migrations runs golang-migrate against the strategos PostgreSQL schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/internal/infra/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errNoSource     = errors.New("migrations source required")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Source locates migration files either on disk or in an embedded filesystem.
type Source struct {
	Dir string
	FS  fs.FS
}

// Dir reads migrations from a directory.
func Dir(path string) Source { return Source{Dir: path} }

// Embedded reads migrations from the root of fsys.
func Embedded(fsys fs.FS) Source { return Source{FS: fsys} }

func (s Source) label() string {
	if s.FS != nil {
		return "embedded"
	}
	return s.Dir
}

// Apply migrates the database reachable via dsn to the latest version found in migrationsDir.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *zap.Logger) error {
	return ApplySource(ctx, dsn, Dir(migrationsDir), logger)
}

// Rollback reverts steps migrations found in migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *zap.Logger) error {
	return RollbackSource(ctx, dsn, Dir(migrationsDir), steps, logger)
}

// ApplySource migrates up to the latest version of src.
func ApplySource(ctx context.Context, dsn string, src Source, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return withMigrator(ctx, dsn, src, logger, func(m *migrate.Migrate) error {
		logger.Info("running database migrations", zap.String("source", src.label()))
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop")
				logger.Info("database migrations up-to-date")
				return nil
			}
			recordMigrationMetric(ctx, "failed")
			return fmt.Errorf("apply migrations: %w", err)
		}
		recordMigrationMetric(ctx, "applied")
		logger.Info("database migrations applied")
		return nil
	})
}

// RollbackSource reverts steps migrations of src.
func RollbackSource(ctx context.Context, dsn string, src Source, steps int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return withMigrator(ctx, dsn, src, logger, func(m *migrate.Migrate) error {
		logger.Info("rolling back database migrations", zap.String("source", src.label()), zap.Int("steps", steps))
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop")
				return nil
			}
			recordMigrationMetric(ctx, "failed")
			return fmt.Errorf("rollback migrations: %w", err)
		}
		recordMigrationMetric(ctx, "rolled_back")
		return nil
	})
}

func withMigrator(ctx context.Context, dsn string, src Source, logger *zap.Logger, fn func(*migrate.Migrate) error) error {
	var sourceURL string
	if src.FS == nil {
		if strings.TrimSpace(src.Dir) == "" {
			return errNoSource
		}
		resolved, err := resolveDir(src.Dir)
		if err != nil {
			return err
		}
		sourceURL = fileURL(resolved)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", zap.Error(cerr))
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if src.FS != nil {
		files, ferr := iofs.New(src.FS, ".")
		if ferr != nil {
			return fmt.Errorf("open embedded migrations: %w", ferr)
		}
		m, err = migrate.NewWithInstance("iofs", files, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
	}
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", zap.Error(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", zap.Error(dbErr))
		}
	}()
	return fn(m)
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result string) {
	migrationsCounterMu.Do(func() {
		counter, err := otel.Meter("persistence.migrations").Int64Counter("strategos.db.migrations",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
	))
}
