package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/coursebilling/internal/config"
	"github.com/MarkoPoloResearchLab/coursebilling/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coursebilling/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/coursebilling/pkg/billing"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	defaultSQLiteFile = "coursebilling.db"
)

// openStore returns the store selected by cfg.StoreBackend together with its cleanup.
// The pgx adapter only talks to PostgreSQL and expects the schema to exist already.
func openStore(ctx context.Context, cfg config.Config) (billing.Store, func() error, error) {
	if cfg.StoreBackend == config.StorePgx {
		driver, _, err := resolveDriver(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if driver != driverPostgres {
			return nil, nil, fmt.Errorf("%w: pgx store requires a postgres database url", config.ErrInvalidConfig)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		return pgstore.New(pool), func() error { pool.Close(); return nil }, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// sqlite serialises writers; a single connection keeps row locks meaningful.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

// resolveDriver picks the driver from the DSN scheme. Anything without a postgres or sqlite
// scheme is a sqlite file path.
func resolveDriver(dsn string) (string, string, error) {
	scheme, _, hasScheme := strings.Cut(dsn, "://")
	if !hasScheme {
		sqlitePath, err := normalizeSQLitePath(dsn)
		return driverSQLite, sqlitePath, err
	}
	switch scheme {
	case "postgres", "postgresql":
		return driverPostgres, "", nil
	case driverSQLite:
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		target := parsed.Path
		if target == "" {
			target = parsed.Host
		}
		if target == "" || target == "/" {
			target = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(target)
		return driverSQLite, sqlitePath, err
	default:
		return "", "", fmt.Errorf("unsupported database scheme %q", scheme)
	}
}

// normalizeSQLitePath makes sure the parent directory of a file database exists.
func normalizeSQLitePath(target string) (string, error) {
	if target == ":memory:" {
		return target, nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Clean(target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("sqlite directory: %w", err)
	}
	return target, nil
}

// prepareSchema migrates sqlite databases on open. PostgreSQL schemas are managed with the
// migrate command.
func prepareSchema(db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
