package postgres

import (
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/common"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB manages the Postgres connection pool. The store is server-backed so the
// API and worker processes can share it.
type DB struct {
	db     *sqlx.DB
	logger arbor.ILogger
}

// NewDB connects to Postgres and applies pending migrations.
func NewDB(logger arbor.ILogger, config *common.PostgresConfig) (*DB, error) {
	logger.Debug().Str("url", config.SafeURL()).Msg("Opening Postgres connection pool")

	db, err := sqlx.Connect("pgx", config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug().Msg("Postgres database initialized")

	return &DB{db: db, logger: logger}, nil
}

// DB returns the underlying sqlx pool
func (d *DB) DB() *sqlx.DB {
	return d.db
}

// Close closes the connection pool
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}
