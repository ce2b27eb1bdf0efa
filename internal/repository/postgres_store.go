package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ChuLiYu/geostream/pkg/types"
)

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the lib/pq keyword/value connection string.
func (c PostgresConfig) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslmode,
	)
}

const schema = `
CREATE TABLE IF NOT EXISTS pipelines (
	ref                  TEXT PRIMARY KEY,
	name                 TEXT NOT NULL DEFAULT '',
	definition           TEXT NOT NULL DEFAULT '',
	imported             BOOLEAN NOT NULL DEFAULT FALSE,
	downloaded           BOOLEAN NOT NULL DEFAULT FALSE,
	published            BOOLEAN NOT NULL DEFAULT FALSE,
	processed            BOOLEAN NOT NULL DEFAULT FALSE,
	temporary            BOOLEAN NOT NULL DEFAULT FALSE,
	processed_resolution INTEGER NOT NULL DEFAULT 0,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const selectColumns = `ref, name, definition, imported, downloaded, published, processed, temporary, processed_resolution, updated_at`

// flagColumns maps flags onto column names; anything else is rejected
// before it reaches SQL.
var flagColumns = map[Flag]string{
	FlagImported:   "imported",
	FlagDownloaded: "downloaded",
	FlagPublished:  "published",
	FlagProcessed:  "processed",
	FlagTemporary:  "temporary",
}

// PostgresStore is a Repository on a PostgreSQL table. Every write is
// durable when it returns, so Checkpoint has nothing to do.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// OpenPostgres connects, verifies the connection and creates the table.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Connecting to PostgreSQL",
		slog.String("host", cfg.Host),
		slog.Int("port", cfg.Port),
		slog.String("database", cfg.Database),
	)

	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return NewPostgresStore(ctx, db, logger)
}

// NewPostgresStore wraps an open connection and creates the table if needed.
func NewPostgresStore(ctx context.Context, db *sqlx.DB, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create pipelines table: %w", err)
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) Get(ctx context.Context, ref types.PipelineRef) (Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `SELECT `+selectColumns+` FROM pipelines WHERE ref = $1`, ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return Record{}, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	var recs []Record
	if err := s.db.SelectContext(ctx, &recs, `SELECT `+selectColumns+` FROM pipelines ORDER BY ref`); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	if !rec.Ref.Valid() {
		return fmt.Errorf("repository: upsert: empty ref")
	}
	query := `
		INSERT INTO pipelines (ref, name, definition, imported, downloaded, published, processed, temporary, processed_resolution, updated_at)
		VALUES (:ref, :name, :definition, :imported, :downloaded, :published, :processed, :temporary, :processed_resolution, NOW())
		ON CONFLICT (ref) DO UPDATE SET
			name = EXCLUDED.name,
			definition = EXCLUDED.definition,
			imported = EXCLUDED.imported,
			downloaded = EXCLUDED.downloaded,
			published = EXCLUDED.published,
			processed = EXCLUDED.processed,
			temporary = EXCLUDED.temporary,
			processed_resolution = EXCLUDED.processed_resolution,
			updated_at = NOW()
	`
	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		s.logger.Error("Failed to upsert pipeline", slog.String("ref", string(rec.Ref)), slog.Any("error", err))
		return fmt.Errorf("failed to upsert pipeline: %w", err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, ref types.PipelineRef) error {
	return s.execOne(ctx, ref, `DELETE FROM pipelines WHERE ref = $1`, ref)
}

func (s *PostgresStore) SetFlag(ctx context.Context, ref types.PipelineRef, f Flag, v bool) error {
	col, ok := flagColumns[f]
	if !ok {
		return fmt.Errorf("repository: unknown flag %q", f)
	}
	return s.execOne(ctx, ref, `UPDATE pipelines SET `+col+` = $2, updated_at = NOW() WHERE ref = $1`, ref, v)
}

func (s *PostgresStore) SetProcessedResolution(ctx context.Context, ref types.PipelineRef, res int) error {
	return s.execOne(ctx, ref, `UPDATE pipelines SET processed_resolution = $2, updated_at = NOW() WHERE ref = $1`, ref, res)
}

// execOne runs a statement that must touch exactly one row.
func (s *PostgresStore) execOne(ctx context.Context, ref types.PipelineRef, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return nil
}

func (s *PostgresStore) Without(ctx context.Context, f Flag) ([]Record, error) {
	col, ok := flagColumns[f]
	if !ok {
		return nil, fmt.Errorf("repository: unknown flag %q", f)
	}
	var recs []Record
	query := `SELECT ` + selectColumns + ` FROM pipelines WHERE NOT ` + col + ` ORDER BY ref`
	if err := s.db.SelectContext(ctx, &recs, query); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return recs, nil
}

// Checkpoint only verifies the connection.
func (s *PostgresStore) Checkpoint(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.logger.Info("Closing PostgreSQL connection")
	return s.db.Close()
}
