// Package postgres implements storage.Backend on PostgreSQL using lib/pq.
//
// Locks, actions and the registry live in the locky, actiony and registry
// schemas. Check-then-write paths are serialised with transaction scoped
// advisory locks: one fixed key for the lock table and one key per service
// id for actions.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/storage"
	"github.com/MapColonies/arstotzka/internal/svcfields"
)

//go:embed schema.sql
var schemaSQL string

// lockTableKey is the advisory lock key guarding lock overlap checks.
const lockTableKey int64 = 0x6c6f636b79

// Config tunes the connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// SkipInit leaves the schema untouched on Open.
	SkipInit bool
	Logger   pslog.Logger
}

// Store is the PostgreSQL backend.
type Store struct {
	db     *sql.DB
	logger pslog.Logger
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to cfg.DSN, verifies the connection and applies the schema
// unless SkipInit is set.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres: dsn required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
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
	store := New(db, cfg.Logger)
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if !cfg.SkipInit {
		if err := store.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

// New wraps an existing handle.
func New(db *sql.DB, logger pslog.Logger) *Store {
	return &Store{
		db:     db,
		logger: svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "storage.postgres"),
	}
}

// Init applies the idempotent schema.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", classify(err))
	}
	s.logger.Info("storage.postgres.schema.applied")
	return nil
}

// Schema returns the DDL applied by Init.
func Schema() string { return schemaSQL }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(fmt.Errorf("postgres: ping: %w", err))
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction after taking the advisory lock selected by
// lockSQL/lockArg.
func (s *Store) withTx(ctx context.Context, lockSQL string, lockArg any, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("postgres: begin: %w", err))
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("storage.postgres.rollback.failed", "error", rbErr)
			}
		}
	}()
	if _, err = tx.ExecContext(ctx, lockSQL, lockArg); err != nil {
		return classify(fmt.Errorf("postgres: advisory lock: %w", err))
	}
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return classifyCommit(fmt.Errorf("postgres: commit: %w", err))
	}
	return nil
}

// classifyCommit marks a commit failure retryable only when the server
// reported the transaction as rolled back. A broken connection leaves the
// outcome unknown and a replay could trip over its own rows.
func classifyCommit(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01") {
		return storage.NewTransientError(err)
	}
	return err
}

// classify maps driver errors onto storage sentinels and marks retryable
// failures as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, driver.ErrBadConn) {
		return storage.NewTransientError(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, pqErr.Message)
		case pqErr.Code == "23503":
			return fmt.Errorf("%w: %s", storage.ErrNotFound, pqErr.Message)
		case pqErr.Code == "22P02":
			// malformed uuid: no row can carry that id
			return fmt.Errorf("%w: %s", storage.ErrNotFound, pqErr.Message)
		case pqErr.Code.Class() == "08",
			pqErr.Code == "40001",
			pqErr.Code == "40P01",
			pqErr.Code == "57P01",
			pqErr.Code == "53300":
			return storage.NewTransientError(err)
		}
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
