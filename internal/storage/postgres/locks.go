package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/storage"
)

const (
	lockColumns = `lock_id, service_ids, COALESCE(reason, ''), expires_at, created_at, updated_at`

	selectOverlappingLocks = `SELECT ` + lockColumns + ` FROM locky.lock
WHERE service_ids && $1::uuid[] AND (expires_at IS NULL OR expires_at > $2)
ORDER BY created_at`

	selectLockByID = `SELECT ` + lockColumns + ` FROM locky.lock WHERE lock_id = $1`

	insertLock = `INSERT INTO locky.lock (lock_id, service_ids, reason, expires_at, created_at, updated_at)
VALUES ($1, $2::uuid[], $3, $4, $5, $6)`

	deleteLockByID = `DELETE FROM locky.lock WHERE lock_id = $1`

	deleteExpiredLocks = `DELETE FROM locky.lock WHERE expires_at IS NOT NULL AND expires_at <= $1`

	advisoryLockKey = `SELECT pg_advisory_xact_lock($1)`
)

func (s *Store) FindNonExpiredLocks(ctx context.Context, serviceIDs []string, now time.Time) ([]api.Lock, error) {
	return findLocks(ctx, s.db, serviceIDs, now)
}

func (s *Store) GetLock(ctx context.Context, lockID string) (api.Lock, error) {
	lock, err := scanLock(s.db.QueryRowContext(ctx, selectLockByID, lockID))
	if err != nil {
		return api.Lock{}, classify(err)
	}
	return lock, nil
}

func (s *Store) InsertLock(ctx context.Context, lock api.Lock) error {
	return insertLockRow(ctx, s.db, lock)
}

func (s *Store) DeleteLock(ctx context.Context, lockID string) error {
	res, err := s.db.ExecContext(ctx, deleteLockByID, lockID)
	if err != nil {
		return classify(fmt.Errorf("postgres: delete lock: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteExpiredLocks, now.UTC())
	if err != nil {
		return 0, classify(fmt.Errorf("postgres: purge locks: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *Store) WithLockTx(ctx context.Context, fn func(storage.LockTx) error) error {
	return s.withTx(ctx, advisoryLockKey, lockTableKey, func(tx *sql.Tx) error {
		return fn(lockTx{q: tx})
	})
}

type lockTx struct {
	q querier
}

func (t lockTx) FindNonExpiredLocks(ctx context.Context, serviceIDs []string, now time.Time) ([]api.Lock, error) {
	return findLocks(ctx, t.q, serviceIDs, now)
}

func (t lockTx) InsertLock(ctx context.Context, lock api.Lock) error {
	return insertLockRow(ctx, t.q, lock)
}

func findLocks(ctx context.Context, q querier, serviceIDs []string, now time.Time) ([]api.Lock, error) {
	rows, err := q.QueryContext(ctx, selectOverlappingLocks, pq.Array(serviceIDs), now.UTC())
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: find locks: %w", err))
	}
	defer rows.Close()
	var out []api.Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func insertLockRow(ctx context.Context, q querier, lock api.Lock) error {
	_, err := q.ExecContext(ctx, insertLock,
		lock.LockID,
		pq.Array(lock.ServiceIDs),
		nullString(lock.Reason),
		nullTime(lock.ExpiresAt),
		lock.CreatedAt.UTC(),
		lock.UpdatedAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("postgres: insert lock: %w", err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (api.Lock, error) {
	var (
		lock      api.Lock
		ids       pq.StringArray
		expiresAt sql.NullTime
	)
	if err := row.Scan(&lock.LockID, &ids, &lock.Reason, &expiresAt, &lock.CreatedAt, &lock.UpdatedAt); err != nil {
		return api.Lock{}, err
	}
	lock.ServiceIDs = []string(ids)
	lock.ExpiresAt = timePtr(expiresAt)
	lock.CreatedAt = lock.CreatedAt.UTC()
	lock.UpdatedAt = lock.UpdatedAt.UTC()
	return lock, nil
}
