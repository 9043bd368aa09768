package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/storage"
	"github.com/MapColonies/arstotzka/internal/uuidv7"
)

// maxExpirationMillis is the longest expiration a time.Duration can carry.
const maxExpirationMillis = math.MaxInt64 / int64(time.Millisecond)

// Lock creates a lock over req.Services unless any of them is covered by a
// non-expired lock.
func (s *Service) Lock(ctx context.Context, req api.LockRequest) (string, error) {
	logger := s.loggerFor(ctx, "core.lock")
	services := dedupe(req.Services)
	if len(services) == 0 {
		return "", fail(api.CodeInvalidRequest, "services must not be empty")
	}
	if req.Expiration < 0 {
		return "", fail(api.CodeInvalidRequest, "expiration must not be negative")
	}
	if req.Expiration > maxExpirationMillis {
		return "", fail(api.CodeInvalidRequest, "expiration must not exceed %d ms", maxExpirationMillis)
	}
	logger.Info("lock.create.begin", "services", services, "expiration_ms", req.Expiration, "reason", req.Reason)

	var lock api.Lock
	err := s.store.WithLockTx(ctx, func(tx storage.LockTx) error {
		now := s.clock.Now()
		existing, err := tx.FindNonExpiredLocks(ctx, services, now)
		if errors.Is(err, storage.ErrNotFound) {
			return fail(api.CodeInvalidRequest, "services must be valid service ids")
		}
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			logger.Info("lock.create.conflict", "services", services, "existing_lock_id", existing[0].LockID)
			return fail(api.CodeServiceAlreadyLocked, "could not lock at least one of requested services due to nonexpired lock")
		}
		lock = s.newLock(services, time.Duration(req.Expiration)*time.Millisecond, req.Reason, now)
		return tx.InsertLock(ctx, lock)
	})
	if err != nil {
		if IsCode(err, api.CodeServiceAlreadyLocked) {
			s.metrics.add(ctx, s.metrics.lockConflict, attribute.String("arstotzka.lock.kind", "lock"))
		}
		return "", err
	}
	s.metrics.add(ctx, s.metrics.lockCreated, attribute.String("arstotzka.lock.kind", "lock"))
	logger.Info("lock.create.success", "lock_id", lock.LockID, "services", services)
	return lock.LockID, nil
}

// Unlock deletes lockID.
func (s *Service) Unlock(ctx context.Context, lockID string) error {
	logger := s.loggerFor(ctx, "core.lock")
	if err := s.store.DeleteLock(ctx, lockID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Info("lock.delete.not_found", "lock_id", lockID)
			return fail(api.CodeLockNotFound, "lock %s not found", lockID)
		}
		return err
	}
	logger.Info("lock.delete.success", "lock_id", lockID)
	return nil
}

// GetLock returns the stored lock.
func (s *Service) GetLock(ctx context.Context, lockID string) (api.Lock, error) {
	lock, err := s.store.GetLock(ctx, lockID)
	if errors.Is(err, storage.ErrNotFound) {
		return api.Lock{}, fail(api.CodeLockNotFound, "lock %s not found", lockID)
	}
	return lock, err
}

// Reserve locks the blockees of serviceID once none of them has active
// actions. It returns an empty id when the service has no blockees.
func (s *Service) Reserve(ctx context.Context, serviceID string) (string, error) {
	logger := s.loggerFor(ctx, "core.lock").With("service_id", serviceID)
	logger.Info("lock.reserve.begin")

	locked, err := s.store.FindNonExpiredLocks(ctx, []string{serviceID}, s.clock.Now())
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info("lock.reserve.not_found")
		return "", fail(api.CodeServiceNotFound, "service %s not found", serviceID)
	}
	if err != nil {
		return "", err
	}
	if len(locked) > 0 {
		logger.Info("lock.reserve.service_locked", "lock_id", locked[0].LockID)
		s.metrics.add(ctx, s.metrics.lockConflict, attribute.String("arstotzka.lock.kind", "reserve"))
		return "", fail(api.CodeServiceAlreadyLocked, "could not reserve access for service %s due to nonexpired locks", serviceID)
	}

	detail, err := s.directory.FetchService(ctx, serviceID)
	if err != nil {
		return "", asFailure(err)
	}
	if len(detail.Blockees) == 0 {
		logger.Info("lock.reserve.no_blockees")
		return "", nil
	}

	ids := make([]string, 0, len(detail.Blockees))
	for _, b := range detail.Blockees {
		ids = append(ids, b.ServiceID)
	}
	reason := fmt.Sprintf("%s %s %s access reserve", detail.NamespaceName, detail.ServiceName, serviceID)
	lock := s.newLock(ids, s.reserveExpiration, reason, s.clock.Now())
	if err := s.store.InsertLock(ctx, lock); err != nil {
		return "", err
	}
	s.metrics.add(ctx, s.metrics.lockCreated, attribute.String("arstotzka.lock.kind", "reserve"))
	logger.Debug("lock.reserve.blockees_locked", "lock_id", lock.LockID, "blockees", ids)

	if err := s.checkActivity(ctx, detail.Blockees, api.CodeActiveBlockingActions); err != nil {
		logger.Info("lock.reserve.rejected", "lock_id", lock.LockID, "error", err)
		if delErr := s.store.DeleteLock(context.WithoutCancel(ctx), lock.LockID); delErr != nil {
			logger.Warn("lock.reserve.compensate_failed", "lock_id", lock.LockID, "error", delErr)
		}
		s.metrics.add(ctx, s.metrics.reserveRejected)
		return "", err
	}
	logger.Info("lock.reserve.success", "lock_id", lock.LockID)
	return lock.LockID, nil
}

// PurgeExpiredLocks removes lock rows whose expiry has passed.
func (s *Service) PurgeExpiredLocks(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredLocks(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.loggerFor(ctx, "core.lock").Debug("lock.sweep.purged", "count", n)
	}
	return n, nil
}

func (s *Service) newLock(services []string, expiration time.Duration, reason string, now time.Time) api.Lock {
	lock := api.Lock{
		LockID:     uuidv7.NewString(),
		ServiceIDs: services,
		Reason:     strings.TrimSpace(reason),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if expiration > 0 {
		at := now.Add(expiration)
		lock.ExpiresAt = &at
	}
	return lock
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
