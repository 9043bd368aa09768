package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/storage"
	"github.com/MapColonies/arstotzka/internal/uuidv7"
)

// Rotate bumps the rotation of serviceID and every descendant. The subtree
// is locked for the duration and must have no active actions. Each node gets
// serviceRotation+1; descendants also get parentRotation+1 while the rotated
// service keeps its own parent rotation.
func (s *Service) Rotate(ctx context.Context, serviceID, description string) error {
	logger := s.loggerFor(ctx, "core.rotation").With("service_id", serviceID)
	logger.Info("rotation.begin")

	if _, err := s.store.GetService(ctx, serviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(api.CodeServiceNotFound, "service %s not found", serviceID)
		}
		return err
	}
	tree, err := s.store.Descendants(ctx, serviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(api.CodeServiceNotFound, "service %s not found", serviceID)
		}
		return err
	}
	ids := make([]string, 0, len(tree))
	targets := make([]api.Blockee, 0, len(tree))
	for _, ref := range tree {
		ids = append(ids, ref.ID)
		targets = append(targets, api.Blockee{ServiceID: ref.ID, ServiceName: ref.Name})
	}

	lockID, err := s.locker.CreateLock(ctx, api.LockRequest{
		Services:   ids,
		Expiration: s.rotationExpiration.Milliseconds(),
		Reason:     fmt.Sprintf("service %s rotation", serviceID),
	})
	if err != nil {
		logger.Info("rotation.lock.failed", "error", err)
		return asFailure(err)
	}
	logger.Debug("rotation.locked", "lock_id", lockID, "services", ids)
	defer s.releaseRotationLock(ctx, lockID)

	if err := s.checkActivity(ctx, targets, api.CodeServiceIsActive); err != nil {
		logger.Info("rotation.rejected", "lock_id", lockID, "error", err)
		return err
	}

	rows, err := s.nextRotations(ctx, serviceID, tree, description)
	if err != nil {
		return err
	}
	if err := s.store.InsertRotations(ctx, rows); err != nil {
		logger.Warn("rotation.insert.failed", "error", err)
		return err
	}
	s.metrics.add(ctx, s.metrics.rotationCompleted)
	logger.Info("rotation.success", "rotations_count", len(rows), "lock_id", lockID)
	return nil
}

func (s *Service) nextRotations(ctx context.Context, serviceID string, tree []storage.ServiceRef, description string) ([]storage.Rotation, error) {
	now := s.clock.Now()
	rows := make([]storage.Rotation, 0, len(tree))
	for _, ref := range tree {
		cur, err := s.store.CurrentRotation(ctx, ref.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		row := storage.Rotation{
			ID:              uuidv7.NewString(),
			ServiceID:       ref.ID,
			ServiceRotation: cur.ServiceRotation + 1,
			Description:     description,
			CreatedAt:       now,
		}
		if cur.ParentRotation != nil {
			next := *cur.ParentRotation
			if ref.ID != serviceID {
				next++
			}
			row.ParentRotation = &next
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Service) releaseRotationLock(ctx context.Context, lockID string) {
	if err := s.locker.RemoveLock(context.WithoutCancel(ctx), lockID); err != nil {
		s.loggerFor(ctx, "core.rotation").Warn("rotation.unlock.failed", "lock_id", lockID, "error", err)
	}
}
