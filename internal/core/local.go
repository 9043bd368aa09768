package core

import (
	"context"

	"github.com/MapColonies/arstotzka/api"
)

// localDirectory serves FetchService from the local registry.
type localDirectory struct{ s *Service }

func (d localDirectory) FetchService(ctx context.Context, serviceID string) (api.ServiceDetail, error) {
	return d.s.FetchService(ctx, serviceID)
}

// localLocker serves lock creation and removal from the local lock table.
type localLocker struct{ s *Service }

func (l localLocker) CreateLock(ctx context.Context, req api.LockRequest) (string, error) {
	return l.s.Lock(ctx, req)
}

func (l localLocker) RemoveLock(ctx context.Context, lockID string) error {
	return l.s.Unlock(ctx, lockID)
}

// localActions serves action listings from the local action table.
type localActions struct{ s *Service }

func (a localActions) FilterActions(ctx context.Context, filter api.ActionFilter) ([]api.Action, error) {
	return a.s.GetActions(ctx, filter)
}
