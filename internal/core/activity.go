package core

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/MapColonies/arstotzka/api"
)

// checkActivity probes every target concurrently and returns the first
// failure: a Failure with busyCode when a target has work in progress, or
// the probe error itself. Remaining probes are canceled on the first failure.
func (s *Service) checkActivity(ctx context.Context, targets []api.Blockee, busyCode string) error {
	logger := s.loggerFor(ctx, "core.activity")
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			active, via, err := s.isActive(gctx, target)
			if err != nil {
				logger.Warn("activity.check.failed", "service_id", target.ServiceID, "service_name", target.ServiceName, "via", via, "error", err)
				return asFailure(err)
			}
			if active {
				logger.Info("activity.check.active", "service_id", target.ServiceID, "service_name", target.ServiceName, "via", via)
				return fail(busyCode, "service %s (%s) has active actions", target.ServiceID, target.ServiceName)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) isActive(ctx context.Context, target api.Blockee) (bool, string, error) {
	if url, ok := s.trackers.Lookup(target.ServiceName); ok {
		if s.prober == nil {
			return false, "external", fail(api.CodeServiceUnaccessible, "no prober configured for external tracker %s", url)
		}
		active, err := s.prober.ProbeExternal(ctx, url)
		return active, "external", err
	}
	actions, err := s.actions.FilterActions(ctx, api.ActionFilter{
		Service: target.ServiceID,
		Status:  []api.ActionStatus{api.ActionStatusActive},
		Limit:   1,
	})
	return len(actions) > 0, "actions", err
}
