package core

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/storage"
	"github.com/MapColonies/arstotzka/internal/uuidv7"
)

// ReplacedClosingReason is merged into the metadata of an action canceled by
// the replaceable parallelism policy.
const ReplacedClosingReason = "canceled by parallelism rules"

// GetActions lists actions matching filter, newest first unless sorted asc.
func (s *Service) GetActions(ctx context.Context, filter api.ActionFilter) ([]api.Action, error) {
	if filter.Limit < 0 {
		return nil, fail(api.CodeInvalidRequest, "limit must be positive")
	}
	switch filter.Sort {
	case "":
		filter.Sort = api.SortDesc
	case api.SortAsc, api.SortDesc:
	default:
		return nil, fail(api.CodeInvalidRequest, "sort must be asc or desc")
	}
	for _, st := range filter.Status {
		if !st.Valid() {
			return nil, fail(api.CodeInvalidRequest, "unknown status %q", st)
		}
	}
	s.loggerFor(ctx, "core.action").Debug("action.list", "filter", filter)
	actions, err := s.store.ListActions(ctx, filter)
	if errors.Is(err, storage.ErrNotFound) {
		return []api.Action{}, nil
	}
	if err != nil {
		return nil, err
	}
	if actions == nil {
		actions = []api.Action{}
	}
	return actions, nil
}

// GetAction returns one action.
func (s *Service) GetAction(ctx context.Context, actionID string) (api.Action, error) {
	action, err := s.store.GetAction(ctx, actionID)
	if errors.Is(err, storage.ErrNotFound) {
		return api.Action{}, fail(api.CodeActionNotFound, "action %s not found", actionID)
	}
	return action, err
}

// CreateAction records a new active action on req.ServiceID after enforcing
// the service's parallelism policy.
func (s *Service) CreateAction(ctx context.Context, req api.ActionRequest) (string, error) {
	serviceID := strings.TrimSpace(req.ServiceID)
	if serviceID == "" {
		return "", fail(api.CodeInvalidRequest, "serviceId is required")
	}
	logger := s.loggerFor(ctx, "core.action").With("service_id", serviceID)
	logger.Info("action.create.begin", "state", req.State)

	detail, err := s.directory.FetchService(ctx, serviceID)
	if err != nil {
		return "", asFailure(err)
	}
	if !detail.Parallelism.Valid() {
		return "", fail(api.CodeParallelismMismatch, "service %s has unknown parallelism %q", serviceID, detail.Parallelism)
	}

	now := s.clock.Now()
	action := api.Action{
		ActionID:        uuidv7.NewString(),
		ServiceID:       serviceID,
		NamespaceID:     detail.NamespaceID,
		State:           req.State,
		ServiceRotation: detail.ServiceRotation,
		ParentRotation:  detail.ParentRotation,
		Status:          api.ActionStatusActive,
		Metadata:        maps.Clone(req.Metadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var replaced string
	err = s.store.WithServiceTx(ctx, serviceID, func(tx storage.ActionTx) error {
		replaced = ""
		switch detail.Parallelism {
		case api.ParallelismSingle:
			active, err := tx.CountActive(ctx)
			if err != nil {
				return err
			}
			if active >= 1 {
				return fail(api.CodeParallelismMismatch, "service %s has mismatched parallelism", serviceID)
			}
		case api.ParallelismReplaceable:
			prev, ok, err := tx.LatestActive(ctx)
			if err != nil {
				return err
			}
			if ok {
				applyPatch(&prev, api.ActionStatusCanceled, map[string]any{"closingReason": ReplacedClosingReason}, now)
				if err := tx.UpdateAction(ctx, prev); err != nil {
					return err
				}
				replaced = prev.ActionID
			}
		}
		return tx.InsertAction(ctx, action)
	})
	if err != nil {
		if IsCode(err, api.CodeParallelismMismatch) {
			logger.Info("action.create.parallelism_mismatch", "parallelism", detail.Parallelism)
		}
		return "", err
	}
	attrs := attribute.String("arstotzka.parallelism", string(detail.Parallelism))
	s.metrics.add(ctx, s.metrics.actionCreated, attrs)
	if replaced != "" {
		s.metrics.add(ctx, s.metrics.actionReplaced)
		logger.Info("action.create.replaced", "canceled_action_id", replaced)
	}
	logger.Info("action.create.success",
		"action_id", action.ActionID,
		"namespace_id", action.NamespaceID,
		"service_rotation", action.ServiceRotation,
	)
	return action.ActionID, nil
}

// UpdateAction applies patch to an open action and returns the result.
// Metadata is merged shallowly; moving to a closed status stamps closedAt.
func (s *Service) UpdateAction(ctx context.Context, actionID string, patch api.ActionPatch) (api.Action, error) {
	if patch.Status != "" && !patch.Status.Valid() {
		return api.Action{}, fail(api.CodeInvalidRequest, "unknown status %q", patch.Status)
	}
	logger := s.loggerFor(ctx, "core.action").With("action_id", actionID)

	current, err := s.GetAction(ctx, actionID)
	if err != nil {
		if IsCode(err, api.CodeActionNotFound) {
			logger.Info("action.update.not_found")
		}
		return api.Action{}, err
	}

	var updated api.Action
	err = s.store.WithServiceTx(ctx, current.ServiceID, func(tx storage.ActionTx) error {
		action, err := tx.GetAction(ctx, actionID)
		if errors.Is(err, storage.ErrNotFound) {
			return fail(api.CodeActionNotFound, "action %s not found", actionID)
		}
		if err != nil {
			return err
		}
		if action.Status.Closed() {
			return fail(api.CodeActionAlreadyClosed, "action %s has already been closed with status %s", actionID, action.Status)
		}
		status := action.Status
		if patch.Status != "" {
			status = patch.Status
		}
		applyPatch(&action, status, patch.Metadata, s.clock.Now())
		if err := tx.UpdateAction(ctx, action); err != nil {
			return err
		}
		updated = action
		return nil
	})
	if err != nil {
		if IsCode(err, api.CodeActionAlreadyClosed) {
			logger.Info("action.update.already_closed")
		}
		return api.Action{}, err
	}
	logger.Info("action.update.success", "status", updated.Status)
	return updated, nil
}

// applyPatch applies status and merges meta into a, stamping closedAt when
// status is terminal.
func applyPatch(a *api.Action, status api.ActionStatus, meta map[string]any, now time.Time) {
	if len(meta) > 0 {
		merged := maps.Clone(a.Metadata)
		if merged == nil {
			merged = make(map[string]any, len(meta))
		}
		maps.Copy(merged, meta)
		a.Metadata = merged
	}
	a.Status = status
	a.UpdatedAt = now
	if status.Closed() {
		closed := now
		a.ClosedAt = &closed
	}
}
