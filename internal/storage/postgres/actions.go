package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/storage"
)

const (
	actionColumns = `action_id, service_id, namespace_id, state, service_rotation, parent_rotation,
action_status, metadata, closed_at, created_at, updated_at`

	selectActionByID = `SELECT ` + actionColumns + ` FROM actiony.action WHERE action_id = $1`

	countActiveActions = `SELECT count(*) FROM actiony.action WHERE service_id = $1 AND action_status = 'active'`

	selectLatestActive = `SELECT ` + actionColumns + ` FROM actiony.action
WHERE service_id = $1 AND action_status = 'active'
ORDER BY created_at DESC, action_id DESC LIMIT 1`

	insertAction = `INSERT INTO actiony.action (action_id, service_id, namespace_id, state, service_rotation,
parent_rotation, action_status, metadata, closed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	updateAction = `UPDATE actiony.action SET action_status = $2, metadata = $3, closed_at = $4, updated_at = $5
WHERE action_id = $1`

	advisoryServiceKey = `SELECT pg_advisory_xact_lock(hashtext($1))`
)

func (s *Store) GetAction(ctx context.Context, actionID string) (api.Action, error) {
	return getAction(ctx, s.db, actionID)
}

func (s *Store) ListActions(ctx context.Context, filter api.ActionFilter) ([]api.Action, error) {
	query, args := buildListActions(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: list actions: %w", err))
	}
	defer rows.Close()
	var out []api.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, action)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// buildListActions renders the conjunctive filter as positional SQL.
func buildListActions(filter api.ActionFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.Service != "" {
		where = append(where, "service_id = "+next(filter.Service))
	}
	if filter.Rotation != nil {
		where = append(where, "service_rotation = "+next(*filter.Rotation))
	}
	if filter.ParentRotation != nil {
		where = append(where, "parent_rotation = "+next(*filter.ParentRotation))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, st := range filter.Status {
			statuses = append(statuses, string(st))
		}
		where = append(where, "action_status = ANY("+next(pq.Array(statuses))+")")
	}
	var b strings.Builder
	b.WriteString("SELECT " + actionColumns + " FROM actiony.action")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if filter.Sort == api.SortAsc {
		b.WriteString(" ORDER BY created_at ASC, action_id ASC")
	} else {
		b.WriteString(" ORDER BY created_at DESC, action_id DESC")
	}
	if filter.Limit > 0 {
		b.WriteString(" LIMIT " + next(filter.Limit))
	}
	return b.String(), args
}

func (s *Store) WithServiceTx(ctx context.Context, serviceID string, fn func(storage.ActionTx) error) error {
	return s.withTx(ctx, advisoryServiceKey, serviceID, func(tx *sql.Tx) error {
		return fn(actionTx{q: tx, serviceID: serviceID})
	})
}

type actionTx struct {
	q         querier
	serviceID string
}

func (t actionTx) GetAction(ctx context.Context, actionID string) (api.Action, error) {
	return getAction(ctx, t.q, actionID)
}

func (t actionTx) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := t.q.QueryRowContext(ctx, countActiveActions, t.serviceID).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("postgres: count active: %w", err))
	}
	return n, nil
}

func (t actionTx) LatestActive(ctx context.Context) (api.Action, bool, error) {
	action, err := scanAction(t.q.QueryRowContext(ctx, selectLatestActive, t.serviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return api.Action{}, false, nil
	}
	if err != nil {
		return api.Action{}, false, classify(err)
	}
	return action, true, nil
}

func (t actionTx) InsertAction(ctx context.Context, action api.Action) error {
	meta, err := encodeMetadata(action.Metadata)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, insertAction,
		action.ActionID,
		action.ServiceID,
		action.NamespaceID,
		action.State,
		action.ServiceRotation,
		nullInt(action.ParentRotation),
		string(action.Status),
		meta,
		nullTime(action.ClosedAt),
		action.CreatedAt.UTC(),
		action.UpdatedAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("postgres: insert action: %w", err))
	}
	return nil
}

func (t actionTx) UpdateAction(ctx context.Context, action api.Action) error {
	meta, err := encodeMetadata(action.Metadata)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, updateAction,
		action.ActionID,
		string(action.Status),
		meta,
		nullTime(action.ClosedAt),
		action.UpdatedAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("postgres: update action: %w", err))
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

func getAction(ctx context.Context, q querier, actionID string) (api.Action, error) {
	action, err := scanAction(q.QueryRowContext(ctx, selectActionByID, actionID))
	if err != nil {
		return api.Action{}, classify(err)
	}
	return action, nil
}

// encodeMetadata returns NULL for a nil map and the JSON text otherwise.
func encodeMetadata(meta map[string]any) (any, error) {
	if meta == nil {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode metadata: %w", err)
	}
	return string(raw), nil
}

func scanAction(row rowScanner) (api.Action, error) {
	var (
		a         api.Action
		parentRot sql.NullInt64
		status    string
		meta      []byte
		closedAt  sql.NullTime
	)
	err := row.Scan(&a.ActionID, &a.ServiceID, &a.NamespaceID, &a.State, &a.ServiceRotation,
		&parentRot, &status, &meta, &closedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return api.Action{}, err
	}
	a.ParentRotation = intPtr(parentRot)
	a.Status = api.ActionStatus(status)
	a.ClosedAt = timePtr(closedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return api.Action{}, fmt.Errorf("postgres: decode metadata: %w", err)
		}
	}
	return a, nil
}
