package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/storage"
)

const (
	serviceColumns = `id, namespace_id, name, parallelism, service_type, parent_service_id, created_at, updated_at`

	selectServiceByID = `SELECT ` + serviceColumns + ` FROM registry.service WHERE id = $1`

	selectServices = `SELECT ` + serviceColumns + ` FROM registry.service ORDER BY created_at, id`

	selectNamespaceByID = `SELECT namespace_id, name, created_at, updated_at FROM registry.namespace WHERE namespace_id = $1`

	selectNamespaceByName = `SELECT namespace_id, name, created_at, updated_at FROM registry.namespace WHERE name = $1`

	selectChildren = `SELECT id FROM registry.service WHERE parent_service_id = $1 ORDER BY created_at, id`

	selectDescendants = `WITH RECURSIVE tree AS (
    SELECT id, name, 0 AS depth FROM registry.service WHERE id = $1
  UNION ALL
    SELECT s.id, s.name, tree.depth + 1 FROM registry.service s JOIN tree ON s.parent_service_id = tree.id
)
SELECT id, name FROM tree ORDER BY depth, id`

	selectBlockees = `SELECT s.id, s.name FROM registry.block b JOIN registry.service s ON s.id = b.blockee_id
WHERE b.blocker_id = $1 ORDER BY s.name, s.id`

	selectCurrentRotation = `SELECT rotation_id, service_id, service_rotation, parent_rotation, COALESCE(description, ''), created_at
FROM registry.rotation WHERE service_id = $1
ORDER BY service_rotation DESC, parent_rotation DESC NULLS LAST LIMIT 1`

	insertRotation = `INSERT INTO registry.rotation (rotation_id, service_id, service_rotation, parent_rotation, description, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`

	insertNamespace = `INSERT INTO registry.namespace (name, created_at, updated_at) VALUES ($1, $2, $2) RETURNING namespace_id`

	insertService = `INSERT INTO registry.service (id, namespace_id, name, parallelism, service_type, parent_service_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	insertBlock = `INSERT INTO registry.block (blocker_id, blockee_id) VALUES ($1, $2)`
)

func (s *Store) GetService(ctx context.Context, serviceID string) (storage.Service, error) {
	svc, err := scanService(s.db.QueryRowContext(ctx, selectServiceByID, serviceID))
	if err != nil {
		return storage.Service{}, classify(err)
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]storage.Service, error) {
	rows, err := s.db.QueryContext(ctx, selectServices)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: list services: %w", err))
	}
	defer rows.Close()
	var out []storage.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, svc)
	}
	return out, classify(rows.Err())
}

func (s *Store) GetNamespace(ctx context.Context, namespaceID int64) (storage.Namespace, error) {
	return scanNamespace(s.db.QueryRowContext(ctx, selectNamespaceByID, namespaceID))
}

func (s *Store) FindNamespace(ctx context.Context, name string) (storage.Namespace, error) {
	return scanNamespace(s.db.QueryRowContext(ctx, selectNamespaceByName, name))
}

func (s *Store) Children(ctx context.Context, serviceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, selectChildren, serviceID)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: children: %w", err))
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		out = append(out, id)
	}
	return out, classify(rows.Err())
}

func (s *Store) Descendants(ctx context.Context, serviceID string) ([]storage.ServiceRef, error) {
	rows, err := s.db.QueryContext(ctx, selectDescendants, serviceID)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: descendants: %w", err))
	}
	defer rows.Close()
	var out []storage.ServiceRef
	for rows.Next() {
		var ref storage.ServiceRef
		if err := rows.Scan(&ref.ID, &ref.Name); err != nil {
			return nil, classify(err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

func (s *Store) Blockees(ctx context.Context, serviceID string) ([]api.Blockee, error) {
	rows, err := s.db.QueryContext(ctx, selectBlockees, serviceID)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: blockees: %w", err))
	}
	defer rows.Close()
	out := []api.Blockee{}
	for rows.Next() {
		var b api.Blockee
		if err := rows.Scan(&b.ServiceID, &b.ServiceName); err != nil {
			return nil, classify(err)
		}
		out = append(out, b)
	}
	return out, classify(rows.Err())
}

func (s *Store) CurrentRotation(ctx context.Context, serviceID string) (storage.Rotation, error) {
	var (
		r         storage.Rotation
		parentRot sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, selectCurrentRotation, serviceID).
		Scan(&r.ID, &r.ServiceID, &r.ServiceRotation, &parentRot, &r.Description, &r.CreatedAt)
	if err != nil {
		return storage.Rotation{}, classify(err)
	}
	r.ParentRotation = intPtr(parentRot)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *Store) InsertRotations(ctx context.Context, rows []storage.Rotation) (err error) {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("postgres: begin: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, row := range rows {
		if err = insertRotationRow(ctx, tx, row); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("postgres: commit rotations: %w", err))
	}
	return nil
}

func (s *Store) CreateNamespace(ctx context.Context, name string, now time.Time) (storage.Namespace, error) {
	ns := storage.Namespace{Name: name, CreatedAt: now.UTC(), UpdatedAt: now.UTC()}
	if err := s.db.QueryRowContext(ctx, insertNamespace, name, ns.CreatedAt).Scan(&ns.ID); err != nil {
		return storage.Namespace{}, classify(fmt.Errorf("postgres: create namespace: %w", err))
	}
	return ns, nil
}

func (s *Store) CreateService(ctx context.Context, svc storage.Service, initial storage.Rotation) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("postgres: begin: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var parent sql.NullString
	if svc.ParentID != nil {
		parent = sql.NullString{String: *svc.ParentID, Valid: true}
	}
	_, err = tx.ExecContext(ctx, insertService,
		svc.ID, svc.NamespaceID, svc.Name, string(svc.Parallelism), string(svc.ServiceType),
		parent, svc.CreatedAt.UTC(), svc.UpdatedAt.UTC())
	if err != nil {
		return classify(fmt.Errorf("postgres: create service: %w", err))
	}
	if err = insertRotationRow(ctx, tx, initial); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("postgres: commit service: %w", err))
	}
	return nil
}

func (s *Store) CreateBlock(ctx context.Context, blockerID, blockeeID string) error {
	if _, err := s.db.ExecContext(ctx, insertBlock, blockerID, blockeeID); err != nil {
		return classify(fmt.Errorf("postgres: create block: %w", err))
	}
	return nil
}

func insertRotationRow(ctx context.Context, q querier, row storage.Rotation) error {
	_, err := q.ExecContext(ctx, insertRotation,
		row.ID, row.ServiceID, row.ServiceRotation, nullInt(row.ParentRotation),
		nullString(row.Description), row.CreatedAt.UTC())
	if err != nil {
		return classify(fmt.Errorf("postgres: insert rotation: %w", err))
	}
	return nil
}

func scanService(row rowScanner) (storage.Service, error) {
	var (
		svc         storage.Service
		parallelism string
		serviceType string
		parent      sql.NullString
	)
	err := row.Scan(&svc.ID, &svc.NamespaceID, &svc.Name, &parallelism, &serviceType, &parent, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return storage.Service{}, err
	}
	svc.Parallelism = api.Parallelism(parallelism)
	svc.ServiceType = api.ServiceType(serviceType)
	if parent.Valid {
		p := parent.String
		svc.ParentID = &p
	}
	svc.CreatedAt = svc.CreatedAt.UTC()
	svc.UpdatedAt = svc.UpdatedAt.UTC()
	return svc, nil
}

func scanNamespace(row rowScanner) (storage.Namespace, error) {
	var ns storage.Namespace
	if err := row.Scan(&ns.ID, &ns.Name, &ns.CreatedAt, &ns.UpdatedAt); err != nil {
		return storage.Namespace{}, classify(err)
	}
	ns.CreatedAt = ns.CreatedAt.UTC()
	ns.UpdatedAt = ns.UpdatedAt.UTC()
	return ns, nil
}
