package storage

import (
	"context"
	"errors"
	"time"

	"github.com/MapColonies/arstotzka/api"
)

var (
	// ErrNotFound indicates the requested row is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates a uniqueness constraint rejected the write.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrNotImplemented is returned by backends lacking an optional capability.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Namespace groups services under one administrative domain.
type Namespace struct {
	ID        int64
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Service is a registry row. ParentID is nil for tree roots.
type Service struct {
	ID          string
	NamespaceID int64
	Name        string
	Parallelism api.Parallelism
	ServiceType api.ServiceType
	ParentID    *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ServiceRef is the id/name pair returned by tree walks.
type ServiceRef struct {
	ID   string
	Name string
}

// Rotation is one append-only generation row for a service.
type Rotation struct {
	ID              string
	ServiceID       string
	ServiceRotation int64
	ParentRotation  *int64
	Description     string
	CreatedAt       time.Time
}

// LockStore persists advisory locks.
type LockStore interface {
	// FindNonExpiredLocks returns locks covering any of serviceIDs whose
	// expiry is unset or after now.
	FindNonExpiredLocks(ctx context.Context, serviceIDs []string, now time.Time) ([]api.Lock, error)
	GetLock(ctx context.Context, lockID string) (api.Lock, error)
	InsertLock(ctx context.Context, lock api.Lock) error
	// DeleteLock removes lockID, returning ErrNotFound when absent.
	DeleteLock(ctx context.Context, lockID string) error
	// DeleteExpiredLocks purges locks that expired at or before now.
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)
	// WithLockTx runs fn with the lock table serialised against other
	// WithLockTx callers.
	WithLockTx(ctx context.Context, fn func(LockTx) error) error
}

// LockTx is the transactional view used for check-then-insert.
type LockTx interface {
	FindNonExpiredLocks(ctx context.Context, serviceIDs []string, now time.Time) ([]api.Lock, error)
	InsertLock(ctx context.Context, lock api.Lock) error
}

// ActionStore persists actions.
type ActionStore interface {
	ListActions(ctx context.Context, filter api.ActionFilter) ([]api.Action, error)
	GetAction(ctx context.Context, actionID string) (api.Action, error)
	// WithServiceTx runs fn atomically with every other WithServiceTx call
	// for the same service id.
	WithServiceTx(ctx context.Context, serviceID string, fn func(ActionTx) error) error
}

// ActionTx is the per-service transactional view of the action table.
type ActionTx interface {
	GetAction(ctx context.Context, actionID string) (api.Action, error)
	CountActive(ctx context.Context) (int, error)
	// LatestActive returns the most recently created active action.
	LatestActive(ctx context.Context) (api.Action, bool, error)
	InsertAction(ctx context.Context, action api.Action) error
	// UpdateAction rewrites status, metadata, closedAt and updatedAt.
	UpdateAction(ctx context.Context, action api.Action) error
}

// RegistryStore persists namespaces, services, blocks and rotations.
type RegistryStore interface {
	GetService(ctx context.Context, serviceID string) (Service, error)
	ListServices(ctx context.Context) ([]Service, error)
	GetNamespace(ctx context.Context, namespaceID int64) (Namespace, error)
	FindNamespace(ctx context.Context, name string) (Namespace, error)
	Children(ctx context.Context, serviceID string) ([]string, error)
	// Descendants returns the service itself followed by every descendant.
	Descendants(ctx context.Context, serviceID string) ([]ServiceRef, error)
	Blockees(ctx context.Context, serviceID string) ([]api.Blockee, error)
	// CurrentRotation returns the row with the highest service rotation,
	// ties broken by the highest parent rotation (nulls last).
	CurrentRotation(ctx context.Context, serviceID string) (Rotation, error)
	// InsertRotations appends rows as one atomic batch.
	InsertRotations(ctx context.Context, rows []Rotation) error

	CreateNamespace(ctx context.Context, name string, now time.Time) (Namespace, error)
	// CreateService inserts svc together with its first rotation row.
	CreateService(ctx context.Context, svc Service, initial Rotation) error
	CreateBlock(ctx context.Context, blockerID, blockeeID string) error
}

// Backend bundles every store behind one connection.
type Backend interface {
	LockStore
	ActionStore
	RegistryStore
	Ping(ctx context.Context) error
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
