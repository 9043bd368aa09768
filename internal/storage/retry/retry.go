package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/clock"
	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
// Transaction callbacks are retried as a whole so the callback must be safe
// to run more than once.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) Ping(ctx context.Context) error {
	return b.withRetry(ctx, "ping", "", b.inner.Ping)
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) FindNonExpiredLocks(ctx context.Context, serviceIDs []string, now time.Time) ([]api.Lock, error) {
	var out []api.Lock
	err := b.withRetry(ctx, "find_locks", "", func(ctx context.Context) error {
		var err error
		out, err = b.inner.FindNonExpiredLocks(ctx, serviceIDs, now)
		return err
	})
	return out, err
}

func (b *backend) GetLock(ctx context.Context, lockID string) (api.Lock, error) {
	var out api.Lock
	err := b.withRetry(ctx, "get_lock", lockID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.GetLock(ctx, lockID)
		return err
	})
	return out, err
}

func (b *backend) InsertLock(ctx context.Context, lock api.Lock) error {
	return b.withRetry(ctx, "insert_lock", lock.LockID, func(ctx context.Context) error {
		return b.inner.InsertLock(ctx, lock)
	})
}

func (b *backend) DeleteLock(ctx context.Context, lockID string) error {
	return b.withRetry(ctx, "delete_lock", lockID, func(ctx context.Context) error {
		return b.inner.DeleteLock(ctx, lockID)
	})
}

func (b *backend) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := b.withRetry(ctx, "purge_locks", "", func(ctx context.Context) error {
		var err error
		n, err = b.inner.DeleteExpiredLocks(ctx, now)
		return err
	})
	return n, err
}

func (b *backend) WithLockTx(ctx context.Context, fn func(storage.LockTx) error) error {
	return b.withRetry(ctx, "lock_tx", "", func(ctx context.Context) error {
		return b.inner.WithLockTx(ctx, fn)
	})
}

func (b *backend) ListActions(ctx context.Context, filter api.ActionFilter) ([]api.Action, error) {
	var out []api.Action
	err := b.withRetry(ctx, "list_actions", filter.Service, func(ctx context.Context) error {
		var err error
		out, err = b.inner.ListActions(ctx, filter)
		return err
	})
	return out, err
}

func (b *backend) GetAction(ctx context.Context, actionID string) (api.Action, error) {
	var out api.Action
	err := b.withRetry(ctx, "get_action", actionID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.GetAction(ctx, actionID)
		return err
	})
	return out, err
}

func (b *backend) WithServiceTx(ctx context.Context, serviceID string, fn func(storage.ActionTx) error) error {
	return b.withRetry(ctx, "action_tx", serviceID, func(ctx context.Context) error {
		return b.inner.WithServiceTx(ctx, serviceID, fn)
	})
}

func (b *backend) GetService(ctx context.Context, serviceID string) (storage.Service, error) {
	var out storage.Service
	err := b.withRetry(ctx, "get_service", serviceID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.GetService(ctx, serviceID)
		return err
	})
	return out, err
}

func (b *backend) ListServices(ctx context.Context) ([]storage.Service, error) {
	var out []storage.Service
	err := b.withRetry(ctx, "list_services", "", func(ctx context.Context) error {
		var err error
		out, err = b.inner.ListServices(ctx)
		return err
	})
	return out, err
}

func (b *backend) GetNamespace(ctx context.Context, namespaceID int64) (storage.Namespace, error) {
	var out storage.Namespace
	err := b.withRetry(ctx, "get_namespace", "", func(ctx context.Context) error {
		var err error
		out, err = b.inner.GetNamespace(ctx, namespaceID)
		return err
	})
	return out, err
}

func (b *backend) FindNamespace(ctx context.Context, name string) (storage.Namespace, error) {
	var out storage.Namespace
	err := b.withRetry(ctx, "find_namespace", name, func(ctx context.Context) error {
		var err error
		out, err = b.inner.FindNamespace(ctx, name)
		return err
	})
	return out, err
}

func (b *backend) Children(ctx context.Context, serviceID string) ([]string, error) {
	var out []string
	err := b.withRetry(ctx, "children", serviceID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.Children(ctx, serviceID)
		return err
	})
	return out, err
}

func (b *backend) Descendants(ctx context.Context, serviceID string) ([]storage.ServiceRef, error) {
	var out []storage.ServiceRef
	err := b.withRetry(ctx, "descendants", serviceID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.Descendants(ctx, serviceID)
		return err
	})
	return out, err
}

func (b *backend) Blockees(ctx context.Context, serviceID string) ([]api.Blockee, error) {
	var out []api.Blockee
	err := b.withRetry(ctx, "blockees", serviceID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.Blockees(ctx, serviceID)
		return err
	})
	return out, err
}

func (b *backend) CurrentRotation(ctx context.Context, serviceID string) (storage.Rotation, error) {
	var out storage.Rotation
	err := b.withRetry(ctx, "current_rotation", serviceID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.CurrentRotation(ctx, serviceID)
		return err
	})
	return out, err
}

func (b *backend) InsertRotations(ctx context.Context, rows []storage.Rotation) error {
	return b.withRetry(ctx, "insert_rotations", "", func(ctx context.Context) error {
		return b.inner.InsertRotations(ctx, rows)
	})
}

func (b *backend) CreateNamespace(ctx context.Context, name string, now time.Time) (storage.Namespace, error) {
	var out storage.Namespace
	err := b.withRetry(ctx, "create_namespace", name, func(ctx context.Context) error {
		var err error
		out, err = b.inner.CreateNamespace(ctx, name, now)
		return err
	})
	return out, err
}

func (b *backend) CreateService(ctx context.Context, svc storage.Service, initial storage.Rotation) error {
	return b.withRetry(ctx, "create_service", svc.ID, func(ctx context.Context) error {
		return b.inner.CreateService(ctx, svc, initial)
	})
}

func (b *backend) CreateBlock(ctx context.Context, blockerID, blockeeID string) error {
	return b.withRetry(ctx, "create_block", blockerID, func(ctx context.Context) error {
		return b.inner.CreateBlock(ctx, blockerID, blockeeID)
	})
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage.transient_error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
