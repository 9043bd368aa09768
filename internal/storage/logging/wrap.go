package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/correlation"
	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if inner == nil {
		return nil
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		tracer: otel.Tracer("github.com/MapColonies/arstotzka/storage"),
		sys:    sys,
	}
}

// observe runs fn inside a storage span. key is the primary id the operation
// touches and may be empty.
func (b *backend) observe(ctx context.Context, op, key string, fn func(context.Context) error) error {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "arstotzka.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("arstotzka.storage.operation", op),
		attribute.String("arstotzka.sys", b.sys),
	)
	if key != "" {
		span.SetAttributes(attribute.String("arstotzka.storage.key", key))
	}

	logger := b.logger
	if loggingutil.HasContextLogger(ctx) {
		logger = loggingutil.FromContext(ctx, b.logger)
	} else if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}
	if cid := correlation.ID(ctx); cid != "" {
		span.SetAttributes(attribute.String("arstotzka.correlation_id", cid))
	}
	logger.Trace("storage."+op+".begin", "key", key)

	err := fn(ctx)
	elapsed := time.Since(begin)
	span.SetAttributes(attribute.Int64("arstotzka.storage.duration_ms", elapsed.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage_error")
		logger.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
		return err
	}
	span.SetStatus(codes.Ok, "")
	logger.Trace("storage."+op+".success", "key", key, "elapsed", elapsed)
	return nil
}

func (b *backend) Ping(ctx context.Context) error {
	return b.observe(ctx, "ping", "", b.inner.Ping)
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) FindNonExpiredLocks(ctx context.Context, serviceIDs []string, now time.Time) ([]api.Lock, error) {
	var out []api.Lock
	err := b.observe(ctx, "find_locks", "", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("arstotzka.storage.services", len(serviceIDs)))
		var err error
		out, err = b.inner.FindNonExpiredLocks(ctx, serviceIDs, now)
		return err
	})
	return out, err
}

func (b *backend) GetLock(ctx context.Context, lockID string) (api.Lock, error) {
	var out api.Lock
	err := b.observe(ctx, "get_lock", lockID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.GetLock(ctx, lockID)
		return err
	})
	return out, err
}

func (b *backend) InsertLock(ctx context.Context, lock api.Lock) error {
	return b.observe(ctx, "insert_lock", lock.LockID, func(ctx context.Context) error {
		return b.inner.InsertLock(ctx, lock)
	})
}

func (b *backend) DeleteLock(ctx context.Context, lockID string) error {
	return b.observe(ctx, "delete_lock", lockID, func(ctx context.Context) error {
		return b.inner.DeleteLock(ctx, lockID)
	})
}

func (b *backend) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := b.observe(ctx, "delete_expired_locks", "", func(ctx context.Context) error {
		var err error
		n, err = b.inner.DeleteExpiredLocks(ctx, now)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("arstotzka.storage.purged", n))
		return err
	})
	return n, err
}

func (b *backend) WithLockTx(ctx context.Context, fn func(storage.LockTx) error) error {
	return b.observe(ctx, "lock_tx", "", func(ctx context.Context) error {
		return b.inner.WithLockTx(ctx, fn)
	})
}

func (b *backend) ListActions(ctx context.Context, filter api.ActionFilter) ([]api.Action, error) {
	var out []api.Action
	err := b.observe(ctx, "list_actions", filter.Service, func(ctx context.Context) error {
		var err error
		out, err = b.inner.ListActions(ctx, filter)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("arstotzka.storage.rows", len(out)))
		return err
	})
	return out, err
}

func (b *backend) GetAction(ctx context.Context, actionID string) (api.Action, error) {
	var out api.Action
	err := b.observe(ctx, "get_action", actionID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.GetAction(ctx, actionID)
		return err
	})
	return out, err
}

func (b *backend) WithServiceTx(ctx context.Context, serviceID string, fn func(storage.ActionTx) error) error {
	return b.observe(ctx, "service_tx", serviceID, func(ctx context.Context) error {
		return b.inner.WithServiceTx(ctx, serviceID, fn)
	})
}

func (b *backend) GetService(ctx context.Context, serviceID string) (storage.Service, error) {
	var out storage.Service
	err := b.observe(ctx, "get_service", serviceID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.GetService(ctx, serviceID)
		return err
	})
	return out, err
}

func (b *backend) ListServices(ctx context.Context) ([]storage.Service, error) {
	var out []storage.Service
	err := b.observe(ctx, "list_services", "", func(ctx context.Context) error {
		var err error
		out, err = b.inner.ListServices(ctx)
		return err
	})
	return out, err
}

func (b *backend) GetNamespace(ctx context.Context, namespaceID int64) (storage.Namespace, error) {
	var out storage.Namespace
	err := b.observe(ctx, "get_namespace", "", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("arstotzka.storage.namespace_id", namespaceID))
		var err error
		out, err = b.inner.GetNamespace(ctx, namespaceID)
		return err
	})
	return out, err
}

func (b *backend) FindNamespace(ctx context.Context, name string) (storage.Namespace, error) {
	var out storage.Namespace
	err := b.observe(ctx, "find_namespace", name, func(ctx context.Context) error {
		var err error
		out, err = b.inner.FindNamespace(ctx, name)
		return err
	})
	return out, err
}

func (b *backend) Children(ctx context.Context, serviceID string) ([]string, error) {
	var out []string
	err := b.observe(ctx, "children", serviceID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.Children(ctx, serviceID)
		return err
	})
	return out, err
}

func (b *backend) Descendants(ctx context.Context, serviceID string) ([]storage.ServiceRef, error) {
	var out []storage.ServiceRef
	err := b.observe(ctx, "descendants", serviceID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.Descendants(ctx, serviceID)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("arstotzka.storage.rows", len(out)))
		return err
	})
	return out, err
}

func (b *backend) Blockees(ctx context.Context, serviceID string) ([]api.Blockee, error) {
	var out []api.Blockee
	err := b.observe(ctx, "blockees", serviceID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.Blockees(ctx, serviceID)
		return err
	})
	return out, err
}

func (b *backend) CurrentRotation(ctx context.Context, serviceID string) (storage.Rotation, error) {
	var out storage.Rotation
	err := b.observe(ctx, "current_rotation", serviceID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.CurrentRotation(ctx, serviceID)
		return err
	})
	return out, err
}

func (b *backend) InsertRotations(ctx context.Context, rows []storage.Rotation) error {
	return b.observe(ctx, "insert_rotations", "", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("arstotzka.storage.rows", len(rows)))
		return b.inner.InsertRotations(ctx, rows)
	})
}

func (b *backend) CreateNamespace(ctx context.Context, name string, now time.Time) (storage.Namespace, error) {
	var out storage.Namespace
	err := b.observe(ctx, "create_namespace", name, func(ctx context.Context) error {
		var err error
		out, err = b.inner.CreateNamespace(ctx, name, now)
		return err
	})
	return out, err
}

func (b *backend) CreateService(ctx context.Context, svc storage.Service, initial storage.Rotation) error {
	return b.observe(ctx, "create_service", svc.ID, func(ctx context.Context) error {
		return b.inner.CreateService(ctx, svc, initial)
	})
}

func (b *backend) CreateBlock(ctx context.Context, blockerID, blockeeID string) error {
	return b.observe(ctx, "create_block", blockerID, func(ctx context.Context) error {
		return b.inner.CreateBlock(ctx, blockerID, blockeeID)
	})
}
