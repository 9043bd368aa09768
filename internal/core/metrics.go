package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type coreMetrics struct {
	lockCreated       metric.Int64Counter
	lockConflict      metric.Int64Counter
	reserveRejected   metric.Int64Counter
	actionCreated     metric.Int64Counter
	actionReplaced    metric.Int64Counter
	rotationCompleted metric.Int64Counter
}

func newCoreMetrics(logger pslog.Logger) *coreMetrics {
	meter := otel.Meter("github.com/MapColonies/arstotzka/core")
	m := &coreMetrics{}
	var err error

	m.lockCreated, err = meter.Int64Counter(
		"arstotzka.lock.created",
		metric.WithDescription("Locks created, including access reservations"),
	)
	logMetricInitError(logger, "arstotzka.lock.created", err)

	m.lockConflict, err = meter.Int64Counter(
		"arstotzka.lock.conflict",
		metric.WithDescription("Lock requests rejected because a service was already locked"),
	)
	logMetricInitError(logger, "arstotzka.lock.conflict", err)

	m.reserveRejected, err = meter.Int64Counter(
		"arstotzka.reserve.rejected",
		metric.WithDescription("Access reservations rolled back"),
	)
	logMetricInitError(logger, "arstotzka.reserve.rejected", err)

	m.actionCreated, err = meter.Int64Counter(
		"arstotzka.action.created",
		metric.WithDescription("Actions created"),
	)
	logMetricInitError(logger, "arstotzka.action.created", err)

	m.actionReplaced, err = meter.Int64Counter(
		"arstotzka.action.replaced",
		metric.WithDescription("Active actions canceled by the replaceable parallelism policy"),
	)
	logMetricInitError(logger, "arstotzka.action.replaced", err)

	m.rotationCompleted, err = meter.Int64Counter(
		"arstotzka.rotation.completed",
		metric.WithDescription("Completed service rotations"),
	)
	logMetricInitError(logger, "arstotzka.rotation.completed", err)

	return m
}

func (m *coreMetrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
