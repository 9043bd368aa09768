package logging

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/storage"
	"github.com/MapColonies/arstotzka/internal/storage/memory"
)

func TestWrapRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	store := Wrap(memory.New(), nil, "storage.test")
	ctx := context.Background()
	if err := store.InsertLock(ctx, api.Lock{LockID: "lock-1", ServiceIDs: []string{"svc"}}); err != nil {
		t.Fatalf("insert lock: %v", err)
	}
	if _, err := store.GetLock(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound through wrapper, got %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "arstotzka.storage.insert_lock" || spans[0].Status().Code != codes.Ok {
		t.Fatalf("unexpected insert span %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Name() != "arstotzka.storage.get_lock" || spans[1].Status().Code != codes.Error {
		t.Fatalf("unexpected get span %s %v", spans[1].Name(), spans[1].Status())
	}
}

func TestWrapPassesTransactions(t *testing.T) {
	store := Wrap(memory.New(), nil, "storage.test")
	ctx := context.Background()
	err := store.WithLockTx(ctx, func(tx storage.LockTx) error {
		return tx.InsertLock(ctx, api.Lock{LockID: "lock-2", ServiceIDs: []string{"a"}})
	})
	if err != nil {
		t.Fatalf("lock tx: %v", err)
	}
	got, err := store.GetLock(ctx, "lock-2")
	if err != nil || got.LockID != "lock-2" {
		t.Fatalf("lock not stored through wrapper: %+v %v", got, err)
	}
	if Wrap(nil, nil, "") != nil {
		t.Fatal("expected nil backend to stay nil")
	}
}
