package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/core"
	"github.com/MapColonies/arstotzka/internal/correlation"
	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/svcfields"
	"github.com/MapColonies/arstotzka/internal/uuidv7"
)

// DefaultJSONMaxBytes caps request bodies when Config.JSONMaxBytes is zero.
const DefaultJSONMaxBytes = 1 << 20

// Roles selects which capability routes a Handler serves.
type Roles struct {
	Registry bool
	Locky    bool
	Actiony  bool
}

// All reports whether every role is enabled.
func (r Roles) All() bool { return r.Registry && r.Locky && r.Actiony }

// Handler wires HTTP endpoints to the core service.
type Handler struct {
	core         *core.Service
	logger       pslog.Logger
	roles        Roles
	jsonMaxBytes int64
	ready        func(context.Context) error

	tracer             trace.Tracer
	httpTracingEnabled bool
}

// Config groups the dependencies required by Handler.
type Config struct {
	Core   *core.Service
	Logger pslog.Logger
	Roles  Roles
	// JSONMaxBytes bounds request bodies.
	JSONMaxBytes int64
	// Ready reports readiness for /readyz; defaults to Core.Ready.
	Ready func(context.Context) error
	// EnableHTTPTracing wraps every route in otelhttp and per-operation spans.
	EnableHTTPTracing bool
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	h := &Handler{
		core:               cfg.Core,
		logger:             loggingutil.EnsureLogger(cfg.Logger),
		roles:              cfg.Roles,
		jsonMaxBytes:       cfg.JSONMaxBytes,
		ready:              cfg.Ready,
		tracer:             otel.Tracer("github.com/MapColonies/arstotzka/httpapi"),
		httpTracingEnabled: cfg.EnableHTTPTracing,
	}
	if h.jsonMaxBytes <= 0 {
		h.jsonMaxBytes = DefaultJSONMaxBytes
	}
	if h.ready == nil && h.core != nil {
		h.ready = h.core.Ready
	}
	return h
}

// Register wires the routes of the enabled roles plus health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	if h.roles.Registry {
		mux.Handle("GET /service", h.wrap("service.list", h.handleServiceList))
		mux.Handle("GET /service/{serviceId}", h.wrap("service.get", h.handleServiceGet))
		mux.Handle("POST /service/{serviceId}/rotate", h.wrap("service.rotate", h.handleServiceRotate))
		mux.Handle("PATCH /service/{serviceId}/rotate", h.wrap("service.rotate", h.handleServiceRotate))
	}
	if h.roles.Locky {
		mux.Handle("POST /lock", h.wrap("lock.create", h.handleLockCreate))
		mux.Handle("POST /lock/reserve", h.wrap("lock.reserve", h.handleLockReserve))
		mux.Handle("GET /lock/{lockId}", h.wrap("lock.get", h.handleLockGet))
		mux.Handle("DELETE /lock/{lockId}", h.wrap("lock.delete", h.handleLockDelete))
	}
	if h.roles.Actiony {
		mux.Handle("GET /action", h.wrap("action.list", h.handleActionList))
		mux.Handle("POST /action", h.wrap("action.create", h.handleActionCreate))
		mux.Handle("GET /action/{actionId}", h.wrap("action.get", h.handleActionGet))
		mux.Handle("PATCH /action/{actionId}", h.wrap("action.update", h.handleActionUpdate))
	}
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "arstotzka.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, "arstotzka.op."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("arstotzka.sys", sys),
					attribute.String("arstotzka.operation", operation),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		if corr, ok := correlation.Normalize(r.Header.Get(correlation.Header)); ok {
			ctx = correlation.Set(ctx, corr)
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}
		ctx, logger = applyCorrelation(ctx, logger, span)
		w.Header().Set(correlation.Header, correlation.ID(ctx))
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(convertCoreError(err), &httpErr) {
					span.SetAttributes(
						attribute.String("arstotzka.error_code", httpErr.Code),
						attribute.Int("arstotzka.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := loggingutil.FromContext(ctx, h.logger)
	var httpErr httpError
	if errors.As(convertCoreError(err), &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: api.CodeInternal,
		Detail:    err.Error(),
	})
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}
