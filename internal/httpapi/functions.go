package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/core"
	"github.com/MapColonies/arstotzka/internal/correlation"
)

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		logger = logger.With("cid", id)
		if span != nil {
			span.SetAttributes(attribute.String("arstotzka.correlation_id", id))
		}
	}
	return pslog.ContextWithLogger(ctx, logger), logger
}

// convertCoreError maps transport-neutral core failures onto HTTP-aware errors.
func convertCoreError(err error) error {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var failure core.Failure
	if errors.As(err, &failure) {
		status := failure.HTTPStatus
		if status == 0 {
			status = core.StatusFor(failure.Code)
		}
		return httpError{Status: status, Code: failure.Code, Detail: failure.Detail}
	}
	if code := core.CodeOf(err); code != "" {
		return httpError{Status: core.StatusFor(code), Code: code, Detail: err.Error()}
	}
	return err
}

func invalid(format string, args ...any) httpError {
	return httpError{Status: http.StatusBadRequest, Code: api.CodeInvalidRequest, Detail: fmt.Sprintf(format, args...)}
}
