package core

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MapColonies/arstotzka/api"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or any other protocol.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// ErrorCode exposes the kind so remote and local errors compare the same way.
func (f Failure) ErrorCode() string { return f.Code }

type coded interface {
	ErrorCode() string
}

// CodeOf returns the error kind carried by err, or "" when err has none.
func CodeOf(err error) string {
	var c coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// IsCode reports whether err carries the given kind.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// StatusFor returns the default HTTP status for a kind.
func StatusFor(code string) int {
	switch code {
	case api.CodeServiceNotFound, api.CodeLockNotFound, api.CodeActionNotFound:
		return http.StatusNotFound
	case api.CodeServiceAlreadyLocked, api.CodeActiveBlockingActions, api.CodeActionAlreadyClosed,
		api.CodeParallelismMismatch, api.CodeServiceIsActive, api.CodeServiceUnaccessible:
		return http.StatusConflict
	case api.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// asFailure converts coded errors from remote adapters into a Failure so the
// HTTP layer handles local and remote outcomes uniformly.
func asFailure(err error) error {
	if err == nil {
		return nil
	}
	var f Failure
	if errors.As(err, &f) {
		return f
	}
	if code := CodeOf(err); code != "" {
		return Failure{Code: code, Detail: err.Error(), HTTPStatus: StatusFor(code)}
	}
	return err
}

func fail(code, format string, args ...any) Failure {
	return Failure{Code: code, Detail: fmt.Sprintf(format, args...), HTTPStatus: StatusFor(code)}
}
