package correlation

import (
	"context"
	"strings"

	"github.com/MapColonies/arstotzka/internal/uuidv7"
)

// Header carries the correlation id on HTTP requests and responses.
const Header = "X-Correlation-Id"

// MaxIDLength is the longest correlation id accepted from callers.
const MaxIDLength = 128

type contextKey struct{}

// Set returns a copy of ctx carrying id. Invalid ids leave ctx untouched.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation id.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a fresh correlation id.
func Generate() string {
	return uuidv7.NewString()
}
