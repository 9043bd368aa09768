package uuidv7

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a time-ordered UUIDv7 or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns the canonical string form of a new UUIDv7.
func NewString() string {
	return New().String()
}

// Valid reports whether s parses as a UUID of any version.
func Valid(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return uuid.Validate(s) == nil
}
