package svcfields

import (
	"strings"

	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/internal/loggingutil"
)

// SubsystemKey is the log key carrying the dotted subsystem path.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry of logger with subsystem.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = loggingutil.EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
