// Package logging holds small helpers around pslog shared by every package.
package logging

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the key used for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Ensure returns l, or a no-op logger when l is nil.
func Ensure(l pslog.Logger) pslog.Logger {
	if l == nil {
		return pslog.NoopLogger()
	}
	return l
}

// WithSubsystem attaches a dot-delimited subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
