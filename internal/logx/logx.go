// Package logx holds small helpers around pslog shared by the service packages.
package logx

import (
	"context"
	"io"

	"pkt.systems/pslog"
)

// Discard returns a logger that drops everything.
func Discard() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

// Component scopes logger to a named component. A nil logger yields a
// discarding one so constructors can accept nil in tests.
func Component(logger pslog.Logger, name string) pslog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With("component", name)
}

// Ctx returns the logger bound to ctx.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithProject annotates the logger with a project id when available.
func WithProject(log pslog.Logger, projectID string) pslog.Logger {
	if projectID != "" {
		log = log.With("project_id", projectID)
	}
	return log
}

// WithConn annotates the logger with connection and user identifiers.
func WithConn(log pslog.Logger, connID, userID string) pslog.Logger {
	if connID != "" {
		log = log.With("conn_id", connID)
	}
	if userID != "" {
		log = log.With("user_id", userID)
	}
	return log
}
