package session

import (
	"context"
	"log/slog"
)

// AuditSink receives storage failures that are hidden from the host.
type AuditSink interface {
	Record(ctx context.Context, err *StorageError)
}

// AuditFunc adapts a function to AuditSink.
type AuditFunc func(ctx context.Context, err *StorageError)

func (f AuditFunc) Record(ctx context.Context, err *StorageError) {
	f(ctx, err)
}

// SlogAuditSink writes failures at error level.
type SlogAuditSink struct {
	Logger *slog.Logger
}

func (s SlogAuditSink) Record(ctx context.Context, err *StorageError) {
	s.Logger.ErrorContext(ctx, "session storage failure",
		"op", err.Op,
		"application", err.Key.Application,
		"session", err.Key.SessionID,
		"error", err.Err,
	)
}
