package logger

import (
	"context"
	"log/slog"
	"time"

	"github.com/merchward/bastion/internal/models"
)

// EventSink persists security events and serves them back for the account
// activity view.
type EventSink interface {
	Record(ctx context.Context, event *models.SecurityEvent) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.SecurityEvent, error)
}

// SecurityLogger emits structured security events to slog and, when a sink is
// configured, to durable storage. Events never contain raw secrets.
type SecurityLogger struct {
	logger *slog.Logger
	sink   EventSink
}

// NewSecurityLogger creates a security logger. sink may be nil.
func NewSecurityLogger(logger *slog.Logger, sink EventSink) *SecurityLogger {
	return &SecurityLogger{
		logger: logger,
		sink:   sink,
	}
}

// Emit records a security event. Sink failures are logged and swallowed; the
// authority's decision must not depend on the audit path.
func (sl *SecurityLogger) Emit(ctx context.Context, event *models.SecurityEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.String("event_type", event.EventType),
		slog.String("outcome", event.Outcome),
		slog.String("timestamp", event.CreatedAt.Format(time.RFC3339)),
	}
	if event.AccountID != nil {
		attrs = append(attrs, slog.String("account_id", *event.AccountID))
	}
	if event.IPAddress != nil {
		attrs = append(attrs, slog.String("ip_address", *event.IPAddress))
	}
	if event.UserAgent != nil {
		attrs = append(attrs, slog.String("user_agent", *event.UserAgent))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	level := slog.LevelInfo
	switch {
	case event.EventType == models.EventCounterRegression:
		// Possible cloned authenticator: always high severity
		level = slog.LevelError
	case event.Outcome != models.OutcomeSuccess:
		level = slog.LevelWarn
	}

	sl.logger.LogAttrs(ctx, level, "audit", attrs...)

	if sl.sink != nil {
		if err := sl.sink.Record(ctx, event); err != nil {
			sl.logger.Error("failed to persist security event",
				slog.String("event_type", event.EventType),
				slog.Any("error", err))
		}
	}
}

// Recent returns the newest persisted events for an account, most recent
// first. Without a sink there is no history to serve.
func (sl *SecurityLogger) Recent(ctx context.Context, accountID string, limit int) ([]models.SecurityEvent, error) {
	if sl.sink == nil {
		return nil, nil
	}
	return sl.sink.ListByAccount(ctx, accountID, limit)
}
