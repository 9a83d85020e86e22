package audithook

import (
	"context"
	"log/slog"
)

// LogRecorder returns a Recorder that writes each event as one structured
// log line: info severity logs at info level, anything higher at warn.
func LogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, event *AuditEvent) error {
		level := slog.LevelInfo
		if event.Severity != SeverityInfo {
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("action", event.Action),
			slog.String("resource", event.Resource),
			slog.String("category", event.Category),
			slog.String("outcome", event.Outcome),
			slog.String("severity", event.Severity),
		}
		if event.ResourceID != "" {
			attrs = append(attrs, slog.String("resource_id", event.ResourceID))
		}
		if event.TenantID != "" {
			attrs = append(attrs, slog.String("tenant_id", event.TenantID))
		}
		if event.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.Reason))
		}
		if len(event.Metadata) > 0 {
			attrs = append(attrs, slog.Any("metadata", event.Metadata))
		}

		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}
