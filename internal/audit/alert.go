package audit

import (
	"context"
	"log/slog"

	"github.com/kshalu/fraudscope/internal/metrics"
)

// Alerter raises an operational alert. Implementations must not block.
type Alerter interface {
	Alert(ctx context.Context, reason string, rec *Record, err error)
}

// LogAlerter logs at error level and counts the alert.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(ctx context.Context, reason string, rec *Record, err error) {
	metrics.AuditAlertsTotal.WithLabelValues(reason).Inc()
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"alert", reason, "error", err}
	if rec != nil {
		attrs = append(attrs, "record_id", rec.ID, "stream", rec.Stream, "sequence", rec.Sequence)
		if rec.Transaction != nil {
			attrs = append(attrs, "transaction_id", rec.Transaction.ID)
		}
	}
	logger.ErrorContext(ctx, "audit alert", attrs...)
}
