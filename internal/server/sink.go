package server

import (
	"context"
	"io"
	"log/slog"

	"github.com/skillgate/skillgate/internal/audit"
	"github.com/skillgate/skillgate/internal/enforce"
	"github.com/skillgate/skillgate/internal/events"
	"github.com/skillgate/skillgate/internal/metrics"
	"github.com/skillgate/skillgate/pkg/types"
)

// DecisionSink fans each audit record out to the durable log, the live
// broker and the metrics collector. The log append is synchronous; a failed
// append is logged but never blocks the decision.
func DecisionSink(auditLog audit.Store, broker *events.Broker, collector *metrics.Collector, log *slog.Logger) enforce.Sink {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return enforce.SinkFunc(func(ctx context.Context, rec types.AuditRecord) {
		if auditLog != nil {
			if err := auditLog.Append(ctx, rec); err != nil {
				log.Error("audit append failed", "record_id", rec.ID, "error", err)
			}
		}
		if broker != nil {
			broker.Publish(rec)
		}
		collector.IncDecision(rec.ExtensionID, rec.Allowed)
	})
}
