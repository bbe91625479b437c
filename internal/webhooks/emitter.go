package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/txrisk/internal/idgen"
	"github.com/mbd888/txrisk/internal/risk"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrisk",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by severity.",
	}, []string{"severity"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrisk",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by severity.",
	}, []string{"severity"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Sink adapts a Dispatcher to risk.EventSink. Deliveries are asynchronous;
// Publish only fails when subscribers cannot be looked up.
type Sink struct {
	d      *Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

// NewSink creates a webhook-backed event sink.
func NewSink(d *Dispatcher, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{d: d, logger: logger, now: time.Now}
}

// Publish implements risk.EventSink.
func (s *Sink) Publish(ctx context.Context, ev *risk.RiskUpdateEvent) error {
	if s == nil || s.d == nil || ev == nil {
		return nil
	}
	webhookEmitTotal.WithLabelValues(ev.Severity).Inc()

	event := &Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      EventRiskUpdated,
		Timestamp: s.now().UTC(),
		Data:      ev,
	}
	if err := s.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(ev.Severity).Inc()
		s.logger.Warn("webhook emit failed", "user_id", ev.UserID, "severity", ev.Severity, "error", err)
		return err
	}
	return nil
}

var _ risk.EventSink = (*Sink)(nil)
