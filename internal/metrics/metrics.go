// Package metrics exposes the pipeline's Prometheus instruments and its
// OpenTelemetry tracer. Instruments are registered on the default registry
// at init; serving them is the embedding process's concern.
package metrics

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/loom/internal/graph"
)

var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_events_processed_total",
		Help: "Events pulled from source feeds, by terminal status.",
	}, []string{"source", "status"})

	MutationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_mutations_applied_total",
		Help: "Mutation intents applied to the graph, by entity kind and outcome.",
	}, []string{"kind", "outcome"})

	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loom_apply_duration_seconds",
		Help:    "Time to apply one mutation intent, dependency holds included.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	CacheSync = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_cache_sync_total",
		Help: "Cache synchronization outcomes, by policy applied and status.",
	}, []string{"policy", "status"})

	Quarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_quarantine_total",
		Help: "Events dead-lettered to quarantine, by reason.",
	}, []string{"reason"})

	SourceDegraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loom_source_degraded",
		Help: "1 while a source is degraded after repeated batch failures.",
	}, []string{"source"})

	MigrationPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loom_migration_phase",
		Help: "Current lifecycle phase of each known migration, as an ordinal (-1 when failed).",
	}, []string{"migration"})

	BackfillEntities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_backfill_entities_total",
		Help: "Entities copied into a new representation during backfill.",
	}, []string{"migration"})

	FeedPollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loom_feed_poll_duration_seconds",
		Help:    "Time to poll one source feed page.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"source"})
)

// Tracer is the pipeline-wide tracer. Spans wrap feed polls, applies, and
// backfill sweeps.
var Tracer = otel.Tracer("loom.pipeline")

// phaseOrdinals maps migration phases onto the gauge scale. Failed sits
// below Pending so dashboards can alert on negative values.
var phaseOrdinals = map[graph.Phase]float64{
	graph.PhaseFailed:      -1,
	graph.PhasePending:     0,
	graph.PhaseDualWrite:   1,
	graph.PhaseBackfilling: 2,
	graph.PhaseCutOver:     3,
	graph.PhaseCleanup:     4,
	graph.PhaseDone:        5,
}

// SetMigrationPhase records a migration's current phase on the phase gauge.
func SetMigrationPhase(id string, phase graph.Phase) {
	MigrationPhase.WithLabelValues(id).Set(phaseOrdinals[phase])
}

// LoggerWithTrace returns logger with trace_id and span_id attributes when
// ctx carries a valid span context, so log lines correlate with traces.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}
