// Package monitor implements the Monitoring Surface: Prometheus gauges and
// counters describing queue depth, throughput, stuck-task counts, and
// per-batch progress, plus read-only projections the api package exposes
// over HTTP.
//
// Grounded on tracing/metrics.go's promauto-based Metrics struct, trimmed
// to the counters a document-batch orchestrator actually needs.
package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/prodogs/docbatch/cache"
	"github.com/prodogs/docbatch/workstore"
)

// Metrics holds the Monitoring Surface's Prometheus instruments. Only
// QueueDepth (via Snapshot), LastHourThroughput, ActiveTasks and
// BreakerOpen have update methods here; the Queue Processor and the
// recovery/staging services do not report into Metrics, so ResponsesTotal,
// DispatchDuration, StuckResponses, BatchesCompleted and BatchesFailed are
// registered but not updated by this repository.
type Metrics struct {
	QueueDepth         *prometheus.GaugeVec
	ResponsesTotal     *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	StuckResponses     prometheus.Counter
	BatchesCompleted   prometheus.Counter
	BatchesFailed      prometheus.Counter
	ActiveTasks        prometheus.Gauge
	BreakerOpen        *prometheus.GaugeVec
	LastHourThroughput prometheus.Gauge
}

// NewMetrics registers and returns the Monitoring Surface's instruments.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "docbatch"
	}

	return &Metrics{
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Responses currently in a given status, per batch.",
			},
			[]string{"batch_id", "status"},
		),
		ResponsesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_total",
				Help:      "Responses that have reached a terminal status.",
			},
			[]string{"status"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent dispatching one response to the LLM RPC.",
				Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider_type"},
		),
		StuckResponses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_responses_reaped_total",
			Help:      "Responses the reaper marked TIMEOUT or the recovery pass marked FAILED.",
		}),
		BatchesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_completed_total",
			Help:      "Batches that reached COMPLETED via fan-in.",
		}),
		BatchesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_staging_total",
			Help:      "Batches that landed in FAILED_STAGING.",
		}),
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "In-flight dispatches currently tracked by the active-task mirror.",
		}),
		BreakerOpen: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_open",
				Help:      "1 if a connection's circuit breaker is currently open, else 0.",
			},
			[]string{"connection_id"},
		),
		LastHourThroughput: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "completions_last_hour",
			Help:      "Responses that reached COMPLETED within the trailing hour, system-wide.",
		}),
	}
}

// RecordLastHourThroughput recomputes and publishes the system-wide
// last-hour completion throughput (§4.9), one of the Monitoring Surface's
// system-wide projections alongside queue depth and stuck-PROCESSING count.
func (m *Metrics) RecordLastHourThroughput(ctx context.Context, workDB *workstore.DB) (int64, error) {
	n, err := workDB.CountCompletedSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return 0, err
	}
	m.LastHourThroughput.Set(float64(n))
	return n, nil
}

// BatchProgress is the read-only per-batch projection the api package
// serializes for GET /queue/status?batch_id=N.
type BatchProgress struct {
	BatchID         uint                     `json:"batch_id"`
	Counts          workstore.ResponseCounts `json:"counts"`
	PercentComplete float64                  `json:"percent_complete"`
}

// Snapshot loads a batch's current response counts, records them into the
// queue-depth gauge, and returns the progress projection.
func (m *Metrics) Snapshot(ctx context.Context, workDB *workstore.DB, batchID uint) (BatchProgress, error) {
	counts, err := workDB.CountResponsesByStatus(ctx, batchID)
	if err != nil {
		return BatchProgress{}, err
	}

	batchLabel := formatBatchID(batchID)
	m.QueueDepth.WithLabelValues(batchLabel, workstore.StatusQueued).Set(float64(counts.Queued))
	m.QueueDepth.WithLabelValues(batchLabel, workstore.StatusProcessing).Set(float64(counts.Processing))
	m.QueueDepth.WithLabelValues(batchLabel, workstore.StatusCompleted).Set(float64(counts.Completed))
	m.QueueDepth.WithLabelValues(batchLabel, workstore.StatusFailed).Set(float64(counts.Failed))
	m.QueueDepth.WithLabelValues(batchLabel, workstore.StatusTimeout).Set(float64(counts.Timeout))

	var pct float64
	if counts.Total() > 0 {
		pct = float64(counts.Terminal()) / float64(counts.Total()) * 100
	}
	return BatchProgress{BatchID: batchID, Counts: counts, PercentComplete: pct}, nil
}

// RecordActiveTasks mirrors the cache package's active-task count into the
// gauge, so a horizontally-scaled Monitoring Surface reader never has to
// query every processor instance directly.
func (m *Metrics) RecordActiveTasks(ctx context.Context, active *cache.ActiveTasks) error {
	n, err := active.Count(ctx)
	if err != nil {
		return err
	}
	m.ActiveTasks.Set(float64(n))
	return nil
}

// RecordBreakerState updates the open-circuit gauge for one connection.
func (m *Metrics) RecordBreakerState(connectionID uint, state cache.State) {
	v := 0.0
	if state == cache.StateOpen {
		v = 1.0
	}
	m.BreakerOpen.WithLabelValues(formatBatchID(connectionID)).Set(v)
}

func formatBatchID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
