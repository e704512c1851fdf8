package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// analysisDurationBuckets covers 1s to 10m; a single analysis spans a
// download, four collectors, and two document writes.
var analysisDurationBuckets = []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// PipelineMetrics holds the prometheus instruments for the analysis pipeline.
type PipelineMetrics struct {
	registry *prometheus.Registry

	// AnalysesTotal counts finished analyses by outcome ("ok", "error")
	// and error kind (empty on success).
	AnalysesTotal *prometheus.CounterVec

	// AnalysisDuration observes end-to-end analysis latency.
	AnalysisDuration prometheus.Histogram

	// CollectorFailures counts collector failures by collector name and kind.
	CollectorFailures *prometheus.CounterVec

	// QueueMessages counts consumed messages by result
	// ("ack", "requeue", "drop", "skip").
	QueueMessages *prometheus.CounterVec

	// ObserverFlushes counts realtime observer buffer flushes.
	ObserverFlushes prometheus.Counter

	// ObserverBufferSize tracks the current realtime buffer fill.
	ObserverBufferSize prometheus.Gauge

	// CheckpointConflicts counts optimistic-concurrency conflicts on the
	// seq checkpoint; a non-zero rate indicates two observers running.
	CheckpointConflicts prometheus.Counter
}

// NewPipelineMetrics creates and registers the pipeline instruments on a
// fresh registry.
func NewPipelineMetrics() *PipelineMetrics {
	reg := prometheus.NewRegistry()

	pm := &PipelineMetrics{
		registry: reg,
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "npmlens_analyses_total",
			Help: "Finished analyses by outcome and error kind.",
		}, []string{"outcome", "kind"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "npmlens_analysis_duration_seconds",
			Help:    "End-to-end analysis latency.",
			Buckets: analysisDurationBuckets,
		}),
		CollectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "npmlens_collector_failures_total",
			Help: "Collector failures by collector and kind.",
		}, []string{"collector", "kind"}),
		QueueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "npmlens_queue_messages_total",
			Help: "Consumed queue messages by result.",
		}, []string{"result"}),
		ObserverFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "npmlens_observer_flushes_total",
			Help: "Realtime observer buffer flushes.",
		}),
		ObserverBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "npmlens_observer_buffer_size",
			Help: "Current realtime observer buffer fill.",
		}),
		CheckpointConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "npmlens_checkpoint_conflicts_total",
			Help: "Optimistic-concurrency conflicts on the seq checkpoint.",
		}),
	}

	reg.MustRegister(
		pm.AnalysesTotal,
		pm.AnalysisDuration,
		pm.CollectorFailures,
		pm.QueueMessages,
		pm.ObserverFlushes,
		pm.ObserverBufferSize,
		pm.CheckpointConflicts,
	)

	return pm
}

// ObserveAnalysis records one finished analysis.
func (pm *PipelineMetrics) ObserveAnalysis(outcome, kind string, elapsed time.Duration) {
	pm.AnalysesTotal.WithLabelValues(outcome, kind).Inc()
	pm.AnalysisDuration.Observe(elapsed.Seconds())
}

// ObserveBufferSize tracks the realtime observer buffer fill.
func (pm *PipelineMetrics) ObserveBufferSize(n int) {
	pm.ObserverBufferSize.Set(float64(n))
}

// ObserveFlush records one realtime observer flush.
func (pm *PipelineMetrics) ObserveFlush() {
	pm.ObserverFlushes.Inc()
}

// ObserveCheckpointConflict records a checkpoint advanced by another
// writer, the signature of two observers running.
func (pm *PipelineMetrics) ObserveCheckpointConflict() {
	pm.CheckpointConflicts.Inc()
}

// ObserveQueueMessage records one consumed message by result.
func (pm *PipelineMetrics) ObserveQueueMessage(result string) {
	pm.QueueMessages.WithLabelValues(result).Inc()
}

// ObserveCollectorFailure records one degraded collector slice.
func (pm *PipelineMetrics) ObserveCollectorFailure(collector, kind string) {
	pm.CollectorFailures.WithLabelValues(collector, kind).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
// A nil error is returned on graceful shutdown.
func (pm *PipelineMetrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}
