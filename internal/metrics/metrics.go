package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Generation outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
)

var (
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedassist_generations_total",
		Help: "Chat generations by outcome",
	}, []string{"outcome"})

	StreamChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedassist_stream_chunks_total",
		Help: "Streamed output chunks received from the backend",
	})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fedassist_generation_duration_seconds",
		Help:    "Wall time of a single streamed generation",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	TriggerHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedassist_trigger_hits_total",
		Help: "Static recommendation rules fired, by rule",
	}, []string{"rule"})

	HistoryClearsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedassist_history_clears_total",
		Help: "Times the conversation history was cleared",
	})

	AdapterSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedassist_adapter_saves_total",
		Help: "Adapter weight saves by outcome",
	}, []string{"outcome"})

	AdapterTrainableParams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fedassist_adapter_trainable_params",
		Help: "Trainable parameter count of the last wrapped model",
	})
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Metrics server shutdown failed", "error", err)
		}
	}()

	slog.Info("Metrics serving", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
