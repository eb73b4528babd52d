package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// TrainLoss is the wide and deep loss of the last training step.
	TrainLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "widedeep_train_loss",
			Help: "Loss of the last training step",
		},
		[]string{"part"},
	)

	// TrainStepsTotal counts completed training steps.
	TrainStepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "widedeep_train_steps_total",
			Help: "Total number of training steps",
		},
	)

	// TrainEpoch is the current 1-based epoch.
	TrainEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "widedeep_train_epoch",
			Help: "Current training epoch",
		},
	)

	// StepDuration tracks the latency of a single training step.
	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "widedeep_step_duration_seconds",
			Help:    "Duration of training steps in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// EvalAUC is the AUC of the last evaluation pass.
	EvalAUC = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "widedeep_eval_auc",
			Help: "AUC of the last evaluation",
		},
	)

	// EvalDuration tracks the latency of full evaluation passes.
	EvalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "widedeep_eval_duration_seconds",
			Help:    "Duration of evaluation passes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)
)

// RecordStep records the outcome of a training step.
func RecordStep(wideLoss, deepLoss float64, duration time.Duration) {
	TrainLoss.WithLabelValues("wide").Set(wideLoss)
	TrainLoss.WithLabelValues("deep").Set(deepLoss)
	TrainStepsTotal.Inc()
	StepDuration.Observe(duration.Seconds())
}

// RecordEval records the outcome of an evaluation pass.
func RecordEval(auc float64, duration time.Duration) {
	EvalAUC.Set(auc)
	EvalDuration.Observe(duration.Seconds())
}

// Serve exposes the default registry on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
