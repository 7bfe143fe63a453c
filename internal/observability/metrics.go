// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// ServeMetrics exposes handler at addr/metrics until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// PipelineMetrics holds the pipeline's instruments.
type PipelineMetrics struct {
	commits        otelmetric.Int64Counter
	stageDuration  otelmetric.Float64Histogram
	isolationsLive otelmetric.Int64UpDownCounter
}

// NewPipelineMetrics creates the instruments on the global meter provider.
// Call it after InitMetrics so the instruments reach the exporter.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter(TracerName)

	commits, err := meter.Int64Counter("memtracker_commits_total",
		otelmetric.WithDescription("Commits processed, by outcome"))
	if err != nil {
		return nil, err
	}
	stageDuration, err := meter.Float64Histogram("memtracker_stage_duration_seconds",
		otelmetric.WithDescription("Wall time per pipeline stage"),
		otelmetric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	live, err := meter.Int64UpDownCounter("memtracker_isolations_live",
		otelmetric.WithDescription("Build isolations currently acquired"))
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		commits:        commits,
		stageDuration:  stageDuration,
		isolationsLive: live,
	}, nil
}

// CommitFinished counts one commit with outcome "success" or "failure".
func (m *PipelineMetrics) CommitFinished(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.commits.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}

// StageFinished records how long a stage ran.
func (m *PipelineMetrics) StageFinished(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.Record(ctx, d.Seconds(), otelmetric.WithAttributes(attribute.String("stage", stage)))
}

// IsolationAcquired and IsolationReleased track live isolations.
func (m *PipelineMetrics) IsolationAcquired(ctx context.Context) {
	if m == nil {
		return
	}
	m.isolationsLive.Add(ctx, 1)
}

func (m *PipelineMetrics) IsolationReleased(ctx context.Context) {
	if m == nil {
		return
	}
	m.isolationsLive.Add(ctx, -1)
}
