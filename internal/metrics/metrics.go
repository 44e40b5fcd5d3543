// Package metrics exposes prometheus instrumentation for the pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Ingest result labels.
const (
	ResultInserted  = "inserted"
	ResultDuplicate = "duplicate"
	ResultDropped   = "dropped"
)

// Backup run status labels.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics holds the pipeline's collectors on a private registry.
type Metrics struct {
	Ingest         *prometheus.CounterVec
	FeedReconnects prometheus.Counter
	BackupRuns     *prometheus.CounterVec
	BackupDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers the pipeline collectors.
func New() *Metrics {
	m := &Metrics{
		Ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ambientlog_measurements_total",
			Help: "Measurements processed by the ingestion path, by result.",
		}, []string{"result"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ambientlog_feed_reconnects_total",
			Help: "Realtime feed reconnect cycles.",
		}),
		BackupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ambientlog_backup_runs_total",
			Help: "Backup runs, by status.",
		}, []string{"status"}),
		BackupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ambientlog_backup_duration_seconds",
			Help:    "Duration of backup runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(m.Ingest, m.FeedReconnects, m.BackupRuns, m.BackupDuration)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a metrics HTTP listener on addr until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("Serving metrics")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
