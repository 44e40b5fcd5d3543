// Package collector wires an ingestion path to the measurement store and
// manages the run lifecycle of the pipeline.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/ambientlog/ambientlog/internal/api"
	"github.com/ambientlog/ambientlog/internal/database"
	"github.com/ambientlog/ambientlog/internal/metrics"
	"github.com/ambientlog/ambientlog/internal/models"
	"github.com/ambientlog/ambientlog/internal/realtime"
)

// recentKeyCacheSize bounds the dedup-key cache. The cache only
// short-circuits storms of repeated payloads; the store's unique
// constraint remains the source of truth.
const recentKeyCacheSize = 1024

// Feed is the push ingestion path. Satisfied by *realtime.FeedClient.
type Feed interface {
	Run(ctx context.Context) error
	Events() <-chan realtime.Event
}

// Puller is the pull ingestion path. Satisfied by *api.RateLimitedClient.
type Puller interface {
	FetchLatest(ctx context.Context, deviceID string) (*models.Measurement, error)
}

// Stats counts what the ingestion path observed during a run.
type Stats struct {
	Inserted   int64
	Duplicates int64
	Dropped    int64
}

// Options configures a Service. Exactly one of Feed and Puller is used:
// Feed when non-nil, otherwise Puller on PollInterval.
type Options struct {
	Feed         Feed
	Puller       Puller
	DeviceID     string
	DeviceName   string
	PollInterval time.Duration
}

// Service runs one ingestion path into the measurement store until its
// context is canceled or the store reports an unrecoverable condition.
type Service struct {
	repo    database.MeasurementRepository
	opts    Options
	recent  *lru.Cache
	metrics *metrics.Metrics
	logger  *logrus.Logger

	inserted   atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

// New creates a collector service.
func New(repo database.MeasurementRepository, opts Options, m *metrics.Metrics, logger *logrus.Logger) (*Service, error) {
	if opts.Feed == nil && opts.Puller == nil {
		return nil, errors.New("collector needs a feed or a pull client")
	}
	cache, err := lru.New(recentKeyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		repo:    repo,
		opts:    opts,
		recent:  cache,
		metrics: m,
		logger:  logger,
	}, nil
}

// Stats returns the counters observed so far.
func (s *Service) Stats() Stats {
	return Stats{
		Inserted:   s.inserted.Load(),
		Duplicates: s.duplicates.Load(),
		Dropped:    s.dropped.Load(),
	}
}

// Run ingests until ctx is canceled. The only error it returns on its own
// is storage exhaustion, which must stop the process.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		st := s.Stats()
		s.logger.WithFields(logrus.Fields{
			"inserted":   st.Inserted,
			"duplicates": st.Duplicates,
			"dropped":    st.Dropped,
		}).Info("Ingestion finished")
	}()

	if s.opts.DeviceName != "" {
		if err := s.repo.UpsertDevice(ctx, models.Device{
			DeviceID: s.opts.DeviceID,
			Name:     s.opts.DeviceName,
		}); err != nil {
			s.logger.WithError(err).Warn("Failed to record device metadata")
		}
	}

	if s.opts.Feed != nil {
		return s.runFeed(ctx)
	}
	return s.runPoller(ctx)
}

// runFeed drains the push-feed channel. The feed owns its own reconnect
// protocol; the collector only observes state transitions.
func (s *Service) runFeed(ctx context.Context) error {
	feedDone := make(chan error, 1)
	go func() {
		feedDone <- s.opts.Feed.Run(ctx)
	}()

	for ev := range s.opts.Feed.Events() {
		if ev.Measurement == nil {
			if ev.State == realtime.StateReconnecting {
				s.metrics.FeedReconnects.Inc()
			}
			s.logger.WithField("state", ev.State.String()).Debug("Feed state changed")
			continue
		}
		if err := s.ingest(ctx, ev.Measurement); err != nil {
			return err
		}
	}
	return <-feedDone
}

// runPoller is the legacy pull path: fetch the latest reading once per
// poll interval. The client's own rate floor still applies underneath.
func (s *Service) runPoller(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		m, err := s.opts.Puller.FetchLatest(ctx, s.opts.DeviceID)
		switch {
		case err == nil:
			if err := s.ingest(ctx, m); err != nil {
				return err
			}
		case errors.Is(err, api.ErrNoData):
			s.logger.WithField("device_id", s.opts.DeviceID).Debug("No data available yet")
		case ctx.Err() != nil:
			return nil
		default:
			// The client already logged and classified it; polling
			// continues on the next tick regardless.
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ingest writes one measurement. Duplicates are a defined no-op, not an
// error; only storage exhaustion propagates.
func (s *Service) ingest(ctx context.Context, m *models.Measurement) error {
	key := m.Key()
	if s.recent.Contains(key) {
		// The insert is skipped, but a duplicate is still station contact;
		// last_seen advances the same way the store's own insert path
		// advances it.
		if err := s.repo.UpsertDevice(ctx, models.Device{
			DeviceID: m.DeviceID,
			LastSeen: m.Timestamp,
		}); err != nil {
			s.logger.WithError(err).Warn("Failed to update device last_seen")
		}
		s.duplicates.Add(1)
		s.metrics.Ingest.WithLabelValues(metrics.ResultDuplicate).Inc()
		return nil
	}

	id, inserted, err := s.repo.InsertMeasurement(ctx, m)
	if err != nil {
		if errors.Is(err, database.ErrDiskFull) {
			return fmt.Errorf("unrecoverable store failure: %w", err)
		}
		s.dropped.Add(1)
		s.metrics.Ingest.WithLabelValues(metrics.ResultDropped).Inc()
		s.logger.WithError(err).Error("Failed to store measurement")
		return nil
	}

	s.recent.Add(key, struct{}{})
	if !inserted {
		s.duplicates.Add(1)
		s.metrics.Ingest.WithLabelValues(metrics.ResultDuplicate).Inc()
		s.logger.WithFields(logrus.Fields{
			"timestamp": m.Timestamp.Format(time.RFC3339),
			"device_id": m.DeviceID,
		}).Debug("Duplicate measurement skipped")
		return nil
	}

	s.inserted.Add(1)
	s.metrics.Ingest.WithLabelValues(metrics.ResultInserted).Inc()
	s.logger.WithFields(logrus.Fields{
		"row_id":    id,
		"timestamp": m.Timestamp.Format(time.RFC3339),
		"device_id": m.DeviceID,
	}).Debug("Stored measurement")
	return nil
}
