// Package backup creates consistent snapshots of the measurement store and
// manages them in remote blob storage under a tiered retention policy.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ambientlog/ambientlog/internal/metrics"
	"github.com/ambientlog/ambientlog/internal/models"
)

// Snapshotter produces a hot copy of the live store. Satisfied by
// *database.SQLiteRepo.
type Snapshotter interface {
	Snapshot(ctx context.Context, destPath string) error
	Path() string
}

// Manager owns the remote backup objects: it creates, enumerates, restores
// and deletes them. Backups are immutable once uploaded; cleanup is
// delete-only.
type Manager struct {
	store    ObjectStore
	snap     Snapshotter
	prefix   string
	daysKept int
	tmpDir   string
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	// mu serializes runs; the scheduler never overlaps them, but ad-hoc
	// one-shot invocations must not race a scheduled run either.
	mu sync.Mutex
}

// NewManager creates a backup manager. dailyRetentionDays is the size of
// the keep-everything window; tmpDir holds snapshots while they upload
// (defaults to the system temp directory).
func NewManager(store ObjectStore, snap Snapshotter, prefix string, dailyRetentionDays int, tmpDir string, m *metrics.Metrics, logger *logrus.Logger) *Manager {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &Manager{
		store:    store,
		snap:     snap,
		prefix:   prefix,
		daysKept: dailyRetentionDays,
		tmpDir:   tmpDir,
		metrics:  m,
		logger:   logger,
	}
}

// Run takes a hot snapshot of the store and uploads it under a
// timestamp-embedding key. On upload failure the local snapshot is kept on
// disk so the failure can be inspected; the next scheduled run retries
// independently with a fresh snapshot.
func (m *Manager) Run(ctx context.Context) (models.BackupObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	obj, err := m.run(ctx)
	if err != nil {
		m.metrics.BackupRuns.WithLabelValues(metrics.StatusFailure).Inc()
		return models.BackupObject{}, err
	}
	m.metrics.BackupRuns.WithLabelValues(metrics.StatusSuccess).Inc()
	m.metrics.BackupDuration.Observe(time.Since(start).Seconds())
	return obj, nil
}

func (m *Manager) run(ctx context.Context) (models.BackupObject, error) {
	runID := uuid.NewString()
	now := time.Now().UTC()
	filename := fmt.Sprintf("weather_%s.db", now.Format("20060102_150405"))
	key := m.prefix + filename
	snapPath := filepath.Join(m.tmpDir, filename)

	log := m.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"key":    key,
	})
	log.Info("Starting backup")

	start := time.Now()
	if err := m.snap.Snapshot(ctx, snapPath); err != nil {
		return models.BackupObject{}, fmt.Errorf("snapshot failed: %w", err)
	}

	info, err := os.Stat(snapPath)
	if err != nil {
		return models.BackupObject{}, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	f, err := os.Open(snapPath)
	if err != nil {
		return models.BackupObject{}, fmt.Errorf("failed to open snapshot: %w", err)
	}

	if err := m.store.Upload(ctx, key, f); err != nil {
		f.Close()
		log.WithError(err).WithField("snapshot", snapPath).Error("Backup upload failed, keeping local snapshot")
		return models.BackupObject{}, fmt.Errorf("upload failed: %w", err)
	}
	f.Close()

	if err := os.Remove(snapPath); err != nil {
		log.WithError(err).Warn("Failed to remove local snapshot after upload")
	}

	obj := models.BackupObject{Key: key, Size: info.Size(), LastModified: now}
	log.WithFields(logrus.Fields{
		"size_bytes": obj.Size,
		"duration":   time.Since(start).String(),
	}).Info("Backup uploaded")
	return obj, nil
}

// List returns all backups under the configured prefix, ordered by
// creation time ascending.
func (m *Manager) List(ctx context.Context) ([]models.BackupObject, error) {
	return m.store.List(ctx, m.prefix)
}

// Restore downloads the named backup to destPath. It refuses to write over
// the live store file.
func (m *Manager) Restore(ctx context.Context, key, destPath string) error {
	liveAbs, err := filepath.Abs(m.snap.Path())
	if err != nil {
		return err
	}
	destAbs, err := filepath.Abs(destPath)
	if err != nil {
		return err
	}
	if destAbs == liveAbs {
		return fmt.Errorf("refusing to restore over the live database %s", liveAbs)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create restore target: %w", err)
	}
	defer f.Close()

	if err := m.store.Download(ctx, key, f); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"key":  key,
		"dest": destPath,
	}).Info("Backup restored")
	return nil
}

// ApplyRetention sweeps the backup set under the tiered policy and returns
// the keys it deleted. A failed delete is logged and skipped; the next
// sweep sees the object again.
func (m *Manager) ApplyRetention(ctx context.Context, now time.Time) ([]string, error) {
	objects, err := m.store.List(ctx, m.prefix)
	if err != nil {
		return nil, err
	}

	keep, remove := partitionByRetention(objects, now, m.daysKept)

	var deleted []string
	for _, obj := range remove {
		if err := m.store.Delete(ctx, obj.Key); err != nil {
			m.logger.WithError(err).WithField("key", obj.Key).Warn("Failed to delete expired backup")
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"key":     obj.Key,
			"created": obj.LastModified,
		}).Info("Deleted redundant backup")
		deleted = append(deleted, obj.Key)
	}

	m.logger.WithFields(logrus.Fields{
		"kept":    len(keep),
		"deleted": len(deleted),
	}).Info("Retention sweep complete")
	return deleted, nil
}
