package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambientlog/ambientlog/internal/metrics"
	"github.com/ambientlog/ambientlog/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeStore is an in-memory ObjectStore.
type fakeStore struct {
	mu        sync.Mutex
	objects   map[string]fakeObject
	uploadErr error
	deleteErr error
	deleted   []string
}

type fakeObject struct {
	body    []byte
	created time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]fakeObject{}}
}

func (s *fakeStore) Upload(ctx context.Context, key string, body io.Reader) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = fakeObject{body: data, created: time.Now().UTC()}
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Download(ctx context.Context, key string, w io.WriterAt) error {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return errors.New("no such key")
	}
	_, err := w.WriteAt(obj.body, 0)
	return err
}

func (s *fakeStore) List(ctx context.Context, prefix string) ([]models.BackupObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BackupObject
	for key, obj := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, models.BackupObject{
			Key:          key,
			Size:         int64(len(obj.body)),
			LastModified: obj.created,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastModified.Before(out[j].LastModified)
	})
	return out, nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	s.mu.Unlock()
	return nil
}

// fakeSnapshotter writes a fixed payload to the snapshot path.
type fakeSnapshotter struct {
	livePath string
	payload  []byte
	err      error
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context, destPath string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(destPath, f.payload, 0o644)
}

func (f *fakeSnapshotter) Path() string { return f.livePath }

func newTestManager(t *testing.T, store ObjectStore, snap Snapshotter) *Manager {
	t.Helper()
	return NewManager(store, snap, "weather-backups/", 45, t.TempDir(), metrics.New(), testLogger())
}

func TestRunUploadsSnapshot(t *testing.T) {
	store := newFakeStore()
	snap := &fakeSnapshotter{livePath: "/data/weather.db", payload: []byte("sqlite payload")}
	mgr := newTestManager(t, store, snap)

	obj, err := mgr.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(obj.Key, "weather-backups/weather_"))
	assert.True(t, strings.HasSuffix(obj.Key, ".db"))
	assert.Equal(t, int64(len(snap.payload)), obj.Size)

	stored, ok := store.objects[obj.Key]
	require.True(t, ok, "uploaded object missing from store")
	assert.Equal(t, snap.payload, stored.body)

	// The temp snapshot was cleaned up after the successful upload.
	entries, err := os.ReadDir(mgr.tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunKeepsSnapshotOnUploadFailure(t *testing.T) {
	store := newFakeStore()
	store.uploadErr = errors.New("connection reset")
	snap := &fakeSnapshotter{livePath: "/data/weather.db", payload: []byte("sqlite payload")}
	mgr := newTestManager(t, store, snap)

	_, err := mgr.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload failed")

	// The local snapshot survives for inspection.
	entries, err := os.ReadDir(mgr.tmpDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "weather_"))
}

func TestRunSnapshotFailure(t *testing.T) {
	store := newFakeStore()
	snap := &fakeSnapshotter{livePath: "/data/weather.db", err: errors.New("disk I/O error")}
	mgr := newTestManager(t, store, snap)

	_, err := mgr.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot failed")
	assert.Empty(t, store.objects)
}

func TestRestore(t *testing.T) {
	store := newFakeStore()
	payload := []byte("restored database bytes")
	store.objects["weather-backups/weather_20240101_020000.db"] = fakeObject{
		body:    payload,
		created: time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
	}
	snap := &fakeSnapshotter{livePath: "/data/weather.db"}
	mgr := newTestManager(t, store, snap)

	dest := filepath.Join(t.TempDir(), "restored.db")
	err := mgr.Restore(context.Background(), "weather-backups/weather_20240101_020000.db", dest)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRestoreRefusesLivePath(t *testing.T) {
	live := filepath.Join(t.TempDir(), "weather.db")
	store := newFakeStore()
	snap := &fakeSnapshotter{livePath: live}
	mgr := newTestManager(t, store, snap)

	err := mgr.Restore(context.Background(), "weather-backups/any.db", live)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live database")
}

func TestApplyRetentionDeletes(t *testing.T) {
	now := time.Date(2024, 8, 31, 2, 0, 0, 0, time.UTC)
	store := newFakeStore()
	add := func(key string, created time.Time) {
		store.objects["weather-backups/"+key] = fakeObject{body: []byte("x"), created: created}
	}
	add("weather_20240821_020000.db", time.Date(2024, 8, 21, 2, 0, 0, 0, time.UTC))
	add("weather_20240505_020000.db", time.Date(2024, 5, 5, 2, 0, 0, 0, time.UTC))
	add("weather_20240520_020000.db", time.Date(2024, 5, 20, 2, 0, 0, 0, time.UTC))

	snap := &fakeSnapshotter{livePath: "/data/weather.db"}
	mgr := newTestManager(t, store, snap)

	deleted, err := mgr.ApplyRetention(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"weather-backups/weather_20240520_020000.db"}, deleted)

	remaining, err := mgr.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"weather-backups/weather_20240505_020000.db",
		"weather-backups/weather_20240821_020000.db",
	}, keys(remaining))
}

func TestApplyRetentionDeleteFailureIsSkipped(t *testing.T) {
	now := time.Date(2024, 8, 31, 2, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.deleteErr = errors.New("access denied")
	store.objects["weather-backups/a.db"] = fakeObject{body: []byte("x"), created: time.Date(2024, 5, 5, 2, 0, 0, 0, time.UTC)}
	store.objects["weather-backups/b.db"] = fakeObject{body: []byte("x"), created: time.Date(2024, 5, 20, 2, 0, 0, 0, time.UTC)}

	snap := &fakeSnapshotter{livePath: "/data/weather.db"}
	mgr := newTestManager(t, store, snap)

	deleted, err := mgr.ApplyRetention(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	// Both objects are still there for the next sweep.
	remaining, err := mgr.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
