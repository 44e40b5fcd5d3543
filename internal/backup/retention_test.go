package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambientlog/ambientlog/internal/models"
)

func object(key string, created time.Time) models.BackupObject {
	return models.BackupObject{Key: key, Size: 1024, LastModified: created}
}

func keys(objects []models.BackupObject) []string {
	out := make([]string, 0, len(objects))
	for _, obj := range objects {
		out = append(out, obj.Key)
	}
	return out
}

func TestPartitionByRetentionTiered(t *testing.T) {
	now := time.Date(2024, 8, 31, 2, 0, 0, 0, time.UTC)

	objects := []models.BackupObject{
		// Inside the 45-day daily window: all kept.
		object("weather_20240821_020000.db", time.Date(2024, 8, 21, 2, 0, 0, 0, time.UTC)),
		object("weather_20240722_020000.db", time.Date(2024, 7, 22, 2, 0, 0, 0, time.UTC)),
		// Two May backups: only the earlier survives.
		object("weather_20240520_020000.db", time.Date(2024, 5, 20, 2, 0, 0, 0, time.UTC)),
		object("weather_20240505_020000.db", time.Date(2024, 5, 5, 2, 0, 0, 0, time.UTC)),
		// Lone April backup: monthly representative, kept.
		object("weather_20240410_020000.db", time.Date(2024, 4, 10, 2, 0, 0, 0, time.UTC)),
		// Two February backups: only the earlier survives.
		object("weather_20240225_020000.db", time.Date(2024, 2, 25, 2, 0, 0, 0, time.UTC)),
		object("weather_20240202_020000.db", time.Date(2024, 2, 2, 2, 0, 0, 0, time.UTC)),
	}

	keep, remove := partitionByRetention(objects, now, 45)

	assert.Equal(t, []string{
		"weather_20240202_020000.db",
		"weather_20240410_020000.db",
		"weather_20240505_020000.db",
		"weather_20240722_020000.db",
		"weather_20240821_020000.db",
	}, keys(keep))

	assert.Equal(t, []string{
		"weather_20240225_020000.db",
		"weather_20240520_020000.db",
	}, keys(remove))
}

func TestPartitionBoundaryExactlyWindowOld(t *testing.T) {
	now := time.Date(2024, 8, 31, 2, 0, 0, 0, time.UTC)
	boundary := now.AddDate(0, 0, -45)

	// A backup exactly 45 days old falls into the monthly tier. As the
	// only monthly backup of its month it is still kept; the 43-day-old
	// sibling is protected by the daily window.
	keep, remove := partitionByRetention([]models.BackupObject{
		object("boundary.db", boundary),
		object("later-same-month.db", boundary.AddDate(0, 0, 2)),
	}, now, 45)

	require.Len(t, keep, 2)
	assert.Empty(t, remove)

	// With both on the monthly side, the later one loses.
	keep, remove = partitionByRetention([]models.BackupObject{
		object("boundary.db", boundary),
		object("earlier-same-month.db", boundary.AddDate(0, 0, -2)),
	}, now, 45)

	assert.Equal(t, []string{"earlier-same-month.db"}, keys(keep))
	assert.Equal(t, []string{"boundary.db"}, keys(remove))
}

func TestPartitionAllRecent(t *testing.T) {
	now := time.Date(2024, 8, 31, 2, 0, 0, 0, time.UTC)
	objects := []models.BackupObject{
		object("a.db", now.AddDate(0, 0, -1)),
		object("b.db", now.AddDate(0, 0, -30)),
		object("c.db", now.AddDate(0, 0, -44)),
	}

	keep, remove := partitionByRetention(objects, now, 45)
	assert.Len(t, keep, 3)
	assert.Empty(t, remove)
}

func TestPartitionEmpty(t *testing.T) {
	keep, remove := partitionByRetention(nil, time.Now(), 45)
	assert.Empty(t, keep)
	assert.Empty(t, remove)
}
