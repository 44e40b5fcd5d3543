package backup

import (
	"sort"
	"time"

	"github.com/ambientlog/ambientlog/internal/models"
)

// partitionByRetention splits the backup set into objects to keep and
// objects to delete under the tiered policy:
//
//   - every backup younger than dailyWindow days is kept (daily tier)
//   - older backups are grouped by calendar month of their creation time;
//     the earliest backup of each month is kept forever (monthly tier),
//     the rest are deleted
//
// The split is a pure function of the backup set and now; it is recomputed
// on every sweep, never cached.
func partitionByRetention(objects []models.BackupObject, now time.Time, dailyWindowDays int) (keep, remove []models.BackupObject) {
	cutoff := now.UTC().AddDate(0, 0, -dailyWindowDays)

	type yearMonth struct {
		year  int
		month time.Month
	}
	monthly := make(map[yearMonth][]models.BackupObject)

	for _, obj := range objects {
		created := obj.LastModified.UTC()
		// Exactly dailyWindowDays old already counts as the monthly tier.
		if created.After(cutoff) {
			keep = append(keep, obj)
			continue
		}
		ym := yearMonth{created.Year(), created.Month()}
		monthly[ym] = append(monthly[ym], obj)
	}

	for _, group := range monthly {
		sort.Slice(group, func(i, j int) bool {
			return group[i].LastModified.Before(group[j].LastModified)
		})
		keep = append(keep, group[0])
		remove = append(remove, group[1:]...)
	}

	sort.Slice(keep, func(i, j int) bool {
		return keep[i].LastModified.Before(keep[j].LastModified)
	})
	sort.Slice(remove, func(i, j int) bool {
		return remove[i].LastModified.Before(remove[j].LastModified)
	})
	return keep, remove
}
