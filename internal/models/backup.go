package models

import "time"

// BackupObject is one database snapshot stored in blob storage.
// Its retention tier (daily vs. monthly) is derived from age at sweep
// time, never stored.
type BackupObject struct {
	Key          string
	Size         int64
	LastModified time.Time
}
