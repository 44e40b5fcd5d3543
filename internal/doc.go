// Package internal groups the collector's implementation packages.
//
// # Architecture
//
// The pipeline is structured into several key packages:
//   - api: rate-limited pull client for the vendor REST API
//   - realtime: reconnecting push-feed client for the vendor realtime API
//   - database: SQLite-backed measurement store with idempotent inserts
//   - backup: snapshot/upload/restore and tiered retention in blob storage
//   - scheduler: cron-driven backup triggering
//   - collector: ingestion orchestration and lifecycle
//   - config, metrics, models: shared plumbing
//
// Data flows from the vendor API through one ingestion client into the
// store; the backup scheduler periodically snapshots the store file and
// ships it to S3-compatible storage. Measurements are never updated or
// deleted; only backup objects are cleaned up, under a
// keep-all-recent/keep-one-per-month policy.
package internal
