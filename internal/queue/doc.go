// Package queue persists conversion jobs in SQLite.
//
// The Store owns the jobs table, the per-job stage history and the ledger of
// manifests this device has already fulfilled. Stage transitions are written
// by the job service through the pipeline's stage observer; nothing else
// mutates a job row.
//
// The database is treated as working state rather than an archive. Finished
// jobs are purged after the configured retention. Schema changes bump the
// version in schema.go; users delete the database to adopt the new schema.
package queue
