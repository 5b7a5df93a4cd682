// Package api defines the wire-format types of the acsmconv HTTP API and a
// client for it.
//
// # Key Types
//
// Job: transport view of a conversion job with its stage, the ordered steps it
// went through, elapsed time, and the error descriptor of a failed job.
//
// Status: daemon runtime information including dependency availability, the
// device activation, registry occupancy, and the workspaces currently held.
//
// Book: an entry of the output library listing.
//
// # Converters
//
// FromResult: jobs.Result -> Job.
//
// # Client
//
// Client talks to a running daemon. The CLI uses it for operations that must
// happen inside the daemon process (cancel) and prefers it for read-only views
// so the daemon's in-memory state is reflected.
//
// # Design Notes
//
// JSON keys are snake_case. Timestamps are RFC3339 with milliseconds. Elapsed
// time is reported in seconds. Failed requests carry an ErrorResponse body
// whose kind is one of the stable failure kinds.
package api
