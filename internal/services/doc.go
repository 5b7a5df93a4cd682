// Package services defines shared utilities consumed by the pipeline stages
// and the external tool integrations beneath it.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, and correlation
//     identifiers for logging.
//   - Failure kinds with sentinel markers plus the Wrap helper, so every
//     error reaching a caller carries a stable classification.
//
// Subpackages wrap the external tools (libgourou, Calibre) behind narrow
// interfaces that tests can stub.
package services
