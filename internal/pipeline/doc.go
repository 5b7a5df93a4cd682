// Package pipeline runs a single conversion job through fulfillment, DRM
// removal and format conversion.
//
// An Orchestrator owns no job state. Each Run acquires a private workspace,
// hands each stage the previous stage's output, publishes the final artifact
// into the output area and releases the workspace on every exit path. Stage
// transitions are reported to an Observer so the caller can persist them; the
// terminal outcome is Run's return value.
//
// Failures are classified with the services markers. The first failing stage
// wins and nothing is retried.
package pipeline
