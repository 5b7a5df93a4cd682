// Package daemon runs the long-lived acsmconv process: the HTTP API in front
// of the job service, the periodic retention sweep, and the flock-based
// single-instance guard.
//
// Startup order matters: the lock is taken first, then jobs a crashed process
// left in flight are failed, then orphaned workspaces are reclaimed, and only
// then does the listener accept uploads. Shutdown drains HTTP requests before
// cancelling running jobs so no job starts after its workspace root is swept.
//
// Keep conversion logic out of this package; handlers translate between HTTP
// and jobs.Service and nothing more.
package daemon
