// Package toolexec runs the external command-line tools the pipeline depends
// on and captures what they printed.
//
// Every tool starts in its own process group. When the caller's context ends
// the whole group receives SIGTERM and, after a grace period, SIGKILL, so
// helpers spawned by a tool never outlive the job that started it.
package toolexec
