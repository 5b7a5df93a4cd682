// Command acsmconv turns Adobe Content Server Manifest (.acsm) files into
// DRM-free ebooks in the format of your choice.
//
// `acsmconv serve` runs the daemon and its HTTP API. Most other commands talk
// to that daemon when it answers and fall back to reading the job store
// directly when it does not; `convert` runs a single job in-process when no
// daemon is running.
package main
