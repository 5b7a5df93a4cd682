// Package logs reads the daemon log file for `acsmconv logs`.
//
// Tail returns the last N matching lines or everything after a byte offset,
// and Follow keeps polling for appended lines until the context ends. A line
// filter narrows output to one job without parsing the log format, so it works
// for both the console and JSON handlers.
package logs
