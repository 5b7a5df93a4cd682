package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	pollInterval = 250 * time.Millisecond
	maxLineBytes = 1024 * 1024
)

// Matcher selects log lines. A nil Matcher keeps every line.
type Matcher func(line string) bool

// JobMatcher keeps lines that mention jobID.
func JobMatcher(jobID string) Matcher {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil
	}
	return func(line string) bool { return strings.Contains(line, jobID) }
}

// LevelMatcher keeps lines at or above level (debug, info, warn, error). Lines
// whose level cannot be recognized are kept.
func LevelMatcher(level string) Matcher {
	floor, ok := levelRank(level)
	if !ok || floor == 0 {
		return nil
	}
	return func(line string) bool {
		rank, found := lineLevel(line)
		return !found || rank >= floor
	}
}

// All combines matchers; every non-nil matcher must accept the line.
func All(matchers ...Matcher) Matcher {
	var active []Matcher
	for _, m := range matchers {
		if m != nil {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(line string) bool {
		for _, m := range active {
			if !m(line) {
				return false
			}
		}
		return true
	}
}

// TailOptions controls Tail. A negative Offset means "the last Limit lines".
type TailOptions struct {
	Offset int64
	Limit  int
	Match  Matcher
}

// TailResult holds the lines read and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// Tail reads from path. A missing file yields no lines and offset 0.
func Tail(path string, opts TailOptions) (TailResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TailResult{}, nil
		}
		return TailResult{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}

	if opts.Offset < 0 {
		lines, offset, err := readLast(path, opts.Limit, opts.Match)
		return TailResult{Lines: lines, Offset: offset}, err
	}
	offset := opts.Offset
	if offset > info.Size() {
		// Truncated or rotated; start over.
		offset = 0
	}
	lines, next, err := readFrom(path, offset, opts.Match)
	return TailResult{Lines: lines, Offset: next}, err
}

// Follow emits matching lines appended after offset until ctx ends. It
// returns nil on cancellation.
func Follow(ctx context.Context, path string, offset int64, match Matcher, emit func(string)) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		res, err := Tail(path, TailOptions{Offset: max(offset, 0), Match: match})
		if err != nil {
			return err
		}
		for _, line := range res.Lines {
			emit(line)
		}
		offset = res.Offset

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func readLast(path string, limit int, match Matcher) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("seek log file: %w", err)
		}
		return nil, end, nil
	}

	ring := make([]string, limit)
	count, idx := 0, 0
	end, err := scan(file, func(line string) {
		if match != nil && !match(line) {
			return
		}
		ring[idx] = line
		idx = (idx + 1) % limit
		if count < limit {
			count++
		}
	})
	if err != nil {
		return nil, 0, err
	}

	lines := make([]string, count)
	if count == limit {
		for i := range count {
			lines[i] = ring[(idx+i)%limit]
		}
	} else {
		copy(lines, ring[:count])
	}
	return lines, end, nil
}

func readFrom(path string, offset int64, match Matcher) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, offset, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek log file: %w", err)
	}
	var lines []string
	consumed, err := scan(file, func(line string) {
		if match == nil || match(line) {
			lines = append(lines, line)
		}
	})
	if err != nil {
		return nil, offset, err
	}
	return lines, offset + consumed, nil
}

// scan feeds complete lines to fn and returns the bytes consumed. A trailing
// line without a newline is left for the next read.
func scan(r io.Reader, fn func(string)) (int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var consumed int64
	for {
		line, err := reader.ReadString('\n')
		if err == nil {
			consumed += int64(len(line))
			if len(line) <= maxLineBytes {
				fn(strings.TrimRight(line, "\r\n"))
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return consumed, nil
		}
		return consumed, fmt.Errorf("read log file: %w", err)
	}
}

func levelRank(level string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug":
		return 0, true
	case "info":
		return 1, true
	case "warn", "warning":
		return 2, true
	case "error":
		return 3, true
	}
	return 0, false
}

// lineLevel finds the level in a JSON ("level":"WARN") or console (WARN) line.
func lineLevel(line string) (int, bool) {
	if i := strings.Index(line, `"level":"`); i >= 0 {
		rest := line[i+len(`"level":"`):]
		if j := strings.IndexByte(rest, '"'); j >= 0 {
			return levelRank(rest[:j])
		}
	}
	for _, field := range strings.Fields(line) {
		switch field {
		case "DEBUG", "DBG":
			return 0, true
		case "INFO", "INF":
			return 1, true
		case "WARN", "WRN":
			return 2, true
		case "ERROR", "ERR":
			return 3, true
		}
	}
	return 0, false
}
