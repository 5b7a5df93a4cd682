package api

import (
	"path/filepath"
	"sort"
	"time"

	"acsmconv/internal/jobs"
	"acsmconv/internal/library"
)

// FromResult converts a job snapshot into its wire form.
func FromResult(res jobs.Result) Job {
	job := Job{
		ID:           res.ID,
		Title:        res.Title,
		SourceFormat: res.SourceFormat,
		TargetFormat: res.TargetFormat,
		Stage:        string(res.Stage),
		Steps:        res.Steps(),
		CreatedAt:    formatTime(res.CreatedAt),
		Elapsed:      res.Elapsed.Seconds(),
	}
	if res.ArtifactPath != "" {
		job.Artifact = filepath.Base(res.ArtifactPath)
	}
	if res.Error != nil {
		job.Error = &ErrorDescriptor{Kind: string(res.Error.Kind), Message: res.Error.Message}
	}
	if res.FinishedAt != nil {
		job.FinishedAt = formatTime(*res.FinishedAt)
	}
	if res.DeliveredAt != nil {
		job.DeliveredAt = formatTime(*res.DeliveredAt)
	}
	return job
}

// FromBooks converts a library listing into its wire form.
func FromBooks(books []library.Book) []Book {
	out := make([]Book, 0, len(books))
	for _, book := range books {
		files := make([]BookFile, 0, len(book.Files))
		for _, file := range book.Files {
			files = append(files, BookFile{
				Name:     file.Name,
				Format:   file.Format,
				Size:     file.Size,
				Modified: formatTime(file.ModTime),
			})
		}
		out = append(out, Book{
			Stem:    book.Stem,
			Files:   files,
			HasEPUB: book.HasEPUB,
			Cover:   book.Cover,
			Updated: formatTime(book.Updated),
		})
	}
	return out
}

// SortJobsNewestFirst orders jobs by CreatedAt descending, breaking ties by ID.
func SortJobsNewestFirst(items []Job) []Job {
	if len(items) == 0 {
		return nil
	}
	sorted := make([]Job, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti := ParseTime(sorted[i].CreatedAt)
		tj := ParseTime(sorted[j].CreatedAt)
		if ti.Equal(tj) {
			return sorted[i].ID > sorted[j].ID
		}
		return ti.After(tj)
	})
	return sorted
}

// ParseTime parses a payload timestamp; malformed values yield the zero time.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(dateTimeFormat, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
