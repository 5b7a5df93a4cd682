// Package library exposes the finished artifacts in the output area: a listing
// grouped by book, cached EPUB covers, and the retention sweep that keeps the
// area bounded.
package library

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"acsmconv/internal/logging"
	"acsmconv/internal/services/calibre"
)

// ErrCoverNotFound is returned when a cover name does not resolve to a cached
// image.
var ErrCoverNotFound = errors.New("cover not found")

// File is one artifact of a book.
type File struct {
	Name    string    `json:"name"`
	Path    string    `json:"-"`
	Format  string    `json:"format"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// Book groups the artifacts that share a file stem.
type Book struct {
	Stem    string    `json:"stem"`
	Files   []File    `json:"files"`
	HasEPUB bool      `json:"has_epub"`
	Cover   string    `json:"cover,omitempty"`
	Updated time.Time `json:"updated"`
}

// Library reads the output area.
type Library struct {
	outputDir string
	coverDir  string
	logger    *slog.Logger

	group  singleflight.Group
	mu     sync.Mutex
	misses map[string]time.Time
}

// New returns a Library over outputDir that caches covers in coverDir.
func New(outputDir, coverDir string, logger *slog.Logger) (*Library, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("library: output directory required")
	}
	if strings.TrimSpace(coverDir) == "" {
		return nil, errors.New("library: cover directory required")
	}
	return &Library{
		outputDir: outputDir,
		coverDir:  coverDir,
		logger:    logging.NewComponentLogger(logger, "library"),
		misses:    make(map[string]time.Time),
	}, nil
}

// OutputDir returns the artifact directory.
func (l *Library) OutputDir() string { return l.outputDir }

// List returns the books in the output area, most recently updated first.
func (l *Library) List(ctx context.Context) ([]Book, error) {
	files, err := l.artifacts()
	if err != nil {
		return nil, err
	}

	byStem := make(map[string]*Book)
	order := make([]string, 0)
	for _, file := range files {
		stem := strings.TrimSuffix(file.Name, filepath.Ext(file.Name))
		book, ok := byStem[stem]
		if !ok {
			book = &Book{Stem: stem}
			byStem[stem] = book
			order = append(order, stem)
		}
		book.Files = append(book.Files, file)
		if file.Format == "epub" {
			book.HasEPUB = true
		}
		if file.ModTime.After(book.Updated) {
			book.Updated = file.ModTime
		}
	}

	books := make([]Book, 0, len(order))
	for _, stem := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		book := byStem[stem]
		sort.Slice(book.Files, func(i, j int) bool { return book.Files[i].Name < book.Files[j].Name })
		if book.HasEPUB {
			book.Cover = l.coverFor(ctx, *book)
		}
		books = append(books, *book)
	}
	sort.SliceStable(books, func(i, j int) bool { return books[i].Updated.After(books[j].Updated) })
	return books, nil
}

// artifacts returns the finished files in the output area.
func (l *Library) artifacts() ([]File, error) {
	files, _, err := l.scan()
	return files, err
}

// scan splits the output area into finished artifacts and empty placeholders.
// Hidden entries are in-flight publishes and are skipped. A placeholder is a
// name reserved by a publish that has not landed yet, or never will.
func (l *Library) scan() ([]File, []File, error) {
	entries, err := os.ReadDir(l.outputDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read output directory: %w", err)
	}
	var files, placeholders []File
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		format := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
		if _, err := calibre.ParseFormat(format); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		file := File{
			Name:    name,
			Path:    filepath.Join(l.outputDir, name),
			Format:  format,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if info.Size() == 0 {
			placeholders = append(placeholders, file)
			continue
		}
		files = append(files, file)
	}
	return files, placeholders, nil
}

// CoverPath resolves a cover name from a listing to its cached file.
func (l *Library) CoverPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrCoverNotFound
	}
	if !isImageExt(filepath.Ext(name)) {
		return "", ErrCoverNotFound
	}
	path := filepath.Join(l.coverDir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrCoverNotFound
	}
	return path, nil
}
