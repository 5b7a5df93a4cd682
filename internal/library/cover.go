package library

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"acsmconv/internal/logging"
)

const maxCoverBytes = 16 << 20

var coverExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

type containerDoc struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

type opfDoc struct {
	Meta []struct {
		Name    string `xml:"name,attr"`
		Content string `xml:"content,attr"`
	} `xml:"metadata>meta"`
	Items []opfItem `xml:"manifest>item"`
}

// coverFor returns the cached cover name for book, extracting it on first use.
// Failures are logged and leave the book without a cover.
func (l *Library) coverFor(ctx context.Context, book Book) string {
	var epub *File
	for i := range book.Files {
		if book.Files[i].Format == "epub" {
			epub = &book.Files[i]
			break
		}
	}
	if epub == nil {
		return ""
	}
	if name := l.cachedCover(book.Stem); name != "" {
		return name
	}

	missKey := epub.Path
	l.mu.Lock()
	seen, missed := l.misses[missKey]
	l.mu.Unlock()
	if missed && seen.Equal(epub.ModTime) {
		return ""
	}

	value, err, _ := l.group.Do(book.Stem, func() (any, error) {
		if name := l.cachedCover(book.Stem); name != "" {
			return name, nil
		}
		return l.extractCover(epub.Path, book.Stem)
	})
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, l.logger), "cover extraction failed", "cover_extract_failed",
			logging.String("path", epub.Path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "book listed without a cover"),
		)
	}
	name, _ := value.(string)
	if name == "" {
		l.mu.Lock()
		l.misses[missKey] = epub.ModTime
		l.mu.Unlock()
	}
	return name
}

func (l *Library) cachedCover(stem string) string {
	for _, ext := range coverExts {
		name := stem + ext
		if info, err := os.Stat(filepath.Join(l.coverDir, name)); err == nil && info.Mode().IsRegular() {
			return name
		}
	}
	return ""
}

// extractCover copies the cover image out of the EPUB at epubPath into the
// cover directory as "<stem><ext>". An EPUB without a cover yields "".
func (l *Library) extractCover(epubPath, stem string) (string, error) {
	archive, err := zip.OpenReader(epubPath)
	if err != nil {
		return "", fmt.Errorf("open epub: %w", err)
	}
	defer archive.Close()

	entries := make(map[string]*zip.File, len(archive.File))
	for _, file := range archive.File {
		entries[file.Name] = file
	}

	entry := findCover(entries, archive.File)
	if entry == nil {
		return "", nil
	}
	ext := strings.ToLower(path.Ext(entry.Name))
	if !isImageExt(ext) {
		ext = ".jpg"
	}

	data, err := readEntry(entry, maxCoverBytes)
	if err != nil {
		return "", fmt.Errorf("read cover %s: %w", entry.Name, err)
	}
	if err := os.MkdirAll(l.coverDir, 0o755); err != nil {
		return "", fmt.Errorf("create cover directory: %w", err)
	}
	name := stem + ext
	if err := renameio.WriteFile(filepath.Join(l.coverDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write cover: %w", err)
	}
	l.logger.Debug("cover extracted",
		logging.String("epub", filepath.Base(epubPath)),
		logging.String("cover", name),
	)
	return name, nil
}

// findCover looks in the package document first (cover meta, then the
// cover-image property) and falls back to an image entry named like a cover.
func findCover(entries map[string]*zip.File, ordered []*zip.File) *zip.File {
	if opfPath := packagePath(entries, ordered); opfPath != "" {
		if doc, err := readPackage(entries[opfPath]); err == nil {
			if href := coverHref(doc); href != "" {
				if entry := entries[resolveHref(opfPath, href)]; entry != nil {
					return entry
				}
			}
		}
	}
	for _, file := range ordered {
		lower := strings.ToLower(file.Name)
		if !strings.Contains(lower, "cover") {
			continue
		}
		if strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") || strings.HasSuffix(lower, ".png") {
			return file
		}
	}
	return nil
}

// packagePath resolves the OPF through META-INF/container.xml, or takes the
// first .opf entry when the container is missing or unreadable.
func packagePath(entries map[string]*zip.File, ordered []*zip.File) string {
	if container := entries["META-INF/container.xml"]; container != nil {
		if data, err := readEntry(container, maxCoverBytes); err == nil {
			var doc containerDoc
			if xml.Unmarshal(data, &doc) == nil {
				for _, root := range doc.Rootfiles {
					if entries[root.FullPath] != nil {
						return root.FullPath
					}
				}
			}
		}
	}
	for _, file := range ordered {
		if strings.HasSuffix(strings.ToLower(file.Name), ".opf") {
			return file.Name
		}
	}
	return ""
}

func readPackage(entry *zip.File) (opfDoc, error) {
	var doc opfDoc
	if entry == nil {
		return doc, errors.New("package document missing")
	}
	data, err := readEntry(entry, maxCoverBytes)
	if err != nil {
		return doc, err
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse package document: %w", err)
	}
	return doc, nil
}

func coverHref(doc opfDoc) string {
	for _, meta := range doc.Meta {
		if meta.Name != "cover" || meta.Content == "" {
			continue
		}
		for _, item := range doc.Items {
			if item.ID == meta.Content {
				return item.Href
			}
		}
	}
	for _, item := range doc.Items {
		for _, prop := range strings.Fields(item.Properties) {
			if prop == "cover-image" {
				return item.Href
			}
		}
	}
	return ""
}

// resolveHref turns an OPF-relative href into an archive entry name.
func resolveHref(opfPath, href string) string {
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	if i := strings.IndexAny(href, "#?"); i >= 0 {
		href = href[:i]
	}
	return path.Clean(path.Join(path.Dir(opfPath), href))
}

func readEntry(entry *zip.File, limit int64) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("entry exceeds %d bytes", limit)
	}
	return data, nil
}

func isImageExt(ext string) bool {
	ext = strings.ToLower(ext)
	for _, candidate := range coverExts {
		if ext == candidate {
			return true
		}
	}
	return false
}
