// Package fileutil holds file copy and publish helpers shared by the pipeline
// stages and the output library.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// maxPublishAttempts bounds the "-<n>" suffix search.
const maxPublishAttempts = 1000

// CopyFile streams src to dst using io.Copy with default permissions (0o644).
func CopyFile(src, dst string) error {
	return CopyFileMode(src, dst, 0o644)
}

// CopyFileMode streams src to dst, setting the given file mode on dst.
func CopyFileMode(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// Publish copies src into dir as "<stem>.<ext>", choosing "<stem>-<n>.<ext>"
// when the name is taken. The name is reserved with an empty O_EXCL
// placeholder, so concurrent publishers never share a name, and the content
// replaces the placeholder with an atomic rename. Readers may see the empty
// placeholder but never a partially written artifact. A crash between the two
// steps leaves the placeholder behind; the output library sweep reclaims it.
func Publish(src, dir, stem, ext string) (string, error) {
	ext = strings.TrimPrefix(ext, ".")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	target, err := reserve(dir, stem, ext)
	if err != nil {
		return "", err
	}
	if err := replaceAtomically(src, target); err != nil {
		_ = os.Remove(target)
		return "", err
	}
	return target, nil
}

func reserve(dir, stem, ext string) (string, error) {
	for n := 0; n < maxPublishAttempts; n++ {
		name := stem
		if n > 0 {
			name = stem + "-" + strconv.Itoa(n)
		}
		if ext != "" {
			name += "." + ext
		}
		path := filepath.Join(dir, name)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = file.Close()
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("reserve %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("no free name for %q in %s", stem, dir)
}

func replaceAtomically(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	pending, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending artifact: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	if _, err := io.Copy(pending, in); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace artifact: %w", err)
	}
	return nil
}
