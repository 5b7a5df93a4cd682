// Package acsm reads Adobe Content Server Manifest files: the small XML
// license tokens a store hands out in place of the book itself.
package acsm

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"acsmconv/internal/textutil"
)

// Namespace is the ADEPT XML namespace.
const Namespace = "http://ns.adobe.com/adept"

// MaxSize bounds how much of a manifest is read. Real manifests are a few KiB.
const MaxSize = 1 << 20

// Format is the encrypted container the license server delivers.
type Format string

const (
	FormatEPUB Format = "epub"
	FormatPDF  Format = "pdf"
)

// ErrMalformed reports a file that is not a fulfillment token.
var ErrMalformed = errors.New("malformed acsm manifest")

// Manifest is what the pipeline needs from an ACSM file.
type Manifest struct {
	Title  string
	Source string
	Format Format
	Hash   string
	Size   int64
}

// Read loads and parses the manifest at path. The title falls back to one
// derived from the file name when the manifest has none.
func Read(path string) (Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxSize+1))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	if len(data) > MaxSize {
		return Manifest{}, fmt.Errorf("%w: larger than %d bytes", ErrMalformed, MaxSize)
	}

	manifest, err := Parse(data)
	if err != nil {
		return Manifest{}, err
	}
	if manifest.Title == "" {
		manifest.Title = textutil.DeriveTitle(filepath.Base(path))
	}
	return manifest, nil
}

// Parse decodes manifest bytes. The root element must be an ADEPT
// fulfillmentToken.
func Parse(data []byte) (Manifest, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var (
		path    []xml.Name
		rooted  bool
		title   string
		source  string
		builder strings.Builder
	)

	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if len(path) == 0 {
				if el.Name.Local != "fulfillmentToken" || el.Name.Space != Namespace {
					return Manifest{}, fmt.Errorf("%w: unexpected root element %q", ErrMalformed, el.Name.Local)
				}
				rooted = true
			}
			path = append(path, el.Name)
			builder.Reset()
		case xml.CharData:
			builder.Write(el)
		case xml.EndElement:
			if len(path) == 0 {
				continue
			}
			text := strings.TrimSpace(builder.String())
			switch {
			case el.Name.Local == "src" && el.Name.Space == Namespace && source == "":
				source = text
			case el.Name.Local == "title" && title == "" && within(path, "metadata"):
				title = text
			}
			path = path[:len(path)-1]
			builder.Reset()
		}
	}
	if !rooted {
		return Manifest{}, fmt.Errorf("%w: empty document", ErrMalformed)
	}

	sum := sha256.Sum256(data)
	return Manifest{
		Title:  textutil.NormalizeTitle(title),
		Source: source,
		Format: DetectFormat(source),
		Hash:   hex.EncodeToString(sum[:]),
		Size:   int64(len(data)),
	}, nil
}

func within(path []xml.Name, local string) bool {
	for _, name := range path {
		if name.Local == local {
			return true
		}
	}
	return false
}

// DetectFormat guesses the delivered container from the manifest source URL.
// Unknown sources are assumed to be PDF, which is what the license servers
// default to.
func DetectFormat(source string) Format {
	src := strings.ToLower(source)
	switch {
	case strings.Contains(src, ".pdf"), strings.Contains(src, "output=pdf"):
		return FormatPDF
	case strings.Contains(src, ".epub"), strings.Contains(src, "output=epub"):
		return FormatEPUB
	default:
		return FormatPDF
	}
}
