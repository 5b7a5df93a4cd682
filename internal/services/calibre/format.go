package calibre

import (
	"fmt"
	"sort"
	"strings"

	"acsmconv/internal/services"
)

// Format is an output format ebook-convert can write.
type Format string

var supportedFormats = map[Format]struct{}{
	"azw3": {}, "docx": {}, "epub": {}, "fb2": {}, "htmlz": {}, "lit": {}, "mobi": {},
	"pdb": {}, "pdf": {}, "rtf": {}, "txt": {}, "txtz": {}, "zip": {},
}

// ParseFormat normalizes case and a leading dot. Unknown formats are invalid
// requests.
func ParseFormat(value string) (Format, error) {
	normalized := Format(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "."))
	if normalized == "" {
		return "", services.Wrap(services.ErrInvalidRequest, "", "", "target format required", nil)
	}
	if _, ok := supportedFormats[normalized]; !ok {
		return "", services.Wrap(services.ErrInvalidRequest, "", "",
			fmt.Sprintf("unsupported format %q (supported: %s)", value, strings.Join(SupportedFormats(), ", ")), nil)
	}
	return normalized, nil
}

// SupportedFormats lists the formats in sorted order.
func SupportedFormats() []string {
	out := make([]string, 0, len(supportedFormats))
	for format := range supportedFormats {
		out = append(out, string(format))
	}
	sort.Strings(out)
	return out
}
