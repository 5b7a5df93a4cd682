package textutil

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// maxStemBytes keeps "<stem>-<n>.<ext>" well under the 255-byte name limit.
const maxStemBytes = 180

// fileNameReplacer replaces filesystem-unsafe characters with safe alternatives.
var fileNameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizeFileName replaces filesystem-unsafe characters in a filename.
// Slashes, backslashes, colons, and asterisks become dashes; other unsafe
// characters are removed. The result is trimmed of leading/trailing whitespace.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(fileNameReplacer.Replace(name))
}

// SanitizeStem turns a display title into a file stem: NFC normalized, unsafe
// characters replaced, whitespace collapsed, other control characters dropped, no
// leading dots, and truncated on a rune boundary. Empty results become
// fallback.
func SanitizeStem(title, fallback string) string {
	cleaned := SanitizeFileName(norm.NFC.String(title))
	var b strings.Builder
	prevSpace := false
	for _, r := range cleaned {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteRune(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	stem := strings.TrimLeft(strings.TrimSpace(b.String()), ".")
	stem = strings.TrimSpace(stem)
	if len(stem) > maxStemBytes {
		cut := maxStemBytes
		for cut > 0 && !isRuneStart(stem[cut]) {
			cut--
		}
		stem = strings.TrimSpace(stem[:cut])
	}
	if stem == "" {
		return fallback
	}
	return stem
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// DeriveTitle builds a display title from a file name such as
// "the_left_hand-of.darkness.acsm".
func DeriveTitle(fileName string) string {
	base := filepath.Base(strings.TrimSpace(fileName))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	cleaned := strings.Builder{}
	prevSpace := false
	for _, r := range base {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			cleaned.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '.':
			if !prevSpace {
				cleaned.WriteRune(' ')
				prevSpace = true
			}
		}
	}
	title := strings.TrimSpace(cleaned.String())
	if title == "" || title == "." {
		return "Untitled"
	}
	return cases.Title(language.Und).String(title)
}

// NormalizeTitle tidies a publisher-supplied title. Shouting titles (no
// lower-case letters) are title-cased; everything else keeps its casing.
func NormalizeTitle(title string) string {
	title = strings.Join(strings.Fields(norm.NFC.String(title)), " ")
	if title == "" {
		return ""
	}
	hasLower := false
	for _, r := range title {
		if unicode.IsLower(r) {
			hasLower = true
			break
		}
	}
	if !hasLower {
		return cases.Title(language.Und).String(strings.ToLower(title))
	}
	return title
}
