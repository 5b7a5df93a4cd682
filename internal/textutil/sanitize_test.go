package textutil_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"acsmconv/internal/textutil"
)

func TestSanitizeStem(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"The Left Hand of Darkness", "The Left Hand of Darkness"},
		{"Dune: Part 1/2", "Dune- Part 1-2"},
		{"  ..hidden  ", "hidden"},
		{"tab\tand\nnewline", "tab and newline"},
		{"runs\t \r\n of\vspace", "runs of space"},
		{"bell\x07less\x00", "bellless"},
		{"???", "fallback"},
		{"", "fallback"},
	}
	for _, tc := range cases {
		if got := textutil.SanitizeStem(tc.in, "fallback"); got != tc.want {
			t.Fatalf("SanitizeStem(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeStemTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 200)
	got := textutil.SanitizeStem(long, "x")
	if len(got) > 180 {
		t.Fatalf("stem too long: %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("stem is not valid UTF-8: %q", got)
	}
}

func TestDeriveTitle(t *testing.T) {
	if got := textutil.DeriveTitle("/uploads/the_left_hand-of.darkness.acsm"); got != "The Left Hand Of Darkness" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := textutil.DeriveTitle("___.acsm"); got != "Untitled" {
		t.Fatalf("expected Untitled, got %q", got)
	}
}

func TestNormalizeTitle(t *testing.T) {
	if got := textutil.NormalizeTitle("  THE   HOBBIT "); got != "The Hobbit" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := textutil.NormalizeTitle("iPhone for Dummies"); got != "iPhone for Dummies" {
		t.Fatalf("mixed case title should be preserved, got %q", got)
	}
}
