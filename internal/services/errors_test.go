package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"acsmconv/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("exit status 1")
	err := services.Wrap(services.ErrDrmRemovalFailed, "stripping", "adept_remove", "tool failed", base)
	if !errors.Is(err, services.ErrDrmRemovalFailed) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"stripping", "adept_remove", "tool failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want services.Kind
	}{
		{"nil", nil, ""},
		{"unmarked", errors.New("disk full"), services.KindInternalError},
		{"fulfillment", services.Wrap(services.ErrFulfillmentFailed, "fulfilling", "", "expired", nil), services.KindFulfillmentFailed},
		{"conversion wrapped twice", fmt.Errorf("job: %w", services.Wrap(services.ErrConversionFailed, "converting", "", "", nil)), services.KindConversionFailed},
		{"context canceled", fmt.Errorf("run: %w", context.Canceled), services.KindCanceled},
		{"cancel beats stage marker", services.Wrap(services.ErrFulfillmentFailed, "fulfilling", "", "", context.Canceled), services.KindCanceled},
		{"timeout stays stage kind", services.Wrap(services.ErrDrmRemovalFailed, "stripping", "", "", context.DeadlineExceeded), services.KindDrmRemovalFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDescribeStripsMarker(t *testing.T) {
	err := services.Wrap(services.ErrInvalidRequest, "", "", `unsupported format "xyz"`, nil)
	desc := services.Describe(err)
	if desc.Kind != services.KindInvalidRequest {
		t.Fatalf("unexpected kind: %s", desc.Kind)
	}
	if desc.Message != `unsupported format "xyz"` {
		t.Fatalf("unexpected message: %q", desc.Message)
	}
	if !errors.Is(desc, services.ErrInvalidRequest) {
		t.Fatal("descriptor should match its marker")
	}
	if again := services.Describe(fmt.Errorf("wrapped: %w", desc)); again != desc {
		t.Fatalf("descriptor should survive wrapping, got %+v", again)
	}
}

func TestParseKind(t *testing.T) {
	for _, kind := range []services.Kind{
		services.KindInvalidRequest, services.KindPreconditionFailed, services.KindFulfillmentFailed,
		services.KindDrmRemovalFailed, services.KindConversionFailed, services.KindInternalError, services.KindCanceled,
	} {
		got, ok := services.ParseKind(string(kind))
		if !ok || got != kind {
			t.Fatalf("ParseKind(%q) = %q, %v", kind, got, ok)
		}
	}
	if _, ok := services.ParseKind("Bogus"); ok {
		t.Fatal("expected unknown kind to be rejected")
	}
}
