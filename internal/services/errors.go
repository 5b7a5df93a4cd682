package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why a job failed. The string values are persisted and
// returned to callers, so they must not change.
type Kind string

const (
	KindInvalidRequest     Kind = "InvalidRequest"
	KindPreconditionFailed Kind = "PreconditionFailed"
	KindFulfillmentFailed  Kind = "FulfillmentFailed"
	KindDrmRemovalFailed   Kind = "DrmRemovalFailed"
	KindConversionFailed   Kind = "ConversionFailed"
	KindInternalError      Kind = "InternalError"
	KindCanceled           Kind = "Canceled"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrFulfillmentFailed  = errors.New("fulfillment failed")
	ErrDrmRemovalFailed   = errors.New("drm removal failed")
	ErrConversionFailed   = errors.New("conversion failed")
	ErrInternal           = errors.New("internal error")
	ErrCanceled           = errors.New("canceled")
)

var kindMarkers = []struct {
	kind   Kind
	marker error
}{
	{KindInvalidRequest, ErrInvalidRequest},
	{KindPreconditionFailed, ErrPreconditionFailed},
	{KindFulfillmentFailed, ErrFulfillmentFailed},
	{KindDrmRemovalFailed, ErrDrmRemovalFailed},
	{KindConversionFailed, ErrConversionFailed},
	{KindInternalError, ErrInternal},
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrInternal
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// MarkerFor returns the sentinel marker for a kind.
func MarkerFor(kind Kind) error {
	if kind == KindCanceled {
		return ErrCanceled
	}
	for _, entry := range kindMarkers {
		if entry.kind == kind {
			return entry.marker
		}
	}
	return ErrInternal
}

// KindOf classifies err. Cancellation wins over any stage marker because a
// cancelled tool always looks like a failed tool. Unmarked errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	for _, entry := range kindMarkers {
		if errors.Is(err, entry.marker) {
			return entry.kind
		}
	}
	return KindInternalError
}

// ParseKind converts a persisted kind string back into a Kind.
func ParseKind(value string) (Kind, bool) {
	kind := Kind(strings.TrimSpace(value))
	if kind == KindCanceled {
		return kind, true
	}
	for _, entry := range kindMarkers {
		if entry.kind == kind {
			return kind, true
		}
	}
	return "", false
}

// ErrorDescriptor is the stable, caller-facing shape of a job failure.
type ErrorDescriptor struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (d ErrorDescriptor) Error() string {
	if d.Message == "" {
		return string(d.Kind)
	}
	return string(d.Kind) + ": " + d.Message
}

// Is lets errors.Is match a descriptor against the kind's marker.
func (d ErrorDescriptor) Is(target error) bool {
	return d.Kind != "" && MarkerFor(d.Kind) == target
}

// Describe reduces err to its descriptor. The marker text is stripped from the
// message since the kind already carries it.
func Describe(err error) ErrorDescriptor {
	if err == nil {
		return ErrorDescriptor{}
	}
	var desc ErrorDescriptor
	if errors.As(err, &desc) {
		return desc
	}
	kind := KindOf(err)
	message := err.Error()
	if prefix := MarkerFor(kind).Error() + ": "; strings.HasPrefix(message, prefix) {
		message = strings.TrimPrefix(message, prefix)
	}
	return ErrorDescriptor{Kind: kind, Message: message}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
