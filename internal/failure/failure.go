// Package failure defines the error markers shared by the recorder, the
// analysis gateway and the report store. Errors are tagged with one marker and
// classified with errors.Is so that every boundary can turn them into a
// user-visible notice without string matching.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrRecognition      = errors.New("recognition failure")
	ErrConfiguration    = errors.New("configuration error")
	ErrUpstream         = errors.New("upstream error")
	ErrSchema           = errors.New("schema error")
	ErrPersistence      = errors.New("persistence error")
	ErrValidation       = errors.New("validation error")
	ErrConflict         = errors.New("conflict")
)

// Kind is the stable, client-facing name of an error class.
type Kind string

const (
	KindPermissionDenied Kind = "permission_denied"
	KindRecognition      Kind = "recognition_failure"
	KindConfiguration    Kind = "configuration_error"
	KindUpstream         Kind = "upstream_error"
	KindSchema           Kind = "schema_error"
	KindPersistence      Kind = "persistence_error"
	KindValidation       Kind = "validation_error"
	KindConflict         Kind = "conflict"
	KindInternal         Kind = "internal"
)

var kinds = []struct {
	marker error
	kind   Kind
}{
	{ErrConfiguration, KindConfiguration},
	{ErrPermissionDenied, KindPermissionDenied},
	{ErrRecognition, KindRecognition},
	{ErrSchema, KindSchema},
	{ErrUpstream, KindUpstream},
	{ErrPersistence, KindPersistence},
	{ErrValidation, KindValidation},
	{ErrConflict, KindConflict},
}

// Wrap tags err with marker and prefixes the operation path. A nil err yields
// a marker-only error carrying message.
func Wrap(marker error, op, message string, err error) error {
	detail := buildDetail(op, message)
	if marker == nil {
		marker = errors.New("failure")
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.marker) {
			return k.kind
		}
	}
	return KindInternal
}

// Recoverable reports whether a user retry can succeed without redeploying.
func Recoverable(err error) bool {
	return err != nil && !errors.Is(err, ErrConfiguration)
}

func buildDetail(op, message string) string {
	parts := make([]string, 0, 2)
	if op = strings.TrimSpace(op); op != "" {
		parts = append(parts, op)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}
