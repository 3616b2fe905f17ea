package failure

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapKeepsMarkerAndCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(ErrUpstream, "analysis", "request failed", cause)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream marker, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved")
	}
	if !strings.Contains(err.Error(), "analysis: request failed") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestKindOf(t *testing.T) {
	cases := map[error]Kind{
		Wrap(ErrSchema, "decode", "", nil):               KindSchema,
		fmt.Errorf("outer: %w", ErrPermissionDenied):     KindPermissionDenied,
		Wrap(ErrPersistence, "store", "append", nil):     KindPersistence,
		errors.New("boom"):                               KindInternal,
		Wrap(ErrConfiguration, "config", "missing", nil): KindConfiguration,
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Fatalf("KindOf(%v) = %s, want %s", err, got, want)
		}
	}
	if KindOf(nil) != "" {
		t.Fatal("expected empty kind for nil error")
	}
}

func TestRecoverable(t *testing.T) {
	if Recoverable(Wrap(ErrConfiguration, "config", "", nil)) {
		t.Fatal("configuration errors must not be recoverable")
	}
	if !Recoverable(Wrap(ErrSchema, "decode", "", nil)) {
		t.Fatal("schema errors are recoverable by retry")
	}
	if Recoverable(nil) {
		t.Fatal("nil is not an error")
	}
}
