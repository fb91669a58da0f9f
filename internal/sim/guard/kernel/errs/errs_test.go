package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	err := E(Forbidden, "not your chase")
	if CodeOf(err) != Forbidden {
		t.Fatalf("expected FORBIDDEN, got %s", CodeOf(err))
	}
	wrapped := fmt.Errorf("jail: %w", E(NotFound, "target %s", "x"))
	if !Is(wrapped, NotFound) {
		t.Fatalf("expected wrapped NOT_FOUND")
	}
	if !errors.Is(wrapped, E(NotFound, "")) {
		t.Fatalf("errors.Is should match by code")
	}
	if CodeOf(errors.New("boom")) != Internal {
		t.Fatalf("foreign errors map to INTERNAL")
	}
	if CodeOf(nil) != "" || Is(nil, Internal) {
		t.Fatalf("nil error has no code")
	}
	if got := E(InvalidArgument, "").Error(); got != "INVALID_ARGUMENT" {
		t.Fatalf("unexpected message %q", got)
	}
}
