package exitcodes

import (
	"errors"
	"fmt"
	"testing"
)

func TestErr2ExitMatchesWrappedSentinel(t *testing.T) {
	sentinel := errors.New("exitcodes_test: sample sentinel")
	Register(sentinel, 42)

	wrapped := fmt.Errorf("doing something: %w", sentinel)
	if got := Err2Exit(wrapped); got != 42 {
		t.Fatalf("Err2Exit(wrapped) = %d, want 42", got)
	}
}

func TestErr2ExitUnknownErrorFallsBackToUsage(t *testing.T) {
	if got := Err2Exit(errors.New("never registered")); got != Usage {
		t.Fatalf("Err2Exit(unknown) = %d, want %d", got, Usage)
	}
}

func TestErr2ExitNilError(t *testing.T) {
	if got := Err2Exit(nil); got != Usage {
		t.Fatalf("Err2Exit(nil) = %d, want %d", got, Usage)
	}
}
