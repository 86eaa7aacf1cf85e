package vrift

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_CodeRoundTrip(t *testing.T) {
	for c := NotFound; c <= InitState; c++ {
		if ParseErrorCode(c.String()) != c {
			t.Errorf("code %d does not round trip through %q", c, c.String())
		}
	}
	if ParseErrorCode("made_up") != Unknown {
		t.Error("unknown name should map to Unknown")
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := Errorf(Busy, "path held by pid %d", 42)
	if !errors.Is(err, Error{Code: Busy}) {
		t.Error("errors.Is failed to match by code")
	}
	if errors.Is(err, Error{Code: NotFound}) {
		t.Error("errors.Is matched the wrong code")
	}
	if CodeOf(err) != Busy {
		t.Errorf("CodeOf = %v", CodeOf(err))
	}
}

func TestError_WrapsCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Error{Code: Corruption, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if CodeOf(wrapped) != Corruption {
		t.Error("CodeOf lost the code through wrapping")
	}
}
