package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_HidesCause(t *testing.T) {
	cause := errors.New("authorization code expired at 12:00")
	err := newError(ErrInvalidGrant, "", cause)

	if err.Error() != "invalid_grant: invalid grant" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("cause should stay reachable through Unwrap")
	}
	if err.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", err.Status, http.StatusBadRequest)
	}
}

func TestError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same sentinel", ErrInvalidGrant, ErrInvalidGrant, true},
		{"copy with description", newError(ErrInvalidScope, "too broad", nil), ErrInvalidScope, true},
		{"wrapped", fmt.Errorf("exchange: %w", newError(ErrInvalidGrant, "", nil)), ErrInvalidGrant, true},
		{"different code", ErrInvalidGrant, ErrInvalidToken, false},
		{"plain error", errors.New("invalid_grant"), ErrInvalidGrant, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewError_DoesNotMutateSentinel(t *testing.T) {
	_ = newError(ErrInvalidRequest, "custom", errors.New("cause"))

	if ErrInvalidRequest.Description != "invalid request" {
		t.Errorf("sentinel description changed to %q", ErrInvalidRequest.Description)
	}
	if ErrInvalidRequest.Err != nil {
		t.Error("sentinel cause must stay nil")
	}
}
