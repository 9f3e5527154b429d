package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
		{Severity(-1), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewChannelError(t *testing.T) {
	err := NewChannelError("socket already served", ErrEndpointBindFailure)

	if err.Severity() != SeverityError {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityError)
	}
	if err.Retryable() {
		t.Error("Retryable() = true, want false")
	}
	if !Is(err, ErrEndpointBindFailure) {
		t.Error("Is(err, ErrEndpointBindFailure) = false, want true")
	}
}

func TestChannelError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ChannelError
		want string
	}{
		{
			name: "no context",
			err:  NewChannelError("bind failed", nil),
			want: "channel error: bind failed",
		},
		{
			name: "agent only",
			err:  NewChannelError("bind failed", nil).WithAgentID("a1"),
			want: "channel error [agent=a1]: bind failed",
		},
		{
			name: "agent, path and cause",
			err: NewChannelError("socket already served", ErrEndpointBindFailure).
				WithAgentID("a1").WithPath("/tmp/x/a1.sock"),
			want: "channel error [agent=a1, path=/tmp/x/a1.sock]: socket already served: endpoint bind failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChannelError_As(t *testing.T) {
	wrapped := fmt.Errorf("activate: %w", NewChannelError("gone", ErrChannelNotFound).WithAgentID("b2"))

	var chErr *ChannelError
	if !As(wrapped, &chErr) {
		t.Fatal("As() = false, want true")
	}
	if chErr.AgentID != "b2" {
		t.Errorf("AgentID = %q, want %q", chErr.AgentID, "b2")
	}
	if !Is(wrapped, ErrChannelNotFound) {
		t.Error("Is(wrapped, ErrChannelNotFound) = false, want true")
	}
}

func TestHubError(t *testing.T) {
	err := NewHubError("cannot lock channel directory", ErrHubLocked).WithDir("/run/imp")

	want := "hub error [dir=/run/imp]: cannot lock channel directory: channel directory is locked by another hub"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if err.Severity() != SeverityCritical {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityCritical)
	}
	if !Is(err, ErrHubLocked) {
		t.Error("Is(err, ErrHubLocked) = false, want true")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"channel error not retryable", NewChannelError("x", nil), false},
		{"channel error set retryable", NewChannelError("x", nil).WithRetryable(true), true},
		{"wrapped timeout sentinel", fmt.Errorf("dial: %w", ErrTimeout), true},
		{"hub error", NewHubError("x", ErrTimeout), false},
		{"standard error", errors.New("standard error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"nil", nil, SeverityDebug},
		{"standard", errors.New("x"), SeverityError},
		{"channel warning", NewChannelError("x", nil).WithSeverity(SeverityWarning), SeverityWarning},
		{"hub", NewHubError("x", nil), SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetSeverity(tt.err); got != tt.want {
				t.Errorf("GetSeverity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsAgentScoped(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"channel error", NewChannelError("x", nil), true},
		{"bind sentinel", Wrap(ErrEndpointBindFailure, "bind"), true},
		{"invalid id", Wrapf(ErrInvalidAgentID, "agent %q", "../x"), true},
		{"hub error", NewHubError("x", ErrHubLocked), false},
		{"hub closed", ErrHubClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAgentScoped(tt.err); got != tt.want {
				t.Errorf("IsAgentScoped() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) != nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("Wrapf(nil) != nil")
	}

	err := Wrapf(ErrChannelNotFound, "remove %s", "a1")
	if err.Error() != "remove a1: channel not found" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
	if !Is(err, ErrChannelNotFound) {
		t.Error("Is(Wrapf(...), ErrChannelNotFound) = false, want true")
	}
}
