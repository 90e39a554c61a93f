package chttp

import (
	"errors"
	"strings"
	"testing"
)

func TestKindString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind Kind
		want string
	}{
		{KindQueueFull, "queue_full"},
		{KindManagerNotStarted, "manager_not_started"},
		{KindManagerStopped, "manager_stopped"},
		{KindSetupError, "setup_error"},
		{KindTransportError, "transport_error"},
		{KindHTTPStatusError, "http_status_error"},
		{KindUnsupportedOption, "unsupported_option"},
		{KindInvalidMethod, "invalid_method"},
		{KindInvalidBodyForMethod, "invalid_body_for_method"},
		{KindCrossProcessUse, "cross_process_use"},
		{Kind(999), "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			if got := tc.kind.String(); got != tc.want {
				t.Errorf("Kind(%d).String() = %q, want %q", tc.kind, got, tc.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := newError(KindTransportError, "transport failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if got := errors.Unwrap(err); got != cause {
		t.Errorf("Unwrap() = %v, want %v", got, cause)
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := newError(KindTransportError, "dial failed", cause)
	msg := err.Error()
	if !strings.Contains(msg, "connection refused") {
		t.Fatalf("Error() = %q, want it to include the cause %q", msg, "connection refused")
	}

	noCause := newError(KindQueueFull, "queue is full", nil)
	if noCause.Error() == "" {
		t.Fatal("Error() returned empty string for nil cause")
	}
}
