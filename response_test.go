package chttp

import (
	"net/http"
	"testing"
)

func TestIsSuccessStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]bool{
		199: false,
		200: true,
		204: true,
		299: true,
		300: false,
		404: false,
		500: false,
	}
	for code, want := range cases {
		if got := isSuccessStatus(code); got != want {
			t.Errorf("isSuccessStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestResponseErrNilOnSuccess(t *testing.T) {
	t.Parallel()

	resp := &Response{Code: 200}
	if err := resp.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestResponseErrNonNilOnHTTPStatusError(t *testing.T) {
	t.Parallel()

	resp := &Response{Code: 404, Reason: "Not Found", Headers: http.Header{}}
	resp.Error = newHTTPStatusError(resp)

	err := resp.Err()
	if err == nil {
		t.Fatal("Err() = nil, want non-nil for a 404 response")
	}
	cerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("Err() type = %T, want *Error", err)
	}
	if cerr.Kind != KindHTTPStatusError {
		t.Errorf("Kind = %v, want KindHTTPStatusError", cerr.Kind)
	}
	if cerr.Code != 404 {
		t.Errorf("Code = %d, want 404", cerr.Code)
	}
	if cerr.Response != resp {
		t.Error("Response does not point back to the originating Response")
	}
}
