package chttp

import (
	"net/http"
	"testing"
	"time"
)

func TestNewRequestDefaults(t *testing.T) {
	t.Parallel()

	r := NewRequest("http://example.com")
	if r.Method != http.MethodGet {
		t.Errorf("Method = %q, want GET", r.Method)
	}
	if !r.FollowRedirects || r.MaxRedirects != 10 {
		t.Errorf("FollowRedirects/MaxRedirects = %v/%d, want true/10", r.FollowRedirects, r.MaxRedirects)
	}
	if r.UserAgent != defaultUserAgent {
		t.Errorf("UserAgent = %q, want %q", r.UserAgent, defaultUserAgent)
	}
	if !r.DecompressResponse {
		t.Error("DecompressResponse = false, want true")
	}
	if !r.AllowIPv6 {
		t.Error("AllowIPv6 = false, want true")
	}
	if r.ConnectTimeout != 30*time.Second {
		t.Errorf("ConnectTimeout = %v, want 30s", r.ConnectTimeout)
	}
	if r.HasProxy() || r.HasAuth() {
		t.Error("HasProxy()/HasAuth() = true, want false by default")
	}
}

func TestRequestOptionsApply(t *testing.T) {
	t.Parallel()

	r := NewRequest("http://example.com",
		WithMethod(http.MethodPost),
		WithBody([]byte("payload")),
		WithHeader("X-Test", "a"),
		WithHeader("X-Test", "b"),
		WithTimeouts(5*time.Second, 10*time.Second),
		WithUserAgent("custom-agent"),
	)

	if r.Method != http.MethodPost {
		t.Errorf("Method = %q, want POST", r.Method)
	}
	if string(r.Body) != "payload" {
		t.Errorf("Body = %q, want payload", r.Body)
	}
	if got := r.Headers.Values("X-Test"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Headers[X-Test] = %v, want [a b]", got)
	}
	if r.ConnectTimeout != 5*time.Second || r.RequestTimeout != 10*time.Second {
		t.Errorf("timeouts = %v/%v, want 5s/10s", r.ConnectTimeout, r.RequestTimeout)
	}
	if r.UserAgent != "custom-agent" {
		t.Errorf("UserAgent = %q, want custom-agent", r.UserAgent)
	}
}

func TestRequestHasProxyAndAuth(t *testing.T) {
	t.Parallel()

	r := NewRequest("http://example.com",
		WithProxy("proxy.local", 8080, "u", "p", AuthModeDigest),
		WithBasicAuth("user", "pass"),
	)
	if !r.HasProxy() {
		t.Error("HasProxy() = false after WithProxy")
	}
	if !r.HasAuth() {
		t.Error("HasAuth() = false after WithBasicAuth")
	}
	if r.AuthMode != AuthModeBasic {
		t.Errorf("AuthMode = %v, want AuthModeBasic", r.AuthMode)
	}
	if r.ProxyAuthMode != AuthModeDigest {
		t.Errorf("ProxyAuthMode = %v, want AuthModeDigest", r.ProxyAuthMode)
	}
}

func TestRequestValidateMethodPolicy(t *testing.T) {
	t.Parallel()

	t.Run("GET with body rejected", func(t *testing.T) {
		r := NewRequest("http://example.com", WithBody([]byte("x")))
		err := r.Validate()
		assertKind(t, err, KindInvalidBodyForMethod)
	})

	t.Run("POST without body rejected", func(t *testing.T) {
		r := NewRequest("http://example.com", WithMethod(http.MethodPost))
		err := r.Validate()
		assertKind(t, err, KindInvalidBodyForMethod)
	})

	t.Run("POST with body accepted", func(t *testing.T) {
		r := NewRequest("http://example.com", WithMethod(http.MethodPost), WithBody([]byte("x")))
		if err := r.Validate(); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})

	t.Run("nonstandard method rejected without opt-in", func(t *testing.T) {
		r := NewRequest("http://example.com", WithMethod("PROPFIND"))
		err := r.Validate()
		assertKind(t, err, KindInvalidMethod)
	})

	t.Run("nonstandard method accepted with opt-in", func(t *testing.T) {
		r := NewRequest("http://example.com", WithMethod("PROPFIND"), WithAllowNonstandardMethods())
		if err := r.Validate(); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})

	t.Run("SSLOptions must be nil", func(t *testing.T) {
		r := NewRequest("http://example.com")
		r.SSLOptions = struct{}{}
		err := r.Validate()
		assertKind(t, err, KindUnsupportedOption)
	})

	t.Run("DELETE with body rejected without opt-in", func(t *testing.T) {
		r := NewRequest("http://example.com", WithMethod(http.MethodDelete), WithBody([]byte("x")))
		err := r.Validate()
		assertKind(t, err, KindInvalidBodyForMethod)
	})

	t.Run("DELETE with body accepted with opt-in", func(t *testing.T) {
		r := NewRequest("http://example.com", WithMethod(http.MethodDelete), WithBody([]byte("x")), WithAllowNonstandardMethods())
		if err := r.Validate(); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})

	t.Run("HEAD with body rejected without opt-in", func(t *testing.T) {
		r := NewRequest("http://example.com", WithMethod(http.MethodHead), WithBody([]byte("x")))
		err := r.Validate()
		assertKind(t, err, KindInvalidBodyForMethod)
	})

	t.Run("HEAD with body accepted with opt-in", func(t *testing.T) {
		r := NewRequest("http://example.com", WithMethod(http.MethodHead), WithBody([]byte("x")), WithAllowNonstandardMethods())
		if err := r.Validate(); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})

	t.Run("GET with body rejected even with opt-in", func(t *testing.T) {
		r := NewRequest("http://example.com", WithBody([]byte("x")), WithAllowNonstandardMethods())
		err := r.Validate()
		assertKind(t, err, KindInvalidBodyForMethod)
	})
}

func assertKind(t *testing.T, err error, want Kind) {
	t.Helper()
	cerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err = %v (%T), want *Error", err, err)
	}
	if cerr.Kind != want {
		t.Fatalf("err.Kind = %v, want %v", cerr.Kind, want)
	}
}
