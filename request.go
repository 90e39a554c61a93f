package chttp

import (
	"net/http"
	"time"
)

// AuthMode selects how proxy or endpoint credentials are presented.
type AuthMode int

const (
	AuthModeBasic AuthMode = iota
	AuthModeDigest
)

// Request is the opaque-to-the-core request description. It is built via
// NewRequest plus RequestOption functions and is never mutated by the
// driver after dispatch.
type Request struct {
	URL    string
	Method string
	Headers http.Header
	Body   []byte

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	FollowRedirects bool
	MaxRedirects    int

	UserAgent string

	NetworkInterface string

	DecompressResponse bool

	ProxyHost     string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
	ProxyAuthMode AuthMode
	hasProxy      bool

	ValidateCert bool
	CACerts      []string
	ClientCert   string
	ClientKey    string

	AllowIPv6 bool

	AuthUsername string
	AuthPassword string
	AuthMode     AuthMode
	hasAuth      bool

	ResolveList       []string
	ConnectToList     []string
	DNSServers        []string
	DNSCacheTimeout   time.Duration
	DNSUseGlobalCache bool

	StreamingCallback func([]byte) error
	MaxBodyLength     int64

	// HeaderCallback, if set, is invoked once per raw header line received
	// for the final hop (reset on redirect), including a synthetic
	// "HTTP/<proto> <status>" line preceding the header fields.
	HeaderCallback  func(rawLine string)
	PrepareCallback func(*http.Request) error

	AllowNonstandardMethods bool

	// SSLOptions is reserved for parity with the transfer library this
	// module's contract is modeled on. It must be left nil; a non-nil
	// value fails dispatch with KindUnsupportedOption.
	SSLOptions any
}

// RequestOption configures a Request constructed via NewRequest.
type RequestOption func(*Request)

// defaultUserAgent matches the transfer library this module's request
// contract is modeled on, preserved so header-snapshotting tests have a
// stable default to assert against.
const defaultUserAgent = "Mozilla/5.0 (compatible; pycurl)"

// NewRequest builds a Request for url with GET and the documented defaults:
// redirects followed up to 10 hops, the legacy default user agent, IPv6
// allowed, and decompression requested.
func NewRequest(url string, opts ...RequestOption) *Request {
	r := &Request{
		URL:                 url,
		Method:              http.MethodGet,
		Headers:             make(http.Header),
		FollowRedirects:     true,
		MaxRedirects:        10,
		UserAgent:           defaultUserAgent,
		DecompressResponse:  true,
		AllowIPv6:           true,
		ConnectTimeout:      30 * time.Second,
		RequestTimeout:      0,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func WithMethod(method string) RequestOption {
	return func(r *Request) { r.Method = method }
}

func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		if r.Headers == nil {
			r.Headers = make(http.Header)
		}
		r.Headers.Add(key, value)
	}
}

func WithHeaders(headers http.Header) RequestOption {
	return func(r *Request) {
		if r.Headers == nil {
			r.Headers = make(http.Header)
		}
		for k, vs := range headers {
			for _, v := range vs {
				r.Headers.Add(k, v)
			}
		}
	}
}

func WithBody(body []byte) RequestOption {
	return func(r *Request) { r.Body = body }
}

func WithTimeouts(connect, request time.Duration) RequestOption {
	return func(r *Request) {
		r.ConnectTimeout = connect
		r.RequestTimeout = request
	}
}

func WithRedirects(follow bool, max int) RequestOption {
	return func(r *Request) {
		r.FollowRedirects = follow
		r.MaxRedirects = max
	}
}

func WithUserAgent(ua string) RequestOption {
	return func(r *Request) { r.UserAgent = ua }
}

func WithNetworkInterface(iface string) RequestOption {
	return func(r *Request) { r.NetworkInterface = iface }
}

func WithDecompression(enabled bool) RequestOption {
	return func(r *Request) { r.DecompressResponse = enabled }
}

func WithProxy(host string, port int, username, password string, mode AuthMode) RequestOption {
	return func(r *Request) {
		r.ProxyHost = host
		r.ProxyPort = port
		r.ProxyUsername = username
		r.ProxyPassword = password
		r.ProxyAuthMode = mode
		r.hasProxy = true
	}
}

func WithTLS(validateCert bool, caCerts []string, clientCert, clientKey string) RequestOption {
	return func(r *Request) {
		r.ValidateCert = validateCert
		r.CACerts = caCerts
		r.ClientCert = clientCert
		r.ClientKey = clientKey
	}
}

func WithIPv6(allow bool) RequestOption {
	return func(r *Request) { r.AllowIPv6 = allow }
}

func WithBasicAuth(username, password string) RequestOption {
	return func(r *Request) {
		r.AuthUsername = username
		r.AuthPassword = password
		r.AuthMode = AuthModeBasic
		r.hasAuth = true
	}
}

func WithDigestAuth(username, password string) RequestOption {
	return func(r *Request) {
		r.AuthUsername = username
		r.AuthPassword = password
		r.AuthMode = AuthModeDigest
		r.hasAuth = true
	}
}

func WithDNS(resolveList, connectToList, dnsServers []string, cacheTimeout time.Duration, useGlobalCache bool) RequestOption {
	return func(r *Request) {
		r.ResolveList = resolveList
		r.ConnectToList = connectToList
		r.DNSServers = dnsServers
		r.DNSCacheTimeout = cacheTimeout
		r.DNSUseGlobalCache = useGlobalCache
	}
}

func WithStreamingCallback(fn func([]byte) error) RequestOption {
	return func(r *Request) { r.StreamingCallback = fn }
}

func WithMaxBodyLength(n int64) RequestOption {
	return func(r *Request) { r.MaxBodyLength = n }
}

// WithHeaderCallback registers fn to be invoked once per header line of the
// final response hop (rebuilt from the parsed headers, so not in wire order).
func WithHeaderCallback(fn func(rawLine string)) RequestOption {
	return func(r *Request) { r.HeaderCallback = fn }
}

func WithPrepareCallback(fn func(*http.Request) error) RequestOption {
	return func(r *Request) { r.PrepareCallback = fn }
}

func WithAllowNonstandardMethods() RequestOption {
	return func(r *Request) { r.AllowNonstandardMethods = true }
}

// HasProxy reports whether WithProxy configured a proxy.
func (r *Request) HasProxy() bool { return r.hasProxy }

// HasAuth reports whether WithBasicAuth/WithDigestAuth configured endpoint
// credentials.
func (r *Request) HasAuth() bool { return r.hasAuth }

var standardMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodHead:    true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
}

// bodyExpectedMethods mirrors the methods the underlying transfer is wired to
// send a request body for; every other method is expected bodyless.
var bodyExpectedMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Validate checks the method/body policy, returning a *Error of
// KindInvalidMethod, KindInvalidBodyForMethod, or KindUnsupportedOption if
// violated.
func (r *Request) Validate() error {
	if !standardMethods[r.Method] && !r.AllowNonstandardMethods {
		return newError(KindInvalidMethod, "method "+r.Method+" requires AllowNonstandardMethods", nil)
	}

	bodyExpected := bodyExpectedMethods[r.Method]
	bodyPresent := len(r.Body) > 0
	if !r.AllowNonstandardMethods {
		if (bodyExpected && !bodyPresent) || (bodyPresent && !bodyExpected) {
			if bodyExpected {
				return newError(KindInvalidBodyForMethod, r.Method+" requests require a body (unless AllowNonstandardMethods is set)", nil)
			}
			return newError(KindInvalidBodyForMethod, "body must be nil for method "+r.Method+" (unless AllowNonstandardMethods is set)", nil)
		}
	}
	// GET with a body is rejected even with AllowNonstandardMethods: nothing
	// downstream of this package is wired to send one.
	if (bodyExpected || bodyPresent) && r.Method == http.MethodGet {
		return newError(KindInvalidBodyForMethod, "body must be nil for GET requests", nil)
	}

	if r.SSLOptions != nil {
		return newError(KindUnsupportedOption, "SSLOptions must be nil", nil)
	}
	return nil
}
