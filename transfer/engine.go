// Package transfer defines the transfer-library contract the driver package
// bridges to an eventloop.Loop (a libcurl-multi-shaped interface:
// socket/timer callbacks, an Action step, InfoRead draining, a SocketAll
// sweep), plus NetHTTPEngine, the one concrete net/http-backed
// implementation. The contract purposely knows nothing about chttp.Request
// or chttp.Response — those are the caller's types; Options/Result here are
// this package's own, so transfer (and driver, which only depends on
// transfer and eventloop) never imports the root chttp package.
package transfer

import (
	"net/http"
	"time"

	"github.com/joeycumines/go-concurrent-http/eventloop"
)

// SocketEvent is the readiness interest the engine is asking the driver to
// (un)register on its behalf.
type SocketEvent int

const (
	SocketNone SocketEvent = iota
	SocketIn
	SocketOut
	SocketInOut
	SocketRemove
)

// Handle addresses one of the engine's fixed-capacity transfer slots. The
// engine allocates MaxHandles() of these at construction; the driver owns
// the free-list/in-flight partition over them (modeled as two containers
// with one moving operation, not the engine's concern).
type Handle int

// SocketCallback is invoked by the engine whenever a handle's fd needs
// (re)registering or removing from the hosting event loop.
type SocketCallback func(h Handle, event SocketEvent, fd int)

// TimerCallback is invoked by the engine to arm or cancel the driver's
// single outstanding timeout (active=false cancels).
type TimerCallback func(timeout time.Duration, active bool)

// ProxyConfig, AuthConfig, TLSConfig, and DNSConfig are the materialized
// forms of the corresponding chttp.Request options, translated by the
// caller (chttp package) before calling AddHandle.
type ProxyConfig struct {
	Host, Username, Password string
	Port                     int
	Digest                   bool
}

type AuthConfig struct {
	Username, Password string
	Digest              bool
}

type TLSConfig struct {
	ValidateCert          bool
	CACerts               []string
	ClientCert, ClientKey string
}

type DNSConfig struct {
	ResolveList, ConnectToList, Servers []string
	CacheTimeout                       time.Duration
	UseGlobalCache                     bool
}

// Options is a materialized transfer configuration: everything the engine
// needs to actually perform one HTTP transaction.
type Options struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	FollowRedirects bool
	MaxRedirects    int

	NetworkInterface string
	ForceIPv4        bool

	Proxy *ProxyConfig
	TLS   TLSConfig
	Auth  *AuthConfig
	DNS   DNSConfig

	DecompressResponse bool

	StreamingCallback func([]byte) error
	MaxBodyLength     int64

	// HeaderCallback is invoked with header lines rebuilt from the final
	// hop's parsed response: a synthetic "HTTP/<major>.<minor> <status>"
	// line first, then one "Key: value" line per header value, in map
	// iteration order rather than wire order. No X-Http-Reason line is
	// emitted; the reason phrase is reported in Result.Reason.
	HeaderCallback func(rawLine string)

	PrepareCallback func(*http.Request) error
}

// TimeInfo mirrors a libcurl-style timing phase breakdown (queue time is
// layered on by the driver, which alone knows the submit timestamp).
type TimeInfo struct {
	NameLookup    time.Duration
	Connect       time.Duration
	AppConnect    time.Duration
	PreTransfer   time.Duration
	StartTransfer time.Duration
	Total         time.Duration
	Redirect      time.Duration
}

// Result is what a completed transfer reports, regardless of success.
type Result struct {
	Code         int
	Reason       string
	Headers      http.Header
	Body         []byte
	EffectiveURL string

	PrimaryIP     string
	SpeedDownload float64
	SpeedUpload   float64
	TimeInfo      TimeInfo

	// Err is non-nil for a transport-level failure (a
	// transport-error(errno,message), reported as HTTP code 599 by the
	// chttp Manager). It is nil for any completed HTTP exchange, 2xx or not: a
	// non-2xx status still fulfils with a Response, since HTTP status
	// handling is the caller's concern.
	Err error
}

// Completion pairs a finished Handle with its Result, as drained by
// InfoRead.
type Completion struct {
	Handle Handle
	Result Result
}

// Engine is the transfer-library contract driver.Driver consumes. It is
// modeled on libcurl's multi interface: a fixed number of reusable slots,
// socket/timer callbacks telling the driver what to watch, and a
// drain-based completion report.
type Engine interface {
	// MaxHandles returns the fixed slot capacity established at
	// construction.
	MaxHandles() int
	// SetCallbacks installs the driver's socket/timer bridging hooks.
	// Called once, before the first AddHandle.
	SetCallbacks(socket SocketCallback, timer TimerCallback)
	// AddHandle begins a transfer on slot h. The slot must be idle.
	AddHandle(h Handle, opts Options) error
	// RemoveHandle aborts (if still in flight) and idles slot h.
	RemoveHandle(h Handle)
	// Action advances the engine's state machine in response to fd
	// becoming ready with the given readiness bits.
	Action(fd int, ready eventloop.ReadyEvents) error
	// ActionTimeout advances the engine's state machine in response to the
	// driver's single outstanding timeout firing.
	ActionTimeout() error
	// SocketAll is the periodic safety-net sweep: re-check every in-flight
	// handle regardless of reported readiness, to recover from a dropped
	// callback.
	SocketAll() error
	// InfoRead drains completions accumulated since the last call.
	InfoRead() []Completion
	// Close aborts every in-flight transfer and releases engine-owned
	// resources (e.g. per-slot wakers).
	Close() error
}
