package eventloop

import (
	"io"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the diagnostic sink used by a Loop for its own internal events
// (timer fires, fd dispatch, shutdown) and, by way of WithExceptionHook's
// default, for panics recovered from callbacks/timers/fd handlers. Fields
// are named for this domain: WorkerID (a Loop is usually one pool worker),
// HandleID (a transfer's completion handle), and TimerID.
type Logger interface {
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, err error, fields Fields)
}

// Fields is a small structured-logging payload. Values are limited to the
// handful of concrete types the loop and driver actually emit, so
// implementations never need an any-typed fast path.
type Fields struct {
	WorkerID string
	HandleID string
	TimerID  uint64
	FD       int
	Duration time.Duration
}

// NopLogger discards everything; it is the zero-configuration default.
type NopLogger struct{}

func (NopLogger) Debug(string, Fields)        {}
func (NopLogger) Info(string, Fields)         {}
func (NopLogger) Warn(string, Fields)         {}
func (NopLogger) Error(string, error, Fields) {}

// writerLogger is a minimal line-oriented Logger for tests and the cmd/chttpd
// demo, where pulling in logiface/stumpy isn't warranted.
type writerLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterLogger returns a Logger that writes one line per event directly
// to w, with no structured encoding. Intended for tests and simple CLI use;
// production use should prefer NewLogifaceLogger.
func NewWriterLogger(w io.Writer) Logger {
	return &writerLogger{w: w}
}

func (l *writerLogger) log(level, msg string, err error, f Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.w, level)
	io.WriteString(l.w, " ")
	io.WriteString(l.w, msg)
	if f.WorkerID != "" {
		io.WriteString(l.w, " worker=")
		io.WriteString(l.w, f.WorkerID)
	}
	if f.HandleID != "" {
		io.WriteString(l.w, " handle=")
		io.WriteString(l.w, f.HandleID)
	}
	if f.FD != 0 {
		io.WriteString(l.w, " fd=")
		io.WriteString(l.w, itoa(f.FD))
	}
	if err != nil {
		io.WriteString(l.w, " err=")
		io.WriteString(l.w, err.Error())
	}
	io.WriteString(l.w, "\n")
}

func (l *writerLogger) Debug(msg string, f Fields)        { l.log("DEBUG", msg, nil, f) }
func (l *writerLogger) Info(msg string, f Fields)         { l.log("INFO", msg, nil, f) }
func (l *writerLogger) Warn(msg string, f Fields)         { l.log("WARN", msg, nil, f) }
func (l *writerLogger) Error(msg string, err error, f Fields) { l.log("ERROR", msg, err, f) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// logifaceLogger adapts a JSON-structured logiface.Logger[*stumpy.Event] to
// Logger.
type logifaceLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

// NewLogifaceLogger wires github.com/joeycumines/logiface with the
// github.com/joeycumines/stumpy JSON backend. opts configure the stumpy
// backend (writer, field names); with none given, stumpy's defaults apply (JSON
// lines to os.Stderr).
func NewLogifaceLogger(opts ...stumpy.Option) Logger {
	return &logifaceLogger{
		l: stumpy.L.New(stumpy.L.WithStumpy(opts...)),
	}
}

func (l *logifaceLogger) apply(b *logiface.Builder[*stumpy.Event], f Fields, err error) {
	if f.WorkerID != "" {
		b.Str("worker", f.WorkerID)
	}
	if f.HandleID != "" {
		b.Str("handle", f.HandleID)
	}
	if f.TimerID != 0 {
		b.Int64("timer", int64(f.TimerID))
	}
	if f.FD != 0 {
		b.Int64("fd", int64(f.FD))
	}
	if f.Duration != 0 {
		b.Int64("duration_ms", f.Duration.Milliseconds())
	}
	if err != nil {
		b.Err(err)
	}
}

func (l *logifaceLogger) Debug(msg string, f Fields) {
	b := l.l.Debug()
	l.apply(b, f, nil)
	b.Log(msg)
}

func (l *logifaceLogger) Info(msg string, f Fields) {
	b := l.l.Info()
	l.apply(b, f, nil)
	b.Log(msg)
}

func (l *logifaceLogger) Warn(msg string, f Fields) {
	b := l.l.Warning()
	l.apply(b, f, nil)
	b.Log(msg)
}

func (l *logifaceLogger) Error(msg string, err error, f Fields) {
	b := l.l.Err()
	l.apply(b, f, err)
	b.Log(msg)
}

// rateLimitedExceptionHook wraps a Logger with a per-category catrate
// limiter so a misbehaving recurring callback/timer/fd handler can't flood
// the log: at most one line per category per window, ported from the
// default WithExceptionLogWindow of one second.
type rateLimitedExceptionHook struct {
	logger  Logger
	limiter *catrate.Limiter
}

func newRateLimitedExceptionHook(logger Logger, window time.Duration) func(origin string, err error) {
	h := &rateLimitedExceptionHook{
		logger:  logger,
		limiter: catrate.NewLimiter(map[time.Duration]int{window: 1}),
	}
	return h.handle
}

func (h *rateLimitedExceptionHook) handle(origin string, err error) {
	if _, allowed := h.limiter.Allow(origin); !allowed {
		return
	}
	h.logger.Error("unhandled panic recovered", err, Fields{WorkerID: origin})
}
