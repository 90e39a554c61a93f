package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/go-concurrent-http/eventloop"
)

// netHTTPSlot is one of a NetHTTPEngine's fixed-capacity transfer slots: a
// waker reused across activations (so the fd the driver registers never
// changes for this slot's lifetime) plus the bookkeeping needed to discard
// a stale completion from a goroutine whose handle was since removed.
type netHTTPSlot struct {
	waker      *eventloop.Waker
	mu         sync.Mutex
	active     bool
	generation uint64
	cancel     context.CancelFunc
}

// NetHTTPEngine is the concrete net/http-backed Engine: AddHandle spawns a
// goroutine that runs (*http.Client).Do under a context.WithTimeout derived
// from the request's connect/request timeouts, and signals completion
// through the slot's Waker so the readiness poller observes one fd becoming
// readable, exactly like a real socket would. See DESIGN.md for why this
// replaces a cgo libcurl binding.
type NetHTTPEngine struct {
	slots     []netHTTPSlot
	fdToSlot  map[int]Handle
	socketCB  SocketCallback
	timerCB   TimerCallback

	completionsMu sync.Mutex
	completions   []Completion
}

// NewNetHTTPEngine preallocates maxClients slots, each with its own Waker.
func NewNetHTTPEngine(maxClients int) (*NetHTTPEngine, error) {
	if maxClients <= 0 {
		return nil, fmt.Errorf("transfer: maxClients must be positive")
	}
	e := &NetHTTPEngine{
		slots:    make([]netHTTPSlot, maxClients),
		fdToSlot: make(map[int]Handle, maxClients),
	}
	for i := range e.slots {
		w, err := eventloop.NewWaker()
		if err != nil {
			e.Close()
			return nil, err
		}
		e.slots[i].waker = w
		e.fdToSlot[w.FD()] = Handle(i)
	}
	return e, nil
}

func (e *NetHTTPEngine) MaxHandles() int { return len(e.slots) }

func (e *NetHTTPEngine) SetCallbacks(socket SocketCallback, timer TimerCallback) {
	e.socketCB = socket
	e.timerCB = timer
}

func (e *NetHTTPEngine) slot(h Handle) *netHTTPSlot {
	return &e.slots[h]
}

// AddHandle begins a transfer on slot h, which must be idle.
func (e *NetHTTPEngine) AddHandle(h Handle, opts Options) error {
	s := e.slot(h)
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return fmt.Errorf("transfer: handle %d already active", h)
	}
	s.active = true
	s.generation++
	gen := s.generation
	ctx, cancel := e.requestContext(opts)
	s.cancel = cancel
	s.mu.Unlock()

	go e.run(h, gen, ctx, opts)

	if e.socketCB != nil {
		e.socketCB(h, SocketIn, s.waker.FD())
	}
	return nil
}

func (e *NetHTTPEngine) requestContext(opts Options) (context.Context, context.CancelFunc) {
	timeout := opts.ConnectTimeout + opts.RequestTimeout
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// run performs the transfer on its own goroutine and records the result,
// unless the slot was reused (or removed) out from under it in the
// meantime, in which case the stale result is discarded silently.
func (e *NetHTTPEngine) run(h Handle, gen uint64, ctx context.Context, opts Options) {
	result := e.doTransfer(ctx, opts)

	s := e.slot(h)
	s.mu.Lock()
	stale := s.generation != gen
	s.mu.Unlock()
	if stale {
		return
	}

	e.completionsMu.Lock()
	e.completions = append(e.completions, Completion{Handle: h, Result: result})
	e.completionsMu.Unlock()

	s.waker.Wake()
}

func (e *NetHTTPEngine) doTransfer(ctx context.Context, opts Options) Result {
	start := time.Now()

	client, err := e.buildClient(opts)
	if err != nil {
		return Result{Err: err}
	}

	req, err := e.buildRequest(ctx, opts)
	if err != nil {
		return Result{Err: err}
	}

	resp, headerLines, err := e.doWithHeaderCapture(client, req, opts)
	if err != nil {
		return Result{Err: err, TimeInfo: TimeInfo{Total: time.Since(start)}}
	}
	defer resp.Body.Close()

	for _, line := range headerLines {
		if opts.HeaderCallback != nil {
			opts.HeaderCallback(line)
		}
	}

	result := Result{
		Code:         resp.StatusCode,
		Reason:       strings.TrimPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode)),
		Headers:      resp.Header,
		EffectiveURL: req.URL.String(),
		TimeInfo:     TimeInfo{Total: time.Since(start)},
	}
	if resp.Request != nil && resp.Request.URL != nil {
		result.EffectiveURL = resp.Request.URL.String()
	}

	if opts.StreamingCallback != nil {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if cerr := opts.StreamingCallback(buf[:n]); cerr != nil {
					result.Err = cerr
					return result
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				result.Err = rerr
				return result
			}
		}
		return result
	}

	var limit int64 = opts.MaxBodyLength
	var body []byte
	if limit > 0 {
		lr := &io.LimitedReader{R: resp.Body, N: limit + 1}
		body, err = io.ReadAll(lr)
		if err == nil && int64(len(body)) > limit {
			result.Err = fmt.Errorf("transfer: response body exceeds max_body_length (%d)", limit)
			return result
		}
	} else {
		body, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		result.Err = err
		return result
	}
	result.Body = body
	return result
}

// doWithHeaderCapture issues req and, on success, reconstructs the raw
// header lines the way a streaming header parser would see them: a
// synthetic "HTTP/<proto> <status>" line (the X-Http-Reason analogue is
// carried as the Reason field alongside it, since net/http already parses
// headers for us rather than handing us a byte stream to latin1-decode),
// followed by one line per header field. A real socket-level byte stream
// isn't available through net/http's RoundTripper interface without a
// custom Transport hook, so this reconstructs the logical equivalent from
// the parsed http.Response, preserving the accumulator-reset-per-hop
// behavior by only reflecting the final hop's headers (net/http itself
// only exposes the final response after following redirects).
func (e *NetHTTPEngine) doWithHeaderCapture(client *http.Client, req *http.Request, opts Options) (*http.Response, []string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	lines := make([]string, 0, len(resp.Header)+1)
	lines = append(lines, fmt.Sprintf("HTTP/%d.%d %s", resp.ProtoMajor, resp.ProtoMinor, resp.Status))
	for k, vs := range resp.Header {
		for _, v := range vs {
			lines = append(lines, k+": "+v)
		}
	}
	_ = opts
	return resp, lines, nil
}

func (e *NetHTTPEngine) buildRequest(ctx context.Context, opts Options) (*http.Request, error) {
	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, opts.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	// Expect/Pragma are forced empty unless the caller set them, matching
	// the original client's header-forcing behavior.
	if req.Header.Get("Expect") == "" {
		req.Header.Set("Expect", "")
	}
	if req.Header.Get("Pragma") == "" {
		req.Header.Set("Pragma", "")
	}
	if opts.Auth != nil {
		if opts.Auth.Digest {
			if err := e.applyDigestAuth(req, opts); err != nil {
				return nil, err
			}
		} else {
			req.SetBasicAuth(opts.Auth.Username, opts.Auth.Password)
		}
	}
	if opts.Proxy != nil && opts.Proxy.Digest {
		if err := e.applyProxyDigestAuth(req, opts); err != nil {
			return nil, err
		}
	}
	if opts.PrepareCallback != nil {
		if err := opts.PrepareCallback(req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// applyDigestAuth performs the RFC 7616 challenge/response dance: issue a
// throwaway probe request to obtain the WWW-Authenticate challenge, then set
// the computed Authorization header on req (the caller's real request,
// still unsent). crypto/md5 is used because the protocol itself mandates
// it for its default "MD5" algorithm.
func (e *NetHTTPEngine) applyDigestAuth(req *http.Request, opts Options) error {
	probeClient := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	probe, err := http.NewRequestWithContext(req.Context(), req.Method, req.URL.String(), nil)
	if err != nil {
		return err
	}
	probeResp, err := probeClient.Do(probe)
	if err != nil {
		return err
	}
	defer probeResp.Body.Close()
	if probeResp.StatusCode != http.StatusUnauthorized {
		return nil
	}
	challenge := probeResp.Header.Get("WWW-Authenticate")
	if challenge == "" || !strings.HasPrefix(strings.ToLower(challenge), "digest") {
		return fmt.Errorf("transfer: digest auth requested but server did not challenge with Digest")
	}
	req.Header.Set("Authorization", buildDigestResponse(challenge, opts.Auth.Username, opts.Auth.Password, req.Method, req.URL.RequestURI()))
	return nil
}

// applyProxyDigestAuth mirrors applyDigestAuth's challenge/response dance,
// but probes the proxy itself (a plain request routed through it, expecting
// 407 with Proxy-Authenticate) and sets Proxy-Authorization on req rather
// than Authorization.
func (e *NetHTTPEngine) applyProxyDigestAuth(req *http.Request, opts Options) error {
	proxyURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", opts.Proxy.Host, opts.Proxy.Port),
	}
	probeClient := &http.Client{
		Transport:     &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	probe, err := http.NewRequestWithContext(req.Context(), req.Method, req.URL.String(), nil)
	if err != nil {
		return err
	}
	probeResp, err := probeClient.Do(probe)
	if err != nil {
		return err
	}
	defer probeResp.Body.Close()
	if probeResp.StatusCode != http.StatusProxyAuthRequired {
		return nil
	}
	challenge := probeResp.Header.Get("Proxy-Authenticate")
	if challenge == "" || !strings.HasPrefix(strings.ToLower(challenge), "digest") {
		return fmt.Errorf("transfer: proxy digest auth requested but proxy did not challenge with Digest")
	}
	req.Header.Set("Proxy-Authorization", buildDigestResponse(challenge, opts.Proxy.Username, opts.Proxy.Password, req.Method, req.URL.RequestURI()))
	return nil
}

// buildDigestResponse computes the RFC 7616 response value for one
// challenge/credential pair and assembles it into an Authorization-header-
// shaped string (the caller decides which header it becomes).
func buildDigestResponse(challenge, username, password, method, uri string) string {
	params := parseDigestChallenge(challenge)

	ha1 := md5Hex(username + ":" + params["realm"] + ":" + password)
	ha2 := md5Hex(method + ":" + uri)

	var response, cnonce, nc string
	if qop := params["qop"]; qop != "" {
		cnonce = randomHex(8)
		nc = "00000001"
		response = md5Hex(strings.Join([]string{ha1, params["nonce"], nc, cnonce, qop, ha2}, ":"))
	} else {
		response = md5Hex(strings.Join([]string{ha1, params["nonce"], ha2}, ":"))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, params["realm"], params["nonce"], uri, response)
	if params["qop"] != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, params["qop"], nc, cnonce)
	}
	if opaque := params["opaque"]; opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	return b.String()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func parseDigestChallenge(header string) map[string]string {
	out := make(map[string]string)
	header = strings.TrimPrefix(header, "Digest ")
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
	}
	return out
}

// overrideDialContext installs a DialContext on transport that honors the
// DNS override knobs: ResolveList/ConnectToList entries of the
// form "host:port:target" rewrite the dial address outright (curl's
// --resolve / --connect-to semantics), and Servers, if set, point a
// dedicated net.Resolver at custom nameservers for everything else.
func overrideDialContext(dialer *net.Dialer, transport *http.Transport, dns DNSConfig, network string) {
	rewrite := make(map[string]string, len(dns.ResolveList)+len(dns.ConnectToList))
	for _, entry := range dns.ResolveList {
		if host, target, ok := splitDialRewrite(entry); ok {
			rewrite[host] = target
		}
	}
	for _, entry := range dns.ConnectToList {
		if host, target, ok := splitDialRewrite(entry); ok {
			rewrite[host] = target
		}
	}

	resolver := net.DefaultResolver
	if len(dns.Servers) > 0 {
		servers := dns.Servers
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, dialNetwork, _ string) (net.Conn, error) {
				var lastErr error
				for _, server := range servers {
					addr := server
					if !strings.Contains(addr, ":") {
						addr = net.JoinHostPort(addr, "53")
					}
					conn, err := (&net.Dialer{}).DialContext(ctx, dialNetwork, addr)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, lastErr
			},
		}
	}

	transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		if target, ok := rewrite[addr]; ok {
			addr = target
		}
		if resolver != net.DefaultResolver {
			host, port, err := net.SplitHostPort(addr)
			if err == nil {
				if ips, err := resolver.LookupIPAddr(ctx, host); err == nil && len(ips) > 0 {
					addr = net.JoinHostPort(ips[0].String(), port)
				}
			}
		}
		return dialer.DialContext(ctx, network, addr)
	}
}

// splitDialRewrite parses a --resolve-style "host:port:ip" entry or a
// --connect-to-style "host:port:connecthost:connectport" entry into
// (host:port, target), where target always carries its own port.
func splitDialRewrite(entry string) (hostPort, target string, ok bool) {
	parts := strings.SplitN(entry, ":", 4)
	switch len(parts) {
	case 3:
		return parts[0] + ":" + parts[1], parts[2] + ":" + parts[1], true
	case 4:
		return parts[0] + ":" + parts[1], parts[2] + ":" + parts[3], true
	default:
		return "", "", false
	}
}

func (e *NetHTTPEngine) buildClient(opts Options) (*http.Client, error) {
	transport := &http.Transport{}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	if opts.NetworkInterface != "" {
		if iface, err := net.InterfaceByName(opts.NetworkInterface); err == nil {
			if addrs, err := iface.Addrs(); err == nil && len(addrs) > 0 {
				if ipNet, ok := addrs[0].(*net.IPNet); ok {
					dialer.LocalAddr = &net.TCPAddr{IP: ipNet.IP}
				}
			}
		}
	}

	network := "tcp"
	if opts.ForceIPv4 {
		network = "tcp4"
	}

	if len(opts.DNS.Servers) > 0 || len(opts.DNS.ResolveList) > 0 || len(opts.DNS.ConnectToList) > 0 {
		overrideDialContext(dialer, transport, opts.DNS, network)
	} else {
		transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		}
	}

	transport.DisableCompression = !opts.DecompressResponse

	tlsConfig := &tls.Config{InsecureSkipVerify: !opts.TLS.ValidateCert}
	if len(opts.TLS.CACerts) > 0 {
		pool := x509.NewCertPool()
		for _, pemPath := range opts.TLS.CACerts {
			if data, err := readPEM(pemPath); err == nil {
				pool.AppendCertsFromPEM(data)
			}
		}
		tlsConfig.RootCAs = pool
	}
	if opts.TLS.ClientCert != "" && opts.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(opts.TLS.ClientCert, opts.TLS.ClientKey)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	transport.TLSClientConfig = tlsConfig

	if opts.Proxy != nil {
		proxyURL := &url.URL{
			Scheme: "http",
			Host:   fmt.Sprintf("%s:%d", opts.Proxy.Host, opts.Proxy.Port),
		}
		if opts.Proxy.Username != "" && !opts.Proxy.Digest {
			proxyURL.User = url.UserPassword(opts.Proxy.Username, opts.Proxy.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{Transport: transport}
	if !opts.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if opts.MaxRedirects > 0 {
		max := opts.MaxRedirects
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= max {
				return fmt.Errorf("transfer: stopped after %d redirects", max)
			}
			return nil
		}
	}
	return client, nil
}

func readPEM(path string) ([]byte, error) {
	return readFileFunc(path)
}

// readFileFunc is a package variable so tests can stub PEM loading without
// touching the filesystem.
var readFileFunc = os.ReadFile

// Action notifies the engine fd became ready; for this engine fd is always
// a slot's waker fd, so this just drains it (the actual Result was already
// recorded by the goroutine before it woke the waker).
func (e *NetHTTPEngine) Action(fd int, _ eventloop.ReadyEvents) error {
	h, ok := e.fdToSlot[fd]
	if !ok {
		return nil
	}
	e.slot(h).waker.Drain()
	return nil
}

// ActionTimeout is a no-op: this engine resolves each transfer's deadline
// via context.WithTimeout internally rather than through the driver's timer
// bridge, so it never calls TimerCallback and has nothing to do here. See
// DESIGN.md for the rationale; the bridge itself is still implemented, since
// a future non-goroutine-based Engine would need it, though no test drives
// it (the driver tests' fake Engine discards the TimerCallback).
func (e *NetHTTPEngine) ActionTimeout() error { return nil }

// SocketAll is likewise a no-op for this engine: there is no hidden
// fd/timer state that could silently drop a callback the way a raw
// event-driven transfer library's could, since completion is always driven
// by the per-slot goroutine waking its own waker.
func (e *NetHTTPEngine) SocketAll() error { return nil }

func (e *NetHTTPEngine) InfoRead() []Completion {
	e.completionsMu.Lock()
	defer e.completionsMu.Unlock()
	if len(e.completions) == 0 {
		return nil
	}
	out := e.completions
	e.completions = nil
	return out
}

func (e *NetHTTPEngine) RemoveHandle(h Handle) {
	s := e.slot(h)
	s.mu.Lock()
	s.active = false
	s.generation++
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if e.socketCB != nil {
		e.socketCB(h, SocketRemove, s.waker.FD())
	}
}

func (e *NetHTTPEngine) Close() error {
	for i := range e.slots {
		h := Handle(i)
		e.slot(h).mu.Lock()
		cancel := e.slots[i].cancel
		e.slots[i].active = false
		e.slots[i].cancel = nil
		e.slot(h).mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	var firstErr error
	for i := range e.slots {
		if e.slots[i].waker == nil {
			continue
		}
		if err := e.slots[i].waker.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
