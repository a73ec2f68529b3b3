// Package proxyrec holds the Proxy record and its framed TCP(+TLS)
// transport. Grounded on proxybroker/proxy.py for the connect/send/recv
// state machine and on pkg/wlpb/wlpb.go's Server for the stats/mutex shape
// (requests/positive/negative counters, JSON-friendly fields) that the
// teacher uses for its own proxy bookkeeping.
package proxyrec

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grishkovelli/proxybroker/internal/perrors"
	"github.com/grishkovelli/proxybroker/internal/resolver"
)

// Tag is one of the six protocol tags spec.md §3 allows in Proxy.types.
type Tag string

const (
	TagHTTP       Tag = "HTTP"
	TagHTTPS      Tag = "HTTPS"
	TagSOCKS4     Tag = "SOCKS4"
	TagSOCKS5     Tag = "SOCKS5"
	TagConnect80  Tag = "CONNECT:80"
	TagConnect25  Tag = "CONNECT:25"
)

// AllTags enumerates every protocol tag, the active-negotiator universe
// before any judge-availability pruning happens.
var AllTags = []Tag{TagHTTP, TagHTTPS, TagSOCKS4, TagSOCKS5, TagConnect80, TagConnect25}

// AnonLevel is only meaningful for TagHTTP; every other tag's entry in
// Proxy.Types is AnonNone.
type AnonLevel string

const (
	AnonNone        AnonLevel = ""
	AnonTransparent AnonLevel = "Transparent"
	AnonAnonymous   AnonLevel = "Anonymous"
	AnonHigh        AnonLevel = "High"
)

var httpProtos = map[Tag]bool{TagHTTP: true, TagConnect80: true, TagSOCKS4: true, TagSOCKS5: true}
var httpsProtos = map[Tag]bool{TagHTTPS: true, TagSOCKS4: true, TagSOCKS5: true}

// Stat mirrors spec.md §3's stat attribute.
type Stat struct {
	Requests int            `json:"requests"`
	Errors   map[string]int `json:"errors"`
}

// LogEntry mirrors spec.md §3's log record: (negotiator_tag, message, runtime).
type LogEntry struct {
	Negotiator string        `json:"negotiator"`
	Message    string        `json:"message"`
	Runtime    time.Duration `json:"runtime"`
}

// Proxy is the primary entity of the system: a candidate host:port plus
// everything learned about it.
type Proxy struct {
	Host string
	Port int

	ExpectedTypes map[Tag]bool
	Geo           resolver.GeoData

	mu        sync.Mutex
	types     map[Tag]AnonLevel
	stat      Stat
	runtimes  []time.Duration
	log       []LogEntry
	isWorking bool

	// transport state
	timeout   time.Duration
	verifySSL bool
	closed    bool
	tcp       net.Conn
	active    net.Conn // tcp, or the TLS-wrapped conn once upgraded
	rw        *bufio.ReadWriter
	ngtrName  string // current negotiator's display name, for log entries
}

// New constructs a Proxy whose host is already an IPv4 literal (the caller
// — Broker.handle — is responsible for resolving domains first; spec.md §3
// invariant).
func New(host string, port int, expected []Tag, timeout time.Duration, verifySSL bool) (*Proxy, error) {
	if !resolver.IsIP(host) {
		return nil, fmt.Errorf("proxy host must be an IP address, got %q", host)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("proxy port out of range: %d", port)
	}

	exp := make(map[Tag]bool, len(expected))
	for _, t := range expected {
		exp[t] = true
	}

	return &Proxy{
		Host:          host,
		Port:          port,
		ExpectedTypes: exp,
		types:         make(map[Tag]AnonLevel),
		stat:          Stat{Errors: make(map[string]int)},
		timeout:       timeout,
		verifySSL:     verifySSL,
		closed:        true,
	}, nil
}

// SetType records that tag is supported at the given anonymity level
// (AnonNone for non-HTTP tags).
func (p *Proxy) SetType(tag Tag, lvl AnonLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types[tag] = lvl
}

// RemoveType deletes tag from the working type map (used by strict-mode
// pruning in Checker.TypesPassed).
func (p *Proxy) RemoveType(tag Tag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.types, tag)
}

// Types returns a snapshot copy of the current protocol -> anonymity map.
func (p *Proxy) Types() map[Tag]AnonLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[Tag]AnonLevel, len(p.types))
	for k, v := range p.types {
		out[k] = v
	}
	return out
}

// SetWorking sets is_working; Checker sets it once all protocol checks
// have run, true iff any of them succeeded.
func (p *Proxy) SetWorking(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isWorking = v
}

// IsWorking reports spec.md §3's is_working flag.
func (p *Proxy) IsWorking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isWorking
}

// Key returns the (host, port) identity used by unique_proxies / the pool.
func (p *Proxy) Key() string {
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// Schemes derives {HTTP, HTTPS} membership from the current type map
// (spec.md §3).
func (p *Proxy) Schemes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	hasHTTP, hasHTTPS := false, false
	for tag := range p.types {
		if httpProtos[tag] {
			hasHTTP = true
		}
		if httpsProtos[tag] {
			hasHTTPS = true
		}
	}
	if hasHTTP {
		out = append(out, "HTTP")
	}
	if hasHTTPS {
		out = append(out, "HTTPS")
	}
	return out
}

// ErrorRate is sum(errors)/requests, 0 when requests is 0.
func (p *Proxy) ErrorRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stat.Requests == 0 {
		return 0
	}
	total := 0
	for _, c := range p.stat.Errors {
		total += c
	}
	return float64(total) / float64(p.stat.Requests)
}

// AvgRespTime is the mean of recorded runtimes, 0 when none were recorded.
func (p *Proxy) AvgRespTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.runtimes) == 0 {
		return 0
	}
	var sum time.Duration
	for _, r := range p.runtimes {
		sum += r
	}
	return sum / time.Duration(len(p.runtimes))
}

// Priority is the (error_rate, avg_resp_time) lexicographic key the pool
// sorts by; lower is better.
func (p *Proxy) Priority() (float64, time.Duration) {
	return p.ErrorRate(), p.AvgRespTime()
}

// Requests returns stat.requests, used by the pool's newcomer check.
func (p *Proxy) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stat.Requests
}

// StatSnapshot returns a copy of stat for reporting.
func (p *Proxy) StatSnapshot() Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	errs := make(map[string]int, len(p.stat.Errors))
	for k, v := range p.stat.Errors {
		errs[k] = v
	}
	return Stat{Requests: p.stat.Requests, Errors: errs}
}

// LogEvent appends a log entry, bumping the per-kind error counter when err
// is non-nil and appending the runtime unless the message mentions a
// timeout (spec.md §4.3).
func (p *Proxy) LogEvent(msg string, start time.Time, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var runtime time.Duration
	if !start.IsZero() {
		runtime = time.Since(start)
	}

	p.log = append(p.log, LogEntry{Negotiator: p.ngtrName, Message: msg, Runtime: runtime})

	if err != nil {
		if pe, ok := err.(*perrors.ProxyError); ok {
			p.stat.Errors[pe.Errmsg]++
		} else {
			p.stat.Errors["unknown"]++
		}
	}

	if runtime > 0 && !strings.Contains(strings.ToLower(msg), "timeout") {
		p.runtimes = append(p.runtimes, runtime)
	}
}

// Log returns a snapshot of the proxy's event log.
func (p *Proxy) Log() []LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LogEntry, len(p.log))
	copy(out, p.log)
	return out
}

// SetNegotiator records the display name used for subsequent LogEvent
// entries (mirrors proxy.py's ngtr setter).
func (p *Proxy) SetNegotiator(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ngtrName = name
}

//  ████████╗██████╗  █████╗ ███╗   ██╗███████╗██████╗  ██████╗ ██████╗ ████████╗
//  ╚══██╔══╝██╔══██╗██╔══██╗████╗  ██║██╔════╝██╔══██╗██╔═══██╗██╔══██╗╚══██╔══╝
//     ██║   ██████╔╝███████║██╔██╗ ██║███████╗██████╔╝██║   ██║██████╔╝   ██║
//     ██║   ██╔══██╗██╔══██║██║╚██╗██║╚════██║██╔═══╝ ██║   ██║██╔══██╗   ██║
//     ██║   ██║  ██║██║  ██║██║ ╚████║███████║██║     ╚██████╔╝██║  ██║   ██║
//     ╚═╝   ╚═╝  ╚═╝╚═╝  ╚═╝╚═╝  ╚═══╝╚══════╝╚═╝      ╚═════╝ ╚═╝  ╚═╝   ╚═╝
//

// Connect opens a TCP session to host:port, or (when tls is true) upgrades
// the already-open TCP session in place using SNI = proxy.host. Exactly one
// active (TCP, optional TLS) pair exists per proxy; a caller must Close
// before reconnecting (spec.md §4.3 invariant).
func (p *Proxy) Connect(ctx context.Context, useTLS bool) error {
	start := time.Now()
	label := ""
	if useTLS {
		label = "SSL: "
	}
	p.LogEvent(label+"Initial connection", time.Time{}, nil)

	p.mu.Lock()
	p.stat.Requests++
	p.mu.Unlock()

	var err error
	if useTLS {
		err = p.upgradeTLS(ctx)
	} else {
		err = p.dialTCP(ctx)
	}

	if err != nil {
		var perr *perrors.ProxyError
		switch {
		case isTimeoutErr(err):
			perr = perrors.ConnTimeout(err)
		default:
			perr = perrors.ConnFailed(err)
		}
		p.LogEvent(label+"Connection: failed", start, perr)
		return perr
	}

	p.closed = false
	p.LogEvent(label+"Connection: success", start, nil)
	return nil
}

func (p *Proxy) dialTCP(ctx context.Context) error {
	dialer := net.Dialer{Timeout: p.timeout}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := dialer.DialContext(cctx, "tcp", fmt.Sprintf("%s:%d", p.Host, p.Port))
	if err != nil {
		return err
	}

	p.tcp = conn
	p.active = conn
	p.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	return nil
}

func (p *Proxy) upgradeTLS(ctx context.Context) error {
	if p.tcp == nil {
		return fmt.Errorf("cannot upgrade to TLS without an open TCP connection")
	}

	cfg := &tls.Config{
		InsecureSkipVerify: !p.verifySSL,
		ServerName:         p.Host,
	}

	tlsConn := tls.Client(p.tcp, cfg)
	tlsConn.SetDeadline(time.Now().Add(p.timeout))

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}

	p.active = tlsConn
	p.rw = bufio.NewReadWriter(bufio.NewReader(tlsConn), bufio.NewWriter(tlsConn))
	return nil
}

// Close idempotently releases the TLS layer (if any) then the TCP socket,
// and clears the negotiator reference.
func (p *Proxy) Close() {
	if p.closed {
		return
	}
	if p.active != nil {
		p.active.Close()
	}
	if p.tcp != nil && p.tcp != p.active {
		p.tcp.Close()
	}
	p.tcp, p.active, p.rw = nil, nil, nil
	p.closed = true
	p.LogEvent("Connection: closed", time.Time{}, nil)
	p.SetNegotiator("")
}

// Send writes data to the active transport.
func (p *Proxy) Send(data []byte) error {
	start := time.Now()

	if p.rw == nil {
		err := perrors.ConnFailed(fmt.Errorf("not connected"))
		p.LogEvent("Request: (not connected)", start, err)
		return err
	}

	p.active.SetWriteDeadline(time.Now().Add(p.timeout))
	_, err := p.rw.Write(data)
	if err == nil {
		err = p.rw.Flush()
	}
	if err != nil {
		perr := perrors.ConnReset(err)
		p.LogEvent("Request: failed", start, perr)
		return perr
	}

	p.LogEvent(fmt.Sprintf("Request: %d bytes", len(data)), start, nil)
	return nil
}

// Transport exposes the active connection and its buffered reader so a
// caller (internal/dispatch's stream relay) can take over raw byte
// forwarding once negotiation is complete; any bytes already buffered by
// Recv/Send must be drained from the reader before reading the conn
// directly.
func (p *Proxy) Transport() (net.Conn, *bufio.Reader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rw == nil {
		return nil, nil
	}
	return p.active, p.rw.Reader
}

// RecvOptions selects one of recv's three modes (spec.md §4.3).
type RecvOptions struct {
	Length   int  // >0: read exactly this many bytes (short read allowed at EOF)
	HeadOnly bool // true: read until CRLF CRLF and stop
}

// Recv reads a response from the active transport per spec.md §4.3's three
// modes: an exact length, headers-only, or (the default) a full HTTP
// message whose body length is derived from Content-Length or chunked
// Transfer-Encoding.
func (p *Proxy) Recv(opts RecvOptions) ([]byte, error) {
	start := time.Now()

	if p.rw == nil {
		err := perrors.ConnFailed(fmt.Errorf("not connected"))
		p.LogEvent("Received: (not connected)", start, err)
		return nil, err
	}

	p.active.SetReadDeadline(time.Now().Add(p.timeout))

	var (
		data []byte
		err  error
	)

	switch {
	case opts.Length > 0:
		data, err = readExactly(p.rw.Reader, opts.Length)
	case opts.HeadOnly:
		data, err = readUntilHeaderEnd(p.rw.Reader)
	default:
		data, err = readFullMessage(p.rw.Reader, p.timeout)
	}

	if err != nil {
		var perr *perrors.ProxyError
		switch {
		case isTimeoutErr(err):
			perr = perrors.ConnTimeout(err)
		case len(data) == 0:
			perr = perrors.EmptyResponse()
		default:
			perr = perrors.ConnReset(err)
		}
		p.LogEvent("Received: failed", start, perr)
		return data, perr
	}

	if len(data) == 0 {
		perr := perrors.EmptyResponse()
		p.LogEvent("Received: empty", start, perr)
		return data, perr
	}

	preview := data
	if len(preview) > 12 {
		preview = preview[:12]
	}
	p.LogEvent(fmt.Sprintf("Received: %d bytes: %q", len(data), preview), start, nil)
	return data, nil
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}

func readExactly(r *bufio.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return buf[:read], err
	}
	return buf[:read], nil
}

func readUntilHeaderEnd(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	term := []byte("\r\n\r\n")
	for {
		b, err := r.ReadByte()
		if err != nil {
			return buf.Bytes(), err
		}
		buf.WriteByte(b)
		if buf.Len() >= len(term) && bytes.Equal(buf.Bytes()[buf.Len()-len(term):], term) {
			return buf.Bytes(), nil
		}
	}
}

// readFullMessage reads headers, then the body according to
// Content-Length, chunked Transfer-Encoding, or EOF.
func readFullMessage(r *bufio.Reader, timeout time.Duration) ([]byte, error) {
	head, err := readUntilHeaderEnd(r)
	if err != nil {
		return head, err
	}

	headerText := string(head)
	contentLength := -1
	chunked := false
	for _, line := range strings.Split(headerText, "\r\n") {
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "content-length:") {
			v := strings.TrimSpace(line[len("content-length:"):])
			if n, convErr := strconv.Atoi(v); convErr == nil {
				contentLength = n
			}
		}
		if strings.HasPrefix(lower, "transfer-encoding:") && strings.Contains(lower, "chunked") {
			chunked = true
		}
	}

	var body []byte
	switch {
	case contentLength >= 0:
		body, err = readExactly(r, contentLength)
	case chunked:
		body, err = readChunked(r)
	default:
		body, err = io.ReadAll(r)
	}

	out := append(head, body...)
	return out, err
}

func readChunked(r *bufio.Reader) ([]byte, error) {
	var out bytes.Buffer
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return out.Bytes(), err
		}
		sizeLine = strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0])
		if sizeLine == "0" {
			// consume trailing CRLF
			r.ReadString('\n')
			return out.Bytes(), nil
		}
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil {
			return out.Bytes(), err
		}
		chunk, err := readExactly(r, int(size))
		out.Write(chunk)
		if err != nil {
			return out.Bytes(), err
		}
		r.ReadString('\n') // trailing CRLF after the chunk
	}
}

// Decompress reverses gzip/deflate Content-Encoding, used by Checker when
// parsing an oracle response.
func Decompress(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		return io.ReadAll(fr)
	default:
		return body, nil
	}
}

// ParseStatusLine extracts the HTTP status code from a raw response's
// start line.
func ParseStatusLine(resp []byte) (int, error) {
	idx := bytes.IndexByte(resp, '\n')
	if idx < 0 {
		idx = len(resp)
	}
	line := string(bytes.TrimSpace(resp[:idx]))
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return 0, perrors.BadStatusLine(fmt.Errorf("malformed status line %q", line))
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, perrors.BadStatusLine(err)
	}
	return code, nil
}

// HeaderValue fetches a single header's value from a raw HTTP message,
// used by Checker to read a judge response's Content-Encoding.
func HeaderValue(resp []byte, name string) string {
	reader := bufio.NewReader(bytes.NewReader(resp))
	tp := textprotoHeader(reader)
	return tp.Get(name)
}

func textprotoHeader(r *bufio.Reader) http.Header {
	h := http.Header{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) == 2 {
			h.Add(strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1]))
		}
	}
	return h
}
