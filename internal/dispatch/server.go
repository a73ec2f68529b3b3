// Package dispatch implements the local dispatch server (spec.md §4.9): a
// plain TCP listener that accepts client connections, picks a working
// proxy from the pool for the request's scheme, negotiates the right
// protocol, and relays bytes in both directions. Grounded on
// proxybroker/server.py's Server/_handle/_stream for the protocol logic,
// translated from asyncio streams to goroutines + net.Conn the way the
// teacher's web.go turns a single-threaded accept loop into
// http.HandleFunc/goroutine-per-connection handling.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grishkovelli/proxybroker/internal/config"
	"github.com/grishkovelli/proxybroker/internal/logging"
	"github.com/grishkovelli/proxybroker/internal/negotiator"
	"github.com/grishkovelli/proxybroker/internal/perrors"
	"github.com/grishkovelli/proxybroker/internal/pool"
	"github.com/grishkovelli/proxybroker/internal/proxyrec"
	"github.com/grishkovelli/proxybroker/internal/resolver"
)

// connectedResponse is what the dispatch server writes to the client once
// a CONNECT tunnel is secured through a SOCKS-negotiated proxy.
var connectedResponse = []byte("HTTP/1.1 200 Connection established\r\n\r\n")

// Config configures a Server, spec.md §4.9/§6.
type Config struct {
	Host             string        `default:"127.0.0.1"`
	Port             int           `default:"8888"`
	Timeout          time.Duration `default:"8s"`
	MaxTries         int           `default:"3"`
	PreferConnect    bool
	HTTPAllowedCodes []int
	Backlog          int `default:"100"`
	InjectProxyInfo  bool
}

// Server distributes incoming client requests across the proxy pool
// (spec.md §4.9).
type Server struct {
	cfg      Config
	pool     *pool.Pool
	resolver *resolver.Resolver
	log      *logging.Logger
	history  *history

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Server bound to a ProxyPool.
func New(cfg Config, p *pool.Pool, r *resolver.Resolver, log *logging.Logger) *Server {
	config.SetDefaults(&cfg)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		pool:     p,
		resolver: r,
		log:      log,
		history:  newHistory(10000, 600*time.Second),
		conns:    make(map[net.Conn]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start opens the listener and begins accepting connections in the
// background (spec.md §4.9).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Printf("dispatch server listening on %s", ln.Addr())

	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every tracked connection.
func (s *Server) Stop() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	for c := range s.conns {
		c.Close()
	}
	s.conns = make(map[net.Conn]bool)
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Printf("accept error: %v", err)
				return
			}
		}

		s.mu.Lock()
		s.conns[conn] = true
		s.mu.Unlock()

		go s.handle(conn)
	}
}

func (s *Server) handle(client net.Conn) {
	defer func() {
		client.Close()
		s.mu.Lock()
		delete(s.conns, client)
		s.mu.Unlock()
	}()

	raw, req, err := parseRequest(client)
	if err != nil {
		return
	}

	clientIP, _, _ := net.SplitHostPort(client.RemoteAddr().String())

	if isControlHost(req.headers) {
		s.handleControl(client, req, clientIP)
		return
	}

	scheme := identifyScheme(req.method)

	for attempt := 0; attempt < s.cfg.MaxTries; attempt++ {
		if s.attempt(client, raw, req, scheme, clientIP) {
			return
		}
	}
}

// attempt runs one dispatch try: get a proxy, negotiate, stream, record
// history. Returns true when the caller should stop: the request was
// served, or the pool has no proxy / the proxy has no compatible protocol.
// Returns false when connecting, negotiating or streaming failed; the proxy
// goes back to the pool and the caller retries with another one, up to
// MaxTries (spec.md §8 scenario 6).
func (s *Server) attempt(client net.Conn, raw []byte, req *request, scheme, clientIP string) bool {
	proxy, err := s.pool.Get(scheme)
	if err != nil {
		return true // no_proxy: nothing left to try
	}

	proto, err := choiceProto(proxy, scheme, s.cfg.PreferConnect)
	if err != nil {
		s.pool.Put(proxy)
		return true
	}

	ok := s.dispatchOnce(client, raw, req, scheme, proto, proxy)
	proxy.Close()
	s.pool.Put(proxy)

	if ok {
		s.history.record(clientIP, req.path, proxy.Key())
	}
	return ok
}

func (s *Server) dispatchOnce(client net.Conn, raw []byte, req *request, scheme string, proto proxyrec.Tag, proxy *proxyrec.Proxy) bool {
	if err := proxy.Connect(s.ctx, false); err != nil {
		return false
	}

	ngtr, ok := negotiator.ByTag[proto]
	if !ok {
		return false
	}

	switch proto {
	case proxyrec.TagConnect80, proxyrec.TagSOCKS4, proxyrec.TagSOCKS5:
		ip, err := s.resolver.Resolve(s.ctx, req.host)
		if err != nil {
			return false
		}
		proxy.SetNegotiator(ngtr.Name())
		if err := ngtr.Negotiate(proxy, req.host, ip, req.port); err != nil {
			return false
		}
		if scheme == "HTTPS" && (proto == proxyrec.TagSOCKS4 || proto == proxyrec.TagSOCKS5) {
			if _, err := client.Write(connectedResponse); err != nil {
				return false
			}
		} else if err := proxy.Send(raw); err != nil {
			return false
		}
	default: // HTTP, HTTPS
		if err := proxy.Send(raw); err != nil {
			return false
		}
	}

	return s.relay(client, proxy, scheme, req)
}

// relay streams client<->proxy concurrently, validating the first response
// line against http_allowed_codes and optionally injecting X-Proxy-Info,
// and cancels both directions on the first error (spec.md §4.9).
func (s *Server) relay(client net.Conn, proxy *proxyrec.Proxy, scheme string, req *request) bool {
	proxyConn, proxyBuf := proxy.Transport()
	if proxyConn == nil {
		return false
	}

	errCh := make(chan error, 2)
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	go func() {
		errCh <- copyWithDeadline(ctx, proxyConn, client, s.cfg.Timeout, nil)
	}()
	go func() {
		errCh <- s.relayFromProxy(ctx, client, proxyConn, proxyBuf, scheme, req, proxy)
	}()

	err := <-errCh
	cancel()
	<-errCh
	return err == nil
}

func (s *Server) relayFromProxy(ctx context.Context, client net.Conn, proxyConn net.Conn, proxyBuf *bufio.Reader, scheme string, req *request, proxy *proxyrec.Proxy) error {
	if scheme != "HTTP" {
		// CONNECT tunnels carry opaque (often TLS) bytes; neither the
		// status check nor the header injection applies once the tunnel
		// is established.
		return copyBuffered(ctx, client, proxyConn, proxyBuf, s.cfg.Timeout, nil)
	}

	headerBlock, err := readHeaderBlock(proxyConn, proxyBuf, s.cfg.Timeout)
	if err != nil {
		return err
	}

	if len(s.cfg.HTTPAllowedCodes) > 0 {
		if err := checkStatusAllowed(headerBlock, s.cfg.HTTPAllowedCodes); err != nil {
			return err
		}
	}

	if s.cfg.InjectProxyInfo {
		headerBlock = injectProxyInfo(headerBlock, proxy.Key())
	}

	if _, err := client.Write(headerBlock); err != nil {
		return perrors.ErrorOnStream(err)
	}

	return copyBuffered(ctx, client, proxyConn, proxyBuf, s.cfg.Timeout, nil)
}

// readHeaderBlock reads the status line plus headers up to and including
// the blank line terminating them, leaving the body (if any already
// buffered) for the subsequent copyBuffered call to drain.
func readHeaderBlock(conn net.Conn, r *bufio.Reader, timeout time.Duration) ([]byte, error) {
	var block bytes.Buffer
	for {
		conn.SetReadDeadline(time.Now().Add(timeout))
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			block.Write(line)
		}
		if err != nil {
			return nil, perrors.ErrorOnStream(err)
		}
		if bytes.Equal(bytes.TrimRight(line, "\r\n"), []byte("")) {
			break
		}
	}
	return block.Bytes(), nil
}

// injectProxyInfo appends an X-Proxy-Info header identifying which proxy
// served the response, just before the header block's terminating blank
// line (spec.md §4.9).
func injectProxyInfo(headerBlock []byte, proxyKey string) []byte {
	terminator := []byte("\r\n\r\n")
	idx := bytes.LastIndex(headerBlock, terminator)
	if idx < 0 {
		return headerBlock
	}

	var out bytes.Buffer
	out.Write(headerBlock[:idx])
	out.WriteString("\r\nX-Proxy-Info: ")
	out.WriteString(proxyKey)
	out.Write(terminator)
	return out.Bytes()
}

func copyWithDeadline(ctx context.Context, dst io.Writer, src net.Conn, timeout time.Duration, onChunk func([]byte) error) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		src.SetReadDeadline(time.Now().Add(timeout))
		n, err := src.Read(buf)
		if n > 0 {
			if onChunk != nil {
				if cerr := onChunk(buf[:n]); cerr != nil {
					return perrors.ErrorOnStream(cerr)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return perrors.ErrorOnStream(werr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if perrors.IsTimeout(wrapTimeout(err)) {
				return nil
			}
			return perrors.ErrorOnStream(err)
		}
	}
}

func copyBuffered(ctx context.Context, dst io.Writer, src net.Conn, buf *bufio.Reader, timeout time.Duration, check func([]byte) error) error {
	if n := buf.Buffered(); n > 0 {
		peek, _ := buf.Peek(n)
		if check != nil {
			if err := check(peek); err != nil {
				return perrors.ErrorOnStream(err)
			}
		}
		if _, err := dst.Write(peek); err != nil {
			return perrors.ErrorOnStream(err)
		}
		buf.Discard(n)
	}
	return copyWithDeadline(ctx, dst, src, timeout, check)
}

func wrapTimeout(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return perrors.ConnTimeout(err)
	}
	return err
}

func checkStatusAllowed(data []byte, allowed []int) error {
	status, err := proxyrec.ParseStatusLine(data)
	if err != nil {
		return perrors.BadResponse(err)
	}
	for _, code := range allowed {
		if code == status {
			return nil
		}
	}
	return perrors.BadStatus(fmt.Errorf("status %d not in allowed set", status))
}

// request is the parsed client start-line plus the headers dispatch needs.
type request struct {
	method  string
	path    string
	host    string
	port    int
	headers textproto.MIMEHeader
}

func parseRequest(conn net.Conn) ([]byte, *request, error) {
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, nil, err
	}
	raw := buf[:n]

	r := bufio.NewReader(bytes.NewReader(raw))
	startLine, err := r.ReadString('\n')
	if err != nil {
		return nil, nil, err
	}
	parts := strings.Fields(startLine)
	if len(parts) < 2 {
		return nil, nil, fmt.Errorf("malformed start line")
	}

	tp := textproto.NewReader(r)
	headers, err := tp.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		headers = textproto.MIMEHeader{}
	}

	req := &request{method: parts[0], path: parts[1], headers: headers}

	hostHeader := headers.Get("Host")
	req.host, req.port = splitHostPort(hostHeader, req.method == "CONNECT")

	return raw, req, nil
}

func splitHostPort(hostHeader string, isConnect bool) (string, int) {
	host, portStr, err := net.SplitHostPort(hostHeader)
	if err != nil {
		host = hostHeader
		if isConnect {
			return host, 443
		}
		return host, 80
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		if isConnect {
			port = 443
		} else {
			port = 80
		}
	}
	return host, port
}

func identifyScheme(method string) string {
	if method == "CONNECT" {
		return "HTTPS"
	}
	return "HTTP"
}

// choiceProto picks a protocol tag among the proxy's working types
// compatible with scheme (spec.md §4.9 step 2).
func choiceProto(p *proxyrec.Proxy, scheme string, preferConnect bool) (proxyrec.Tag, error) {
	types := p.Types()

	if scheme == "HTTP" {
		if preferConnect {
			if _, ok := types[proxyrec.TagConnect80]; ok {
				return proxyrec.TagConnect80, nil
			}
		}
		for _, tag := range []proxyrec.Tag{proxyrec.TagHTTP, proxyrec.TagConnect80, proxyrec.TagSOCKS4, proxyrec.TagSOCKS5} {
			if _, ok := types[tag]; ok {
				return tag, nil
			}
		}
	} else {
		for _, tag := range []proxyrec.Tag{proxyrec.TagHTTPS, proxyrec.TagSOCKS4, proxyrec.TagSOCKS5} {
			if _, ok := types[tag]; ok {
				return tag, nil
			}
		}
	}

	return "", fmt.Errorf("no compatible protocol for scheme %s", scheme)
}

func isControlHost(headers textproto.MIMEHeader) bool {
	return headers.Get("Host") == "proxycontrol"
}
