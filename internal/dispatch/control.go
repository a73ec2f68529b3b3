package dispatch

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// handleControl answers the two management endpoints spec.md §4.9
// describes, both gated on the client sending "Host: proxycontrol" instead
// of a real upstream host — these have no original_source precedent
// (proxybroker/server.py has no control API at all; this is built
// straight from spec.md §4.9's prose, noted in DESIGN.md).
func (s *Server) handleControl(client net.Conn, req *request, clientIP string) {
	switch {
	case strings.HasPrefix(req.path, "/api/remove/"):
		s.handleRemove(client, strings.TrimPrefix(req.path, "/api/remove/"))
	case strings.HasPrefix(req.path, "/api/history/url:"):
		s.handleHistory(client, strings.TrimPrefix(req.path, "/api/history/url:"), clientIP)
	default:
		writeStatus(client, 404, nil)
	}
}

func (s *Server) handleRemove(client net.Conn, hostport string) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		writeStatus(client, 400, nil)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		writeStatus(client, 400, nil)
		return
	}

	s.pool.Remove(host, port)
	writeStatus(client, 204, nil)
}

func (s *Server) handleHistory(client net.Conn, rawURL, clientIP string) {
	decoded, err := url.QueryUnescape(rawURL)
	if err != nil {
		decoded = rawURL
	}

	path := decoded
	if u, err := url.Parse(decoded); err == nil && u.Path != "" {
		path = u.Path
	}

	proxyKey := s.history.lookup(clientIP, decoded)
	if proxyKey == "" && path != decoded {
		proxyKey = s.history.lookup(clientIP, path)
	}
	if proxyKey == "" {
		writeStatus(client, 204, nil)
		return
	}

	body, _ := json.Marshal(map[string]string{"proxy": proxyKey})
	writeJSON(client, 200, body)
}

// writeStatus answers a bodiless control response (spec.md §4.9's plain
// 204/400/404 cases).
func writeStatus(client net.Conn, code int, body []byte) {
	text := statusText(code)
	headers := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\nAccess-Control-Allow-Origin: *\r\nConnection: close\r\n\r\n", code, text, len(body))
	client.Write([]byte(headers))
	if len(body) > 0 {
		client.Write(body)
	}
}

// writeJSON answers the history endpoint's {"proxy":"host:port"} body with
// the Content-Type/CORS headers spec.md §6 requires.
func writeJSON(client net.Conn, code int, body []byte) {
	text := statusText(code)
	headers := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nAccess-Control-Allow-Origin: *\r\nConnection: close\r\n\r\n", code, text, len(body))
	client.Write([]byte(headers))
	if len(body) > 0 {
		client.Write(body)
	}
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	default:
		return "Unknown"
	}
}
