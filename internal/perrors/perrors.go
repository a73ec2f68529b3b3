// Package perrors defines the proxy error taxonomy used for classification
// and for bucketing Proxy.Stat().Errors by kind.
package perrors

import "errors"

// ProxyError is the base type for every error a transport or negotiator can
// raise while probing a proxy. Checker recovers from all of these per
// protocol attempt; only ErrResolveFailed and ErrNoProxy escape to the caller.
type ProxyError struct {
	Errmsg string
	Cause  error
}

func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return e.Errmsg + ": " + e.Cause.Error()
	}
	return e.Errmsg
}

func (e *ProxyError) Unwrap() error { return e.Cause }

func newProxyError(msg string, cause error) *ProxyError {
	return &ProxyError{Errmsg: msg, Cause: cause}
}

// Connection / send / recv failures (spec §7).
func ConnFailed(cause error) *ProxyError    { return newProxyError("connection_failed", cause) }
func ConnTimeout(cause error) *ProxyError   { return newProxyError("connection_timeout", cause) }
func ConnReset(cause error) *ProxyError     { return newProxyError("connection_is_reset", cause) }
func EmptyResponse() *ProxyError            { return newProxyError("empty_response", nil) }
func BadStatus(cause error) *ProxyError     { return newProxyError("bad_status", cause) }
func BadResponse(cause error) *ProxyError   { return newProxyError("bad_response", cause) }
func BadStatusLine(cause error) *ProxyError { return newProxyError("bad_status_line", cause) }
func ErrorOnStream(cause error) *ProxyError { return newProxyError("error_on_stream", cause) }

// ErrResolveFailed is returned by the resolver on DNS timeout or NXDOMAIN.
var ErrResolveFailed = errors.New("resolve_failed")

// ErrNoProxy is returned by the pool when nothing can be imported to satisfy
// a Get.
var ErrNoProxy = errors.New("no_proxy")

// ErrNoTypes is the argument error find()/Find raises when called with no
// requested protocol types (spec §6/§7).
var ErrNoTypes = errors.New("types (protocols) are required")

// ErrServeNeedsLimit is the argument error serve() raises for limit <= 0
// (spec §8 boundary behavior: "limit=0 in serve is rejected").
var ErrServeNeedsLimit = errors.New("serve requires limit > 0")

// IsTimeout reports whether err is a connection_timeout ProxyError.
func IsTimeout(err error) bool {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Errmsg == "connection_timeout"
	}
	return false
}

// Recoverable reports whether the error should end the current negotiator
// attempt (true) rather than abort the whole check sequence. Timeouts retry
// within max_tries; every other ProxyError gives up the protocol (spec §4.5).
func Recoverable(err error) bool {
	var pe *ProxyError
	return errors.As(err, &pe)
}
