package checker

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ConnectErrorKind classifies a failed dial to the proxy.
type ConnectErrorKind string

const (
	ConnectRefused ConnectErrorKind = "refused"
	ConnectTimeout ConnectErrorKind = "timeout"
	ConnectDNS     ConnectErrorKind = "dns"
	ConnectUnknown ConnectErrorKind = "unknown"
)

// Message is the user-facing text for a connect failure.
func (k ConnectErrorKind) Message() string {
	switch k {
	case ConnectRefused:
		return "Connection refused"
	case ConnectTimeout:
		return "Connection timeout"
	case ConnectDNS:
		return "DNS lookup failed"
	default:
		return "Connection failed"
	}
}

func classifyDialError(err error) ConnectErrorKind {
	if err == nil {
		return ""
	}
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return ConnectDNS
	case errors.Is(err, context.DeadlineExceeded), isTimeoutError(err):
		return ConnectTimeout
	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(err.Error(), "connection refused"):
		return ConnectRefused
	default:
		return ConnectUnknown
	}
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "connection reset")
}

// describeRelayError turns an http.Client error into a short message.
func describeRelayError(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return "DNS lookup failed: " + dnsErr.Name
	case isConnectionError(err):
		return "Proxy connection failed: " + err.Error()
	}
	msg := err.Error()
	if strings.Contains(msg, "Proxy Authentication Required") {
		return "Proxy authentication required"
	}
	return "Request failed: " + msg
}
