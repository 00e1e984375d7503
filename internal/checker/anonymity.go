package checker

import (
	"net"
	"strings"

	"github.com/August26/proxytest-go/internal/model"
)

// AnonymityInput is what an echo service told us about a request that went
// through the proxy.
type AnonymityInput struct {
	// ReportedIPs: every address the remote service attributed to the
	// request, in the order it listed them.
	ReportedIPs []string

	// RealIP: the client's own public address, seen without a proxy.
	RealIP string

	// HeadersObserved: request headers as the remote service received
	// them. Nil when the service does not echo headers.
	HeadersObserved map[string]string
}

// Headers a proxy adds when it announces itself or forwards the client
// address.
var leakHeaders = []string{
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"Forwarded",
	"Via",
	"X-Real-Ip",
	"X-Proxy-Id",
	"Client-Ip",
	"Proxy-Connection",
}

// DetermineAnonymity classifies a proxy:
//   - transparent: the real client IP reached the remote service
//   - anonymous: the proxy hid the client but revealed itself
//   - elite: nothing points at a proxy
//   - unknown: not enough information to decide
func DetermineAnonymity(in AnonymityInput) model.Anonymity {
	if len(in.ReportedIPs) == 0 || in.RealIP == "" {
		return model.AnonymityUnknown
	}
	real := net.ParseIP(in.RealIP)
	if real == nil {
		return model.AnonymityUnknown
	}

	for _, ip := range in.ReportedIPs {
		if sameIP(ip, real) {
			return model.AnonymityTransparent
		}
	}
	for _, v := range in.HeadersObserved {
		if headerMentionsIP(v, real) {
			return model.AnonymityTransparent
		}
	}

	if len(in.ReportedIPs) > 1 {
		return model.AnonymityAnonymous
	}
	for _, h := range leakHeaders {
		if v := in.HeadersObserved[h]; v != "" {
			return model.AnonymityAnonymous
		}
	}

	if in.HeadersObserved == nil {
		return model.AnonymityUnknown
	}
	return model.AnonymityElite
}

func sameIP(s string, ip net.IP) bool {
	parsed := net.ParseIP(strings.TrimSpace(s))
	return parsed != nil && parsed.Equal(ip)
}

// headerMentionsIP matches whole addresses only, so 1.2.3.4 does not
// match 11.2.3.45. Handles "for=1.2.3.4;proto=http" and "[::1]:80".
func headerMentionsIP(value string, ip net.IP) bool {
	tokens := strings.FieldsFunc(value, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '=', '"', '\t':
			return true
		}
		return false
	})
	for _, tok := range tokens {
		if sameIP(strings.Trim(tok, "[]"), ip) {
			return true
		}
		if host, _, err := net.SplitHostPort(tok); err == nil && sameIP(host, ip) {
			return true
		}
	}
	return false
}
