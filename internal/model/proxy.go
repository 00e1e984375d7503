package model

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ProxyType is the kind of proxy endpoint a credential points at.
type ProxyType string

const (
	ProxyHTTP        ProxyType = "http"
	ProxyHTTPS       ProxyType = "https"
	ProxySOCKS4      ProxyType = "socks4"
	ProxySOCKS5      ProxyType = "socks5"
	ProxyResidential ProxyType = "residential"
	ProxyDatacenter  ProxyType = "datacenter"
	ProxyMobile      ProxyType = "mobile"
)

// ProxyTypes lists every type accepted by ValidateProxy.
var ProxyTypes = []ProxyType{
	ProxyHTTP, ProxyHTTPS, ProxySOCKS4, ProxySOCKS5,
	ProxyResidential, ProxyDatacenter, ProxyMobile,
}

// ParseProxyType normalizes s. An empty string maps to http.
func ParseProxyType(s string) (ProxyType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ProxyHTTP, true
	}
	for _, t := range ProxyTypes {
		if string(t) == s {
			return t, true
		}
	}
	return ProxyType(s), false
}

// Scheme returns the URL scheme used to talk to the proxy itself. An
// https proxy is reached over TLS. Residential, datacenter and mobile
// proxies are sold as plain HTTP CONNECT endpoints.
func (t ProxyType) Scheme() string {
	switch t {
	case ProxyHTTPS:
		return "https"
	case ProxySOCKS4:
		return "socks4"
	case ProxySOCKS5:
		return "socks5"
	default:
		return "http"
	}
}

// ProxyCredential identifies a proxy endpoint:
//
//	host:port
//	user:pass@host:port
//
// It is a value type; copies are never modified by the checker.
type ProxyCredential struct {
	Host     string    `json:"host" yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port     int       `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Username string    `json:"username,omitempty" yaml:"username,omitempty" validate:"max=255"`
	Password string    `json:"password,omitempty" yaml:"password,omitempty" validate:"max=255"`
	Type     ProxyType `json:"type" yaml:"type" validate:"proxytype"`
}

// Normalized trims the host and canonicalizes the type. Callers taking
// credentials from outside the process normalize before validating.
func (p ProxyCredential) Normalized() ProxyCredential {
	p.Host = strings.TrimSpace(p.Host)
	if p.Type != "" {
		if t, ok := ParseProxyType(string(p.Type)); ok {
			p.Type = t
		}
	}
	return p
}

// HasAuth reports whether the credential carries a username or password.
func (p ProxyCredential) HasAuth() bool {
	return p.Username != "" || p.Password != ""
}

// Address returns "host:port", bracketing IPv6 literals.
func (p ProxyCredential) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL builds scheme://[user:pass@]host:port.
func (p ProxyCredential) URL() *url.URL {
	u := &url.URL{
		Scheme: p.Type.Scheme(),
		Host:   p.Address(),
	}
	if p.HasAuth() {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Redacted is URL() with the password masked, for logs.
func (p ProxyCredential) Redacted() string {
	return p.URL().Redacted()
}

// TestTarget describes what is fetched through the proxy.
type TestTarget struct {
	URL       string `json:"url" yaml:"url"`
	Method    string `json:"method,omitempty" yaml:"method,omitempty"`
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
	Referer   string `json:"referer,omitempty" yaml:"referer,omitempty"`
}

// URLTarget is a named target in a multi-URL test request.
type URLTarget struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
	Type string `json:"type" yaml:"type"`
}

// Target converts u into a GET TestTarget.
func (u URLTarget) Target() TestTarget {
	return TestTarget{URL: u.URL}
}
