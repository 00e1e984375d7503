package api

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/August26/proxytest-go/internal/model"
)

// Public JSON request types. Responses reuse the model types, whose JSON
// shape is the contract.

// ProxyRequest describes a proxy. Port may be a JSON number or a string.
type ProxyRequest struct {
	Host     string `json:"host"`
	Port     any    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Type     string `json:"type,omitempty"`
	TestURL  string `json:"testUrl,omitempty"`
}

// credential converts r. Field validation is left to model.ValidateProxy;
// only a port that is not a number at all is rejected here.
func (r ProxyRequest) credential() (model.ProxyCredential, error) {
	port, err := parsePort(r.Port)
	if err != nil {
		return model.ProxyCredential{}, err
	}
	return model.ProxyCredential{
		Host:     r.Host,
		Port:     port,
		Username: r.Username,
		Password: r.Password,
		Type:     model.ProxyType(r.Type),
	}.Normalized(), nil
}

func parsePort(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	if s, ok := v.(string); ok {
		// "08080" is decimal here, not octal.
		v = strings.TrimLeft(strings.TrimSpace(s), "0")
		if v == "" {
			return 0, nil
		}
	}
	port, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("invalid port %v", v)
	}
	return port, nil
}

// URLTestRequest is the body of POST /v1/test-urls.
type URLTestRequest struct {
	Proxy ProxyRequest      `json:"proxy"`
	URLs  []model.URLTarget `json:"urls"`
}

// BatchRequest is the body of POST /v1/batch. URLs is shorthand for GET
// targets and is appended to Targets.
type BatchRequest struct {
	Proxies []ProxyRequest     `json:"proxies"`
	Targets []model.TestTarget `json:"targets,omitempty"`
	URLs    []string           `json:"urls,omitempty"`
}

// APIError is a standard error payload.
type APIError struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"` // RFC3339
}
