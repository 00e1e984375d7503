// Package geo resolves IP addresses to country/region/city/ISP.
//
// Providers are interchangeable behind Resolver: MaxMind GeoIP2 databases,
// IP2Location BIN databases and an HTTP lookup service (ip-api.com shaped).
// Chain tries several providers in order and Cache memoizes answers.
package geo

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/August26/proxytest-go/internal/model"
)

// ErrNotFound is returned when a provider has no data for an address.
var ErrNotFound = errors.New("geo: no data for address")

// Resolver looks up geolocation for an IP address.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (model.GeoInfo, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ip string) (model.GeoInfo, error)

func (f ResolverFunc) Lookup(ctx context.Context, ip string) (model.GeoInfo, error) {
	return f(ctx, ip)
}

// Nop never knows anything.
type Nop struct{}

func (Nop) Lookup(context.Context, string) (model.GeoInfo, error) {
	return model.GeoInfo{}, ErrNotFound
}

func parseIP(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address: %q", s)
	}
	return ip, nil
}
