package checker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/August26/proxytest-go/internal/geo"
	"github.com/August26/proxytest-go/internal/model"
)

func TestParseEcho(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		ips     []string
		headers map[string]string
		ok      bool
	}{
		{"httpbin", `{"origin":"1.2.3.4","headers":{"Host":"httpbin.org"}}`, []string{"1.2.3.4"}, map[string]string{"Host": "httpbin.org"}, true},
		{"httpbin chain", `{"origin":"10.0.0.1, 1.2.3.4"}`, []string{"10.0.0.1", "1.2.3.4"}, nil, true},
		{"ipify", `{"ip":"2001:db8::1"}`, []string{"2001:db8::1"}, nil, true},
		{"ip-api", `{"status":"success","query":"5.6.7.8"}`, []string{"5.6.7.8"}, nil, true},
		{"lowercase headers", `{"ip":"1.1.1.1","headers":{"x-forwarded-for":["9.9.9.9"]}}`, []string{"1.1.1.1"}, map[string]string{"X-Forwarded-For": "9.9.9.9"}, true},
		{"plain text", "1.2.3.4\n", []string{"1.2.3.4"}, nil, true},
		{"html", "<html>hi</html>", nil, nil, false},
		{"json without ip", `{"hello":"world"}`, nil, nil, true},
		{"empty", "", nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseEcho([]byte(tt.body))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ips, got.IPs)
			assert.Equal(t, tt.headers, got.Headers)
		})
	}
}

func TestEchoResolverHttpbin(t *testing.T) {
	g := geo.ResolverFunc(func(_ context.Context, ip string) (model.GeoInfo, error) {
		require.Equal(t, "1.2.3.4", ip)
		return model.GeoInfo{Country: "Australia", City: "Brisbane", ISP: "Example Telecom"}, nil
	})
	r := NewEchoResolver(g, StaticRealIP("203.0.113.7"), nil)

	id := r.Resolve(context.Background(), RelayResult{
		Success: true,
		Body:    []byte(`{"origin":"1.2.3.4","headers":{"Host":"httpbin.org","User-Agent":"x"}}`),
	})

	assert.Equal(t, "1.2.3.4", id.PublicIP)
	assert.Equal(t, "Australia", id.Geo.Country)
	assert.Equal(t, model.AnonymityElite, id.Anonymity)
	require.NotNil(t, id.RiskScore)
	assert.Equal(t, 20.0, *id.RiskScore)
}

func TestEchoResolverDegrades(t *testing.T) {
	failingGeo := geo.ResolverFunc(func(context.Context, string) (model.GeoInfo, error) {
		return model.GeoInfo{}, errors.New("geo down")
	})
	r := NewEchoResolver(failingGeo, nil, nil)

	id := r.Resolve(context.Background(), RelayResult{Body: []byte(`{"origin":"1.2.3.4"}`)})
	assert.Equal(t, "1.2.3.4", id.PublicIP)
	assert.True(t, id.Geo.Empty())
	assert.Equal(t, model.AnonymityUnknown, id.Anonymity)

	id = r.Resolve(context.Background(), RelayResult{Body: []byte(`<html></html>`)})
	assert.Empty(t, id.PublicIP)
	assert.Nil(t, id.RiskScore)
	assert.Equal(t, model.AnonymityUnknown, id.Anonymity)
}

func TestDirectEchoMemoizes(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ip":"203.0.113.7"}`))
	}))
	defer ts.Close()

	now := time.Now()
	d := NewDirectEcho(ts.URL, time.Second)
	d.now = func() time.Time { return now }

	_, err := d.RealIP(context.Background())
	assert.ErrorContains(t, err, "HTTP 502")

	// The failure is remembered until the retry window passes.
	_, err = d.RealIP(context.Background())
	assert.ErrorContains(t, err, "HTTP 502")
	assert.EqualValues(t, 1, calls.Load())

	now = now.Add(DefaultRealIPRetry)
	for i := 0; i < 3; i++ {
		ip, err := d.RealIP(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.7", ip)
	}
	assert.EqualValues(t, 2, calls.Load())
}

func TestDirectEchoSharesOneLookup(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(`{"ip":"203.0.113.7"}`))
	}))
	defer ts.Close()

	d := NewDirectEcho(ts.URL, 5*time.Second)

	var wg sync.WaitGroup
	ips := make([]string, 8)
	for i := range ips {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ips[i], _ = d.RealIP(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, ip := range ips {
		assert.Equal(t, "203.0.113.7", ip)
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestDirectEchoHonoursContext(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })

	d := NewDirectEcho(ts.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.RealIP(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEchoResolverReturnsPartialAtDeadline(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })

	g := geo.ResolverFunc(func(context.Context, string) (model.GeoInfo, error) {
		return model.GeoInfo{Country: "Australia"}, nil
	})
	r := NewEchoResolver(g, NewDirectEcho(ts.URL, 5*time.Second), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	id := r.Resolve(ctx, RelayResult{Body: []byte(`{"origin":"1.2.3.4"}`)})
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, "1.2.3.4", id.PublicIP)
	assert.Equal(t, "Australia", id.Geo.Country)
	assert.Equal(t, model.AnonymityUnknown, id.Anonymity)
	require.NotNil(t, id.RiskScore)
}

func TestBodyIdentity(t *testing.T) {
	id, _ := bodyIdentity([]byte(`{"origin":"10.0.0.1, 1.2.3.4"}`))
	assert.Equal(t, "1.2.3.4", id.PublicIP)
	assert.Equal(t, model.AnonymityUnknown, id.Anonymity)
	assert.NotNil(t, id.RiskScore)

	id, _ = bodyIdentity([]byte("nope"))
	assert.Empty(t, id.PublicIP)
	assert.Nil(t, id.RiskScore)
}

func TestStaticRealIP(t *testing.T) {
	ip, err := StaticRealIP(" 198.51.100.1 ").RealIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", ip)

	_, err = StaticRealIP("").RealIP(context.Background())
	assert.Error(t, err)
}
