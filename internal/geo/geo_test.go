package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/August26/proxytest-go/internal/model"
)

func TestHTTPLookup(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/8.8.8.8"):
			w.Write([]byte(`{"status":"success","country":"United States","regionName":"California","city":"Mountain View","isp":"Google LLC","query":"8.8.8.8"}`))
		case strings.HasSuffix(r.URL.Path, "/10.0.0.1"):
			w.Write([]byte(`{"status":"fail","message":"private range","query":"10.0.0.1"}`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer ts.Close()

	h := NewHTTPLookup(ts.URL+"/json/%s", time.Second)

	info, err := h.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, model.GeoInfo{Country: "United States", Region: "California", City: "Mountain View", ISP: "Google LLC"}, info)

	_, err = h.Lookup(context.Background(), "10.0.0.1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.Lookup(context.Background(), "1.1.1.1")
	assert.ErrorContains(t, err, "HTTP 429")

	_, err = h.Lookup(context.Background(), "not-an-ip")
	assert.ErrorContains(t, err, "invalid IP address")
}

func TestChainMergesProviders(t *testing.T) {
	failing := ResolverFunc(func(context.Context, string) (model.GeoInfo, error) {
		return model.GeoInfo{}, errors.New("boom")
	})
	partial := ResolverFunc(func(context.Context, string) (model.GeoInfo, error) {
		return model.GeoInfo{Country: "Germany", City: "Berlin"}, nil
	})
	isp := ResolverFunc(func(context.Context, string) (model.GeoInfo, error) {
		return model.GeoInfo{Country: "DE", ISP: "Hetzner Online GmbH"}, nil
	})

	info, err := Chain{failing, partial, isp}.Lookup(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "Germany", info.Country)
	assert.Equal(t, "Berlin", info.City)
	assert.Equal(t, "Hetzner Online GmbH", info.ISP)

	_, err = Chain{failing}.Lookup(context.Background(), "1.2.3.4")
	assert.ErrorContains(t, err, "boom")

	_, err = Chain{}.Lookup(context.Background(), "1.2.3.4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCache(t *testing.T) {
	var calls atomic.Int32
	next := ResolverFunc(func(_ context.Context, ip string) (model.GeoInfo, error) {
		calls.Add(1)
		if ip == "0.0.0.0" {
			return model.GeoInfo{}, ErrNotFound
		}
		return model.GeoInfo{Country: "France"}, nil
	})

	now := time.Unix(1000, 0)
	c := NewCache(next, time.Minute)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		info, err := c.Lookup(context.Background(), "5.5.5.5")
		require.NoError(t, err)
		assert.Equal(t, "France", info.Country)
	}
	assert.EqualValues(t, 1, calls.Load())

	now = now.Add(2 * time.Minute)
	_, err := c.Lookup(context.Background(), "5.5.5.5")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	_, err = c.Lookup(context.Background(), "0.0.0.0")
	assert.Error(t, err)
	_, err = c.Lookup(context.Background(), "0.0.0.0")
	assert.Error(t, err)
	assert.EqualValues(t, 4, calls.Load())
}

func TestMaxMindLookup(t *testing.T) {
	dbPath := os.Getenv("PROXYTEST_GEOIP_CITY_DB")
	if dbPath == "" {
		dbPath = "../../data/GeoLite2-City.mmdb"
	}

	m, err := OpenMaxMind(dbPath, "")
	if err != nil {
		t.Skipf("Skipping test: DB file not found at %s: %v", dbPath, err)
	}
	defer m.Close()

	info, err := m.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "United States", info.Country)
}

func TestIP2LocationLookup(t *testing.T) {
	dbPath := os.Getenv("PROXYTEST_IP2LOCATION_DB")
	if dbPath == "" {
		t.Skip("PROXYTEST_IP2LOCATION_DB not set")
	}

	l, err := OpenIP2Location(dbPath)
	require.NoError(t, err)
	defer l.Close()

	info, err := l.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.NotEmpty(t, info.Country)
}

func TestKnown(t *testing.T) {
	assert.Equal(t, "", known("-"))
	assert.Equal(t, "", known("This parameter is unavailable for selected data file. Please upgrade the data file."))
	assert.Equal(t, "Tokyo", known(" Tokyo "))
}
