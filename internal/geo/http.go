package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/August26/proxytest-go/internal/model"
)

// DefaultHTTPURL is the ip-api.com endpoint; %s is replaced by the IP.
const DefaultHTTPURL = "http://ip-api.com/json/%s?fields=status,message,country,regionName,city,isp,query"

// HTTPLookup queries an ip-api.com compatible JSON service.
type HTTPLookup struct {
	client      *http.Client
	urlTemplate string
	userAgent   string
}

func NewHTTPLookup(urlTemplate string, timeout time.Duration) *HTTPLookup {
	if urlTemplate == "" {
		urlTemplate = DefaultHTTPURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPLookup{
		client:      &http.Client{Timeout: timeout},
		urlTemplate: urlTemplate,
		userAgent:   "proxytest-go",
	}
}

type ipAPIResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
	ISP        string `json:"isp"`
	Query      string `json:"query"`
}

func (h *HTTPLookup) Lookup(ctx context.Context, ip string) (model.GeoInfo, error) {
	if _, err := parseIP(ip); err != nil {
		return model.GeoInfo{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(h.urlTemplate, ip), nil)
	if err != nil {
		return model.GeoInfo{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return model.GeoInfo{}, fmt.Errorf("geo lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.GeoInfo{}, fmt.Errorf("geo lookup: HTTP %d", resp.StatusCode)
	}

	var parsed ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return model.GeoInfo{}, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if parsed.Status != "" && parsed.Status != "success" {
		return model.GeoInfo{}, fmt.Errorf("%w: %s", ErrNotFound, parsed.Message)
	}

	info := model.GeoInfo{
		Country: parsed.Country,
		Region:  parsed.RegionName,
		City:    parsed.City,
		ISP:     parsed.ISP,
	}
	if info.Empty() {
		return info, ErrNotFound
	}
	return info, nil
}
