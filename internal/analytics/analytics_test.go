package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/August26/proxytest-go/internal/model"
)

func ok(responseMs int64) model.TestResult {
	return model.TestResult{Success: true, ResponseTime: responseMs, StatusCode: model.Ptr(200)}
}

func fail(kind model.FailureKind) model.TestResult {
	return model.Failed(kind, "x", model.StageRelaying, time.Now())
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		results []model.TestResult
		want    model.BatchSummary
	}{
		{
			name: "empty",
			want: model.BatchSummary{},
		},
		{
			name:    "two of three",
			results: []model.TestResult{ok(100), fail(model.FailureConnectivity), ok(300)},
			want:    model.BatchSummary{Total: 3, Successful: 2, Failed: 1, SuccessRate: 67, AverageResponseTime: 200},
		},
		{
			name:    "all failed",
			results: []model.TestResult{fail(model.FailureRelay), fail(model.FailureTimeout)},
			want:    model.BatchSummary{Total: 2, Failed: 2},
		},
		{
			name:    "failed response times ignored",
			results: []model.TestResult{ok(50), {ResponseTime: 9000}},
			want:    model.BatchSummary{Total: 2, Successful: 1, Failed: 1, SuccessRate: 50, AverageResponseTime: 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.results)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.Total, got.Successful+got.Failed)
		})
	}
}

func TestBreakdown(t *testing.T) {
	elite := model.AnonymityElite
	a := model.ProxyCredential{Host: "1.1.1.1", Port: 80, Type: model.ProxyHTTP}
	b := model.ProxyCredential{Host: "2.2.2.2", Port: 1080, Type: model.ProxySOCKS5}

	r1 := ok(100)
	r1.Ping = model.Ptr[int64](10)
	r1.Anonymity = &elite
	r1.Country = model.Ptr("Germany")
	r1.RiskScore = model.Ptr(20.0)

	r2 := ok(200)
	r2.Ping = model.Ptr[int64](30)
	r2.RiskScore = model.Ptr(70.0)

	items := []model.BatchItem{
		{Index: 0, Proxy: a, Result: r1},
		{Index: 1, Proxy: a, Result: r2},
		{Index: 2, Proxy: b, Result: fail(model.FailureConnectivity)},
	}

	stats := Breakdown(items, 2*time.Second)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.UniqueProxies)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 20.0, stats.AvgPingMs)
	assert.Equal(t, 45.0, stats.AvgRiskScore)
	assert.Equal(t, map[model.Anonymity]int{model.AnonymityElite: 1, model.AnonymityUnknown: 1}, stats.ByAnonymity)
	assert.Equal(t, map[model.FailureKind]int{model.FailureConnectivity: 1}, stats.ByFailure)
	assert.Equal(t, map[string]int{"Germany": 1}, stats.ByCountry)
	assert.EqualValues(t, 2000, stats.TotalProcessingTimeMs)
}
