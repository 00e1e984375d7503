package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/August26/proxytest-go/internal/checker"
	"github.com/August26/proxytest-go/internal/model"
	"github.com/August26/proxytest-go/internal/store"
)

type mockTester struct{ mock.Mock }

func (m *mockTester) Test(ctx context.Context, cred model.ProxyCredential, target model.TestTarget) model.TestResult {
	args := m.Called(cred, target)
	return args.Get(0).(model.TestResult)
}

func okResult() model.TestResult {
	return model.TestResult{
		Success:      true,
		ResponseTime: 120,
		StatusCode:   model.Ptr(200),
		PublicIP:     model.Ptr("203.0.113.7"),
		Stage:        model.StageCompleted,
		Timestamp:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

type ServerSuite struct {
	suite.Suite
	tester *mockTester
	repo   store.Repository
	srv    *Server
	h      http.Handler
}

func (s *ServerSuite) SetupTest() {
	repo, err := store.NewSQLite(filepath.Join(s.T().TempDir(), "results.db"))
	s.Require().NoError(err)
	s.repo = repo
	s.tester = new(mockTester)
	runner := checker.NewRunner(s.tester, checker.BatchOptions{Concurrency: 4}, nil)
	s.srv = NewServer(s.tester, runner, repo, ServerOptions{
		MaxBatchSize: 4,
		TestURL:      "http://default.test/get",
	})
	s.srv.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	s.h = s.srv.Handler()
}

func (s *ServerSuite) TearDownTest() {
	s.NoError(s.repo.Close())
}

func (s *ServerSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func (s *ServerSuite) decode(rec *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (s *ServerSuite) TestHealthz() {
	rec := s.do(http.MethodGet, "/v1/healthz", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var body map[string]string
	s.decode(rec, &body)
	s.Equal("ok", body["status"])
	s.Equal("2024-05-06T07:08:09Z", body["timestamp"])
}

func (s *ServerSuite) TestMethodNotAllowed() {
	rec := s.do(http.MethodGet, "/v1/test", "")
	s.Equal(http.StatusMethodNotAllowed, rec.Code)
	s.Equal(http.MethodPost, rec.Header().Get("Allow"))

	var apiErr APIError
	s.decode(rec, &apiErr)
	s.Equal("method not allowed", apiErr.Error)
	s.Equal("2024-05-06T07:08:09Z", apiErr.Timestamp)
}

func (s *ServerSuite) TestSingleUsesDefaultURLAndStores() {
	cred := model.ProxyCredential{Host: "10.0.0.1", Port: 8080, Username: "u", Password: "p", Type: model.ProxySOCKS5}
	s.tester.On("Test", cred, model.TestTarget{URL: "http://default.test/get"}).Return(okResult()).Once()

	rec := s.do(http.MethodPost, "/v1/test",
		`{"host":"10.0.0.1","port":"8080","username":"u","password":"p","type":"SOCKS5"}`)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var res model.TestResult
	s.decode(rec, &res)
	s.True(res.Success)
	s.Equal("203.0.113.7", model.Deref(res.PublicIP))
	s.tester.AssertExpectations(s.T())

	records, err := s.repo.List(context.Background(), store.Filter{Host: "10.0.0.1"})
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal("u", records[0].Proxy.Username)
	s.Empty(records[0].Proxy.Password)
	s.Equal("http://default.test/get", records[0].TargetURL)
}

func (s *ServerSuite) TestSingleFailureIsStill200() {
	fail := model.Failed(model.FailureConnectivity, "Connection refused", model.StageConnecting, time.Now())
	s.tester.On("Test", mock.Anything, model.TestTarget{URL: "http://x.test"}).Return(fail).Once()

	rec := s.do(http.MethodPost, "/v1/test", `{"host":"10.0.0.1","port":1,"testUrl":"http://x.test"}`)
	s.Require().Equal(http.StatusOK, rec.Code)

	var res model.TestResult
	s.decode(rec, &res)
	s.False(res.Success)
	s.Equal("Connection refused", model.Deref(res.Error))
}

func (s *ServerSuite) TestBadPortAndJSON() {
	rec := s.do(http.MethodPost, "/v1/test", `{"host":"10.0.0.1","port":"http"}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/v1/test", `{"host":`)
	s.Equal(http.StatusBadRequest, rec.Code)
	var apiErr APIError
	s.decode(rec, &apiErr)
	s.Contains(apiErr.Error, "invalid JSON")
	s.tester.AssertNotCalled(s.T(), "Test", mock.Anything, mock.Anything)
}

func (s *ServerSuite) TestValidate() {
	rec := s.do(http.MethodPost, "/v1/validate", `{"host":"proxy.example.com","port":3128,"type":"http"}`)
	s.Require().Equal(http.StatusOK, rec.Code)
	var vr model.ValidationResult
	s.decode(rec, &vr)
	s.True(vr.Valid)

	rec = s.do(http.MethodPost, "/v1/validate", `{"host":"proxy.example.com","port":70000}`)
	s.Require().Equal(http.StatusOK, rec.Code)
	vr = model.ValidationResult{}
	s.decode(rec, &vr)
	s.False(vr.Valid)
	s.Contains(vr.Error, model.ErrInvalidProxy)

	rec = s.do(http.MethodPost, "/v1/validate", `{"host":"proxy.example.com","port":"abc"}`)
	vr = model.ValidationResult{}
	s.decode(rec, &vr)
	s.False(vr.Valid)
	rec = s.do(http.MethodPost, "/v1/validate", `{"host":"  10.0.0.1 ","port":"8080","type":"SOCKS5"}`)
	vr = model.ValidationResult{}
	s.decode(rec, &vr)
	s.True(vr.Valid, vr.Error)
}

func (s *ServerSuite) TestBatch() {
	s.tester.On("Test", mock.Anything, mock.Anything).Return(okResult())

	rec := s.do(http.MethodPost, "/v1/batch",
		`{"proxies":[{"host":"10.0.0.1","port":80},{"host":"10.0.0.2","port":80}],"urls":["http://a.test","http://b.test"]}`)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var report model.BatchReport
	s.decode(rec, &report)
	s.Require().Len(report.Items, 4)
	s.Equal("10.0.0.1", report.Items[0].Proxy.Host)
	s.Equal("http://a.test", report.Items[0].Target.URL)
	s.Equal("http://b.test", report.Items[1].Target.URL)
	s.Equal("10.0.0.2", report.Items[2].Proxy.Host)
	s.Equal(4, report.Summary.Total)
	s.Equal(4, report.Summary.Successful)

	records, err := s.repo.List(context.Background(), store.Filter{BatchID: report.ID})
	s.Require().NoError(err)
	s.Len(records, 4)
}

func (s *ServerSuite) TestBatchLimits() {
	rec := s.do(http.MethodPost, "/v1/batch", `{"proxies":[]}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/v1/batch",
		`{"proxies":[{"host":"a","port":1},{"host":"b","port":1},{"host":"c","port":1}],"urls":["http://a.test","http://b.test"]}`)
	s.Equal(http.StatusRequestEntityTooLarge, rec.Code)
	s.tester.AssertNotCalled(s.T(), "Test", mock.Anything, mock.Anything)
}

func (s *ServerSuite) TestURLs() {
	s.tester.On("Test", mock.Anything, model.TestTarget{URL: "http://a.test"}).Return(okResult())
	fail := model.Failed(model.FailureTimeout, "Request timeout", model.StageRelaying, time.Now())
	s.tester.On("Test", mock.Anything, model.TestTarget{URL: "http://b.test"}).Return(fail)

	rec := s.do(http.MethodPost, "/v1/test-urls",
		`{"proxy":{"host":"10.0.0.1","port":8080},"urls":[{"id":"1","name":"A","url":"http://a.test"},{"id":"2","name":"B","url":"http://b.test"}]}`)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var report model.URLBatchReport
	s.decode(rec, &report)
	s.Require().Len(report.Results, 2)
	s.Equal("A", report.Results[0].Name)
	s.True(report.Results[0].Success)
	s.Equal("B", report.Results[1].Name)
	s.Equal("Request timeout", model.Deref(report.Results[1].Error))
	s.Equal(2, report.Statistics.Total)
	s.Equal(1, report.Statistics.Successful)

	rec = s.do(http.MethodPost, "/v1/test-urls", `{"proxy":{"host":"10.0.0.1","port":8080},"urls":[]}`)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *ServerSuite) TestResultsQuery() {
	s.tester.On("Test", mock.Anything, mock.Anything).Return(okResult())
	s.do(http.MethodPost, "/v1/test", `{"host":"10.0.0.1","port":8080}`)
	s.do(http.MethodPost, "/v1/test", `{"host":"10.0.0.2","port":9090}`)

	rec := s.do(http.MethodGet, "/v1/results?host=10.0.0.2&port=9090", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var records []store.Record
	s.decode(rec, &records)
	s.Require().Len(records, 1)
	s.Equal(9090, records[0].Proxy.Port)

	rec = s.do(http.MethodGet, "/v1/results?host=nobody", "")
	s.Equal("[]\n", rec.Body.String())

	rec = s.do(http.MethodGet, "/v1/results?limit=many", "")
	s.Equal(http.StatusBadRequest, rec.Code)
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func TestParsePort(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want int
		err  bool
	}{
		{nil, 0, false},
		{float64(8080), 8080, false},
		{"3128", 3128, false},
		{" 08080 ", 8080, false},
		{"", 0, false},
		{"http", 0, true},
	} {
		got, err := parsePort(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("parsePort(%v): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("parsePort(%v) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
}
