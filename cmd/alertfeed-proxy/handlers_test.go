package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/alertfeed/internal/clock"
	"github.com/Sternrassler/alertfeed/internal/testutil"
	"github.com/Sternrassler/alertfeed/pkg/feed"
	"github.com/Sternrassler/alertfeed/pkg/token"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	mock   *testutil.MockAPI
	svc    *feed.Service
	router *gin.Engine
	now    time.Time
}

func newTestServer(t *testing.T, cred token.Credential) *testServer {
	t.Helper()

	mock := testutil.NewMockAPI()
	t.Cleanup(mock.Close)

	now := time.Now().Truncate(time.Millisecond)
	alerts := make([]testutil.MockAlert, 15)
	for i := range alerts {
		alerts[i] = testutil.MockAlert{
			ID:        fmt.Sprintf("alert-%02d", i),
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
			Type:      "Urgent",
			Headline:  fmt.Sprintf("Acme incident %d", i),
			Lists:     []string{"l1"},
		}
	}
	mock.SetAlerts(alerts...)
	mock.SetQuota(1000, 1000, 60000)

	cfg := feed.DefaultConfig(mock.URL(), cred)
	cfg.RoutePrefix = testutil.RoutePrefix
	cfg.Retry.Jitter = 0
	cfg.Clock = clock.NewFake(now)
	cfg.Logger = zerolog.Nop()
	svc, err := feed.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &handler{
		ctx:      ctx,
		svc:      svc,
		pollOpts: feed.PollOptions{Interval: time.Minute},
		logger:   zerolog.Nop(),
	}
	return &testServer{mock: mock, svc: svc, router: newRouter(h), now: now}
}

func (s *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

var validCred = token.Credential{ClientID: "id", ClientSecret: "secret"}

type decodedList struct {
	Count int
	IDs   []string
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) decodedList {
	t.Helper()
	var raw struct {
		Count  int `json:"count"`
		Alerts []struct {
			ID string `json:"alertId"`
		} `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	out := decodedList{Count: raw.Count}
	for _, a := range raw.Alerts {
		out.IDs = append(out.IDs, a.ID)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, validCred)

	w := s.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

func TestAlertsByCount(t *testing.T) {
	s := newTestServer(t, validCred)

	w := s.do(http.MethodGet, "/alerts?count=5&lists=l1", "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := decodeList(t, w)
	assert.Equal(t, 5, list.Count)
	assert.Equal(t, "alert-00", list.IDs[0])
	assert.Equal(t, "l1", s.mock.Queries()[0].Get("lists"))
}

func TestAlertsSince(t *testing.T) {
	s := newTestServer(t, validCred)
	since := s.now.Add(-3 * time.Minute).UnixMilli()

	w := s.do(http.MethodGet, fmt.Sprintf("/alerts?since=%d", since), "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, decodeList(t, w).Count)
}

func TestAlertsBadRequest(t *testing.T) {
	s := newTestServer(t, validCred)

	tests := []string{
		"/alerts",
		"/alerts?count=abc",
		"/alerts?count=0",
		"/alerts?since=yesterday",
	}
	for _, target := range tests {
		t.Run(target, func(t *testing.T) {
			w := s.do(http.MethodGet, target, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestAlertByID(t *testing.T) {
	s := newTestServer(t, validCred)

	w := s.do(http.MethodGet, "/alerts/alert-07", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"alertId":"alert-07"`)

	w = s.do(http.MethodGet, "/alerts/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAlertByID_MissingCredentials(t *testing.T) {
	s := newTestServer(t, token.Credential{})

	w := s.do(http.MethodGet, "/alerts/alert-07", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"retry_later":false`)
}

func TestAlerts_RateLimited(t *testing.T) {
	s := newTestServer(t, validCred)
	// The handler's service retries three times after the first 429.
	for range 4 {
		s.mock.Inject(testutil.NewRateLimitResponse(2500))
	}

	w := s.do(http.MethodGet, "/alerts/alert-01", "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"retry_later":true`)
}

func TestAlerts_RateLimitedWithoutCache(t *testing.T) {
	s := newTestServer(t, validCred)
	for range 4 {
		s.mock.Inject(testutil.NewRateLimitResponse(2500))
	}

	w := s.do(http.MethodGet, "/alerts?count=5", "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"retry_later":true`)
}

func TestAlerts_UpstreamClientErrorIsBadGateway(t *testing.T) {
	s := newTestServer(t, validCred)
	s.mock.Inject(testutil.MockResponse{StatusCode: http.StatusUnprocessableEntity, Body: `{"error":"bad cursor"}`})

	w := s.do(http.MethodGet, "/alerts?count=5", "")

	assert.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "bad cursor")
}

func TestSearch(t *testing.T) {
	s := newTestServer(t, validCred)

	w := s.do(http.MethodGet, "/search?entity=acme&entity=incident%201,incident%202", "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, s.mock.APIRequests())
	assert.Greater(t, decodeList(t, w).Count, 0)

	w = s.do(http.MethodGet, "/search", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPollingLifecycle(t *testing.T) {
	s := newTestServer(t, validCred)

	w := s.do(http.MethodPost, "/polling/start", `{"bootstrap_count": 4, "interval": "2m"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"running":true`)

	assert.Eventually(t, func() bool {
		return s.svc.Status().CacheSize == 4
	}, 5*time.Second, 10*time.Millisecond)

	w = s.do(http.MethodGet, "/polling/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st feed.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 4, st.CacheSize)
	assert.Equal(t, "2m0s", st.Polling.Interval)

	w = s.do(http.MethodPost, "/polling/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"running":false`)
}

func TestPollingStart_Errors(t *testing.T) {
	s := newTestServer(t, token.Credential{})

	w := s.do(http.MethodPost, "/polling/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	s = newTestServer(t, validCred)
	w = s.do(http.MethodPost, "/polling/start", `{"interval": "often"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, validCred)
	s.do(http.MethodGet, "/health", "")

	w := s.do(http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alertfeed_proxy_requests_total")
}

func TestParseTime(t *testing.T) {
	ts, err := parseTime("1714564800000")
	require.NoError(t, err)
	assert.Equal(t, int64(1714564800000), ts.UnixMilli())

	ts, err = parseTime("2024-05-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())

	_, err = parseTime("not a time")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}
