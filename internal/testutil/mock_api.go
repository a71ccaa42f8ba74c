// Package testutil provides a mock alert API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RoutePrefix is the route prefix the mock serves alerts under.
const RoutePrefix = "firstalert"

// DefaultPageSize is used when a listing request carries no pageSize.
const DefaultPageSize = 40

// MockAlert is an alert as the mock serves it.
type MockAlert struct {
	ID        string
	Timestamp time.Time
	Type      string
	Headline  string
	Lists     []string
}

// wire renders the alert in the API's JSON form.
func (a MockAlert) wire() map[string]any {
	lists := make([]map[string]string, 0, len(a.Lists))
	for _, l := range a.Lists {
		lists = append(lists, map[string]string{"id": l, "name": "list " + l})
	}
	return map[string]any{
		"alertId":        a.ID,
		"alertTimestamp": a.Timestamp.UnixMilli(),
		"alertType":      map[string]string{"name": a.Type},
		"headline":       a.Headline,
		"listsMatched":   lists,
	}
}

// MockResponse is a canned response injected ahead of normal handling.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockAPI is a configurable mock of the alert API: token endpoint, paged
// listing and single-alert lookup.
type MockAPI struct {
	server *httptest.Server

	mu       sync.Mutex
	alerts   []MockAlert // newest first
	handlers map[string]http.HandlerFunc
	injected []MockResponse
	rejected map[string]bool

	// bareLookup serves lookups as a bare object instead of {alerts:[...]}.
	bareLookup bool

	// quota headers; zero limit disables them
	quotaLimit     int
	quotaRemaining int
	quotaResetMs   int

	tokenRequests int
	apiRequests   int
	queries       []url.Values
	lastHeader    http.Header
}

// NewMockAPI starts a mock API server.
func NewMockAPI() *MockAPI {
	m := &MockAPI{
		handlers: make(map[string]http.HandlerFunc),
		rejected: make(map[string]bool),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetAlerts replaces the served alerts. They are served newest first
// regardless of the order given.
func (m *MockAPI) SetAlerts(alerts ...MockAlert) {
	sorted := slices.Clone(alerts)
	slices.SortStableFunc(sorted, func(a, b MockAlert) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = sorted
}

// SetAlertsInOrder replaces the served alerts without sorting them, for
// upstream ordering edge cases.
func (m *MockAPI) SetAlertsInOrder(alerts ...MockAlert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = slices.Clone(alerts)
}

// SetBareLookup switches lookups between the bare and wrapped shapes.
func (m *MockAPI) SetBareLookup(bare bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bareLookup = bare
}

// SetQuota makes every API response carry rate limit headers. Remaining
// counts down with each request.
func (m *MockAPI) SetQuota(limit, remaining, resetMs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotaLimit = limit
	m.quotaRemaining = remaining
	m.quotaResetMs = resetMs
}

// Inject queues responses returned, in order, for the next API requests
// (token requests excluded).
func (m *MockAPI) Inject(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected = append(m.injected, responses...)
}

// RejectToken makes API requests bearing value fail with 401.
func (m *MockAPI) RejectToken(value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[value] = true
}

// SetHandler overrides handling for a specific path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// TokenRequests returns the number of token exchanges served.
func (m *MockAPI) TokenRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenRequests
}

// APIRequests returns the number of non-token requests served.
func (m *MockAPI) APIRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiRequests
}

// Queries returns the query parameters of every API request, in order.
func (m *MockAPI) Queries() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.queries)
}

// LastHeader returns the headers of the most recent API request.
func (m *MockAPI) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// Reset clears all tracking counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenRequests = 0
	m.apiRequests = 0
	m.queries = nil
	m.lastHeader = nil
}

func (m *MockAPI) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/auth/v1/token" {
		m.serveToken(w, r)
		return
	}

	m.mu.Lock()
	m.apiRequests++
	m.queries = append(m.queries, r.URL.Query())
	m.lastHeader = r.Header.Clone()
	handler, custom := m.handlers[r.URL.Path]
	var injected *MockResponse
	if len(m.injected) > 0 {
		injected = &m.injected[0]
		m.injected = m.injected[1:]
	}
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	rejected := m.rejected[bearer]
	m.writeQuota(w)
	m.mu.Unlock()

	switch {
	case injected != nil:
		for k, v := range injected.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(injected.StatusCode)
		w.Write([]byte(injected.Body))
	case rejected:
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
	case custom:
		handler(w, r)
	default:
		m.serveAlerts(w, r)
	}
}

// writeQuota sets rate limit headers. Caller holds m.mu.
func (m *MockAPI) writeQuota(w http.ResponseWriter) {
	if m.quotaLimit == 0 {
		return
	}
	if m.quotaRemaining > 0 {
		m.quotaRemaining--
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.quotaLimit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(m.quotaRemaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(m.quotaResetMs))
}

func (m *MockAPI) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "api_key" {
		http.Error(w, `{"error":"unsupported grant"}`, http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("client_id") == "" || r.PostForm.Get("client_secret") == "" {
		http.Error(w, `{"error":"invalid client"}`, http.StatusUnauthorized)
		return
	}

	m.mu.Lock()
	m.tokenRequests++
	n := m.tokenRequests
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"dmaToken": fmt.Sprintf("mock-token-%d", n),
		"expire":   time.Now().Add(time.Hour).UnixMilli(),
	})
}

func (m *MockAPI) serveAlerts(w http.ResponseWriter, r *http.Request) {
	listing := "/" + RoutePrefix + "/v1/alerts"
	switch {
	case r.URL.Path == listing:
		m.serveListing(w, r)
	case strings.HasPrefix(r.URL.Path, listing+"/"):
		m.serveLookup(w, strings.TrimPrefix(r.URL.Path, listing+"/"))
	default:
		http.NotFound(w, r)
	}
}

func (m *MockAPI) serveListing(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	m.mu.Lock()
	matching := make([]MockAlert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if matchesLists(a, q.Get("lists")) && matchesQuery(a, q.Get("query")) {
			matching = append(matching, a)
		}
	}
	m.mu.Unlock()

	size := DefaultPageSize
	if v, err := strconv.Atoi(q.Get("pageSize")); err == nil && v > 0 {
		size = v
	}
	offset := 0
	if c := q.Get("from"); c != "" {
		offset = cursorOffset(c)
	} else if c := q.Get("to"); c != "" {
		offset = max(cursorOffset(c)-size, 0)
	}
	offset = min(offset, len(matching))
	end := min(offset+size, len(matching))

	items := make([]map[string]any, 0, end-offset)
	for _, a := range matching[offset:end] {
		items = append(items, a.wire())
	}

	body := map[string]any{"alerts": items}
	if end < len(matching) {
		body["nextPage"] = m.pageURL(q, "from", end)
	}
	if offset > 0 {
		body["previousPage"] = m.pageURL(q, "to", offset)
	}
	writeJSON(w, http.StatusOK, body)
}

func (m *MockAPI) pageURL(q url.Values, key string, offset int) string {
	next := url.Values{}
	for _, k := range []string{"lists", "pageSize", "query"} {
		if v := q.Get(k); v != "" {
			next.Set(k, v)
		}
	}
	next.Set(key, "cur-"+strconv.Itoa(offset))
	return m.server.URL + "/" + RoutePrefix + "/v1/alerts?" + next.Encode()
}

func (m *MockAPI) serveLookup(w http.ResponseWriter, id string) {
	m.mu.Lock()
	var found *MockAlert
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			found = &m.alerts[i]
			break
		}
	}
	bare := m.bareLookup
	m.mu.Unlock()

	if found == nil {
		http.Error(w, `{"error":"alert not found"}`, http.StatusNotFound)
		return
	}
	if bare {
		writeJSON(w, http.StatusOK, found.wire())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": []any{found.wire()}})
}

func matchesLists(a MockAlert, lists string) bool {
	if lists == "" {
		return true
	}
	for _, want := range strings.Split(lists, ",") {
		if slices.Contains(a.Lists, want) {
			return true
		}
	}
	return false
}

func matchesQuery(a MockAlert, query string) bool {
	return query == "" || strings.Contains(strings.ToLower(a.Headline), strings.ToLower(query))
}

func cursorOffset(cursor string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(cursor, "cur-"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewRateLimitResponse creates a 429 response carrying a reset delay.
func NewRateLimitResponse(resetMs int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":"rate limit exceeded"}`,
		Headers: map[string]string{
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     strconv.Itoa(resetMs),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":"internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error":"token expired"}`,
	}
}
