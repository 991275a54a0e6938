// Package testutil provides a scripted mock of the Congress.gov API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// ListTimeLayout is the fromDateTime/toDateTime format the API accepts.
const ListTimeLayout = "2006-01-02T15:04:05Z"

// Request is one request received by the mock.
type Request struct {
	Path   string
	Token  string
	Query  map[string]string
	Status int
	At     time.Time
}

// ListFunc answers a bill list call for [from, to).
type ListFunc func(from, to time.Time, limit int) (records []json.RawMessage, count int)

// MockCongress is a configurable mock Congress.gov server. Per-bill paths
// answer from a scripted status sequence, then 200. The list path answers
// through a ListFunc.
type MockCongress struct {
	server *httptest.Server

	mu          sync.Mutex
	scripts     map[string][]int
	tokenStatus map[string]int
	bodies      map[string]string
	handlers    map[string]http.HandlerFunc
	list        ListFunc
	delay       time.Duration
	remaining   int
	requests    []Request
	inFlight    int
	maxInFlight int
}

// NewMockCongress starts a mock server.
func NewMockCongress() *MockCongress {
	m := &MockCongress{
		scripts:     make(map[string][]int),
		tokenStatus: make(map[string]int),
		bodies:      make(map[string]string),
		handlers:    make(map[string]http.HandlerFunc),
		remaining:   5000,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockCongress) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCongress) Close() {
	m.server.Close()
}

// SetScript queues statuses for path, consumed one per request in order
// regardless of token. Once the script is used up, the path answers 200.
func (m *MockCongress) SetScript(path string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = append([]int(nil), statuses...)
}

// SetTokenStatus makes every request carrying token answer status.
func (m *MockCongress) SetTokenStatus(token string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenStatus[token] = status
}

// SetBody sets the 200 body for path.
func (m *MockCongress) SetBody(path, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies[path] = body
}

// SetHandler overrides path with a custom handler.
func (m *MockCongress) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetListFunc answers /bill list calls.
func (m *MockCongress) SetListFunc(fn ListFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = fn
}

// SetDelay delays every response by d.
func (m *MockCongress) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Requests returns a copy of the requests received so far.
func (m *MockCongress) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// RequestCount returns the number of requests received.
func (m *MockCongress) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// PathCount returns the number of requests received for path.
func (m *MockCongress) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

// TokensFor returns the tokens used for path in request order.
func (m *MockCongress) TokensFor(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tokens []string
	for _, r := range m.requests {
		if r.Path == path {
			tokens = append(tokens, r.Token)
		}
	}
	return tokens
}

// MaxInFlight returns the highest number of concurrently served requests.
func (m *MockCongress) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

func (m *MockCongress) serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("api_key")
	query := make(map[string]string)
	for k := range r.URL.Query() {
		if k != "api_key" {
			query[k] = r.URL.Query().Get(k)
		}
	}

	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	delay := m.delay
	status := http.StatusOK
	if s, ok := m.tokenStatus[token]; ok {
		status = s
	} else if script := m.scripts[r.URL.Path]; len(script) > 0 {
		status = script[0]
		m.scripts[r.URL.Path] = script[1:]
	}
	handler := m.handlers[r.URL.Path]
	list := m.list
	body, hasBody := m.bodies[r.URL.Path]
	if m.remaining > 0 {
		m.remaining--
	}
	remaining := m.remaining
	m.requests = append(m.requests, Request{
		Path:   r.URL.Path,
		Token:  token,
		Query:  query,
		Status: status,
		At:     time.Now(),
	})
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}

	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("Content-Type", "application/json")

	if handler != nil {
		handler(w, r)
		return
	}

	if status != http.StatusOK {
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":{"code":%d}}`, status)
		return
	}

	if r.URL.Path == "/bill" && list != nil {
		m.serveList(w, r, list)
		return
	}

	if !hasBody {
		body = fmt.Sprintf(`{"request":{"path":%q}}`, r.URL.Path)
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func (m *MockCongress) serveList(w http.ResponseWriter, r *http.Request, list ListFunc) {
	q := r.URL.Query()
	from, err := time.Parse(ListTimeLayout, q.Get("fromDateTime"))
	if err != nil {
		http.Error(w, `{"error":"bad fromDateTime"}`, http.StatusBadRequest)
		return
	}
	to, err := time.Parse(ListTimeLayout, q.Get("toDateTime"))
	if err != nil {
		http.Error(w, `{"error":"bad toDateTime"}`, http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	records, count := list(from, to, limit)
	if records == nil {
		records = []json.RawMessage{}
	}
	resp := struct {
		Bills      []json.RawMessage `json:"bills"`
		Pagination struct {
			Count int `json:"count"`
		} `json:"pagination"`
	}{Bills: records}
	resp.Pagination.Count = count

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// BillStub renders a minimal list entry for a bill.
func BillStub(congress int, billType string, number int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"congress":%d,"type":%q,"number":"%d"}`, congress, billType, number))
}
