// Package testutil provides testing utilities for the ESI collector.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// MockESIResponse defines the behavior for a mock ESI endpoint response.
type MockESIResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockESI is a configurable mock ESI server for testing.
type MockESI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	PageCounts        map[int]int
	LastRequestHeader http.Header
	LastQuery         url.Values
}

// NewMockESI creates a new mock ESI server.
func NewMockESI() *MockESI {
	mock := &MockESI{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		PathCounts: make(map[string]int),
		PageCounts: make(map[int]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
			page = p
		}

		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.PageCounts[page]++
		mock.LastRequestHeader = r.Header.Clone()
		mock.LastQuery = r.URL.Query()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockESI) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockESI) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockESI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockESI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.PageCounts = make(map[int]int)
	m.LastRequestHeader = nil
	m.LastQuery = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockESI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockESI) SetResponse(path string, resp MockESIResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence answers successive requests for path with the given responses
// in order. The last response repeats once the sequence is used up.
func (m *MockESI) SetSequence(path string, responses ...MockESIResponse) {
	var (
		mu   sync.Mutex
		next int
	)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[next]
		if next < len(responses)-1 {
			next++
		}
		mu.Unlock()
		writeResponse(w, resp)
	})
}

// SetPagedResponse serves a paginated endpoint. pageFn builds the response
// for each page number; the X-Pages header is set to pages on every response.
func (m *MockESI) SetPagedResponse(path string, pages int, pageFn func(page int) MockESIResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
			page = p
		}
		resp := pageFn(page)
		if resp.Headers == nil {
			resp.Headers = map[string]string{}
		}
		resp.Headers["X-Pages"] = strconv.Itoa(pages)
		writeResponse(w, resp)
	})
}

// SetMarketOrdersResponse configures a typical market orders endpoint response.
func (m *MockESI) SetMarketOrdersResponse(regionID int, resp MockESIResponse) {
	path := fmt.Sprintf("/markets/%d/orders/", regionID)
	m.SetResponse(path, resp)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockESI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made for path.
func (m *MockESI) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GetPageCount returns the number of requests made for a page number.
func (m *MockESI) GetPageCount(page int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PageCounts[page]
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockESI) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader
}

// GetLastQuery returns the query of the most recent request.
func (m *MockESI) GetLastQuery() url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastQuery
}

func writeResponse(w http.ResponseWriter, resp MockESIResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// defaultHandler provides default ESI-like responses.
func (m *MockESI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-ESI-Error-Limit-Remain", "100")
	w.Header().Set("X-ESI-Error-Limit-Reset", "60")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Expires", time.Now().Add(5*time.Minute).UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status": "ok"}`))
}

// ExpiresHeader formats t the way ESI sends its expires header.
func ExpiresHeader(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// NewHealthyResponse creates a standard 200 OK response with ESI headers.
func NewHealthyResponse(data string) MockESIResponse {
	return NewPageResponse(data, time.Now().Add(5*time.Minute))
}

// NewPageResponse creates a 200 OK response expiring at expires.
func NewPageResponse(data string, expires time.Time) MockESIResponse {
	return MockESIResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"X-ESI-Error-Limit-Remain": "100",
			"X-ESI-Error-Limit-Reset":  "60",
			"Expires":                  ExpiresHeader(expires),
			"Content-Type":             "application/json; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockESIResponse {
	return MockESIResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Requested page does not exist!"}`,
		Headers: map[string]string{
			"X-ESI-Error-Limit-Remain": "99",
			"X-ESI-Error-Limit-Reset":  "60",
			"Content-Type":             "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockESIResponse {
	return MockESIResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"X-ESI-Error-Limit-Remain": "5",
			"X-ESI-Error-Limit-Reset":  "30",
			"Content-Type":             "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockESIResponse {
	return MockESIResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"X-ESI-Error-Limit-Remain": "95",
			"X-ESI-Error-Limit-Reset":  "60",
			"Content-Type":             "application/json; charset=utf-8",
		},
	}
}

// NewGatewayTimeoutResponse creates a 504 Gateway Timeout response.
func NewGatewayTimeoutResponse() MockESIResponse {
	return MockESIResponse{
		StatusCode: http.StatusGatewayTimeout,
		Body:       `{"error": "Timeout contacting tranquility"}`,
		Headers: map[string]string{
			"X-ESI-Error-Limit-Remain": "94",
			"X-ESI-Error-Limit-Reset":  "60",
			"Content-Type":             "application/json; charset=utf-8",
		},
	}
}
