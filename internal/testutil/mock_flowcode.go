// Package testutil provides testing utilities for the Flowcode QR batch tool.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// PNGHeader is the 8-byte PNG signature; mock images start with it.
var PNGHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// MockResponse defines one scripted reply of the mock endpoint.
type MockResponse struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest captures what the mock received.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	ContentType   string
	RedirectURL   string
	ReceivedAt    time.Time
}

// MockFlowcode is a configurable fake of the Flowcode code creation API.
// Scripted responses are consumed in order; once the script is exhausted the
// fallback response is used.
type MockFlowcode struct {
	server *httptest.Server

	mu       sync.Mutex
	script   []MockResponse
	fallback MockResponse
	requests []RecordedRequest
}

// NewMockFlowcode creates a mock that returns a PNG for every request until
// configured otherwise.
func NewMockFlowcode() *MockFlowcode {
	mock := &MockFlowcode{
		fallback: NewImageResponse(),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockFlowcode) URL() string {
	return m.server.URL
}

// CodesURL returns the path the client should POST to.
func (m *MockFlowcode) CodesURL() string {
	return m.server.URL + "/v1/codes"
}

// Client returns an HTTP client wired to the mock server.
func (m *MockFlowcode) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockFlowcode) Close() {
	m.server.Close()
}

// Enqueue appends scripted responses.
func (m *MockFlowcode) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
}

// SetFallback sets the response used once the script is empty.
func (m *MockFlowcode) SetFallback(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = resp
}

// Requests returns a copy of all recorded requests.
func (m *MockFlowcode) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of requests received.
func (m *MockFlowcode) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockFlowcode) handle(w http.ResponseWriter, r *http.Request) {
	rec := RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		ContentType:   r.Header.Get("Content-Type"),
		ReceivedAt:    time.Now(),
	}

	body, _ := io.ReadAll(r.Body)
	var payload struct {
		RedirectURL string `json:"redirectUrl"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		rec.RedirectURL = payload.RedirectURL
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	resp := m.fallback
	if len(m.script) > 0 {
		resp = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// NewImageResponse creates a 200 OK response carrying a tiny PNG payload.
func NewImageResponse() MockResponse {
	body := append([]byte{}, PNGHeader...)
	body = append(body, []byte("mock-qr")...)
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "image/png",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       []byte(`{"error": "Rate limit exceeded"}`),
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       []byte(`{"error": "Internal server error"}`),
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewUnauthorizedResponse creates a 401 response with an empty body.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusUnauthorized}
}
