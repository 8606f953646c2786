package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/Sternrassler/flowcode-qr-batch/internal/testutil"
)

func newTestClient(t *testing.T, mock *testutil.MockFlowcode) *Client {
	t.Helper()

	cfg := DefaultConfig("test-key")
	cfg.Endpoint = mock.CodesURL()
	cfg.HTTPClient = mock.Client()

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: DefaultConfig("key"),
		},
		{
			name:        "empty api key",
			config:      DefaultConfig(""),
			expectError: true,
			errorMsg:    "api key is required",
		},
		{
			name:        "whitespace api key",
			config:      DefaultConfig("   "),
			expectError: true,
			errorMsg:    "api key is required",
		},
		{
			name:        "empty endpoint",
			config:      Config{APIKey: "key"},
			expectError: true,
			errorMsg:    "endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
					return
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			if client == nil {
				t.Error("Client is nil")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("key")

	if cfg.Endpoint != "https://api.flowcode.com/v1/codes" {
		t.Errorf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.APIKey != "key" {
		t.Errorf("APIKey = %q, want key", cfg.APIKey)
	}
	if cfg.Timeout <= 0 {
		t.Errorf("Timeout = %v, want > 0", cfg.Timeout)
	}
}

func TestCreateCode_Success(t *testing.T) {
	mock := testutil.NewMockFlowcode()
	defer mock.Close()

	c := newTestClient(t, mock)
	target := "https://www.motocue.com/scan/abc-123/e/cio-2025"

	data, err := c.CreateCode(context.Background(), target)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !bytes.HasPrefix(data, testutil.PNGHeader) {
		t.Errorf("Expected PNG payload, got %q", data)
	}

	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Method != http.MethodPost {
		t.Errorf("Method = %s, want POST", req.Method)
	}
	if req.Path != "/v1/codes" {
		t.Errorf("Path = %s, want /v1/codes", req.Path)
	}
	if req.Authorization != "Bearer test-key" {
		t.Errorf("Authorization = %q, want %q", req.Authorization, "Bearer test-key")
	}
	if req.ContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", req.ContentType)
	}
	if req.RedirectURL != target {
		t.Errorf("redirectUrl = %q, want %q", req.RedirectURL, target)
	}
}

func TestCreateCode_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name          string
		response      testutil.MockResponse
		expectedClass ErrorClass
		throttled     bool
		messagePart   string
	}{
		{
			name:          "rate limited",
			response:      testutil.NewRateLimitResponse(),
			expectedClass: ErrorClassRateLimit,
			throttled:     true,
			messagePart:   "Rate limit exceeded",
		},
		{
			name:          "server error",
			response:      testutil.NewServerErrorResponse(),
			expectedClass: ErrorClassServer,
			messagePart:   "Internal server error",
		},
		{
			name:          "unauthorized empty body",
			response:      testutil.NewUnauthorizedResponse(),
			expectedClass: ErrorClassClient,
			messagePart:   "401",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockFlowcode()
			defer mock.Close()
			mock.Enqueue(tt.response)

			c := newTestClient(t, mock)
			data, err := c.CreateCode(context.Background(), "https://example.com/x")

			if data != nil {
				t.Errorf("Expected no data, got %d bytes", len(data))
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Expected *APIError, got %T: %v", err, err)
			}
			if apiErr.StatusCode != tt.response.StatusCode {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.response.StatusCode)
			}
			if apiErr.ErrorClass != tt.expectedClass {
				t.Errorf("ErrorClass = %s, want %s", apiErr.ErrorClass, tt.expectedClass)
			}
			if IsThrottled(err) != tt.throttled {
				t.Errorf("IsThrottled = %v, want %v", IsThrottled(err), tt.throttled)
			}
			if !strings.Contains(apiErr.Message, tt.messagePart) {
				t.Errorf("Message = %q, want it to contain %q", apiErr.Message, tt.messagePart)
			}
		})
	}
}

func TestCreateCode_NetworkError(t *testing.T) {
	mock := testutil.NewMockFlowcode()
	c := newTestClient(t, mock)
	mock.Close()

	_, err := c.CreateCode(context.Background(), "https://example.com/x")
	if err == nil {
		t.Fatal("Expected error for closed server")
	}
	if ClassOf(err) != ErrorClassNetwork {
		t.Errorf("ClassOf = %s, want network", ClassOf(err))
	}
	if IsThrottled(err) {
		t.Error("Network errors must not be treated as throttling")
	}
}

func TestCreateCode_SingleRequestPerCall(t *testing.T) {
	mock := testutil.NewMockFlowcode()
	defer mock.Close()
	mock.Enqueue(testutil.NewRateLimitResponse())

	c := newTestClient(t, mock)
	if _, err := c.CreateCode(context.Background(), "https://example.com/x"); !IsThrottled(err) {
		t.Fatalf("Expected throttled error, got %v", err)
	}

	// The client itself never retries.
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1", mock.RequestCount())
	}
}

func TestCreateCode_CancelledContext(t *testing.T) {
	mock := testutil.NewMockFlowcode()
	defer mock.Close()

	c := newTestClient(t, mock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CreateCode(ctx, "https://example.com/x")
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
}
