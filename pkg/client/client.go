// Package client provides the Flowcode HTTP client used to create QR codes.
// Each call issues exactly one request; retry policy belongs to the caller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/flowcode-qr-batch/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for Flowcode requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qr_requests_total",
		Help: "Total Flowcode code creation requests by HTTP status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qr_request_duration_seconds",
		Help:    "Flowcode code creation request duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qr_errors_total",
		Help: "Total failed Flowcode requests by error class",
	}, []string{"class"})
)

// DefaultEndpoint is the Flowcode code creation endpoint.
const DefaultEndpoint = "https://api.flowcode.com/v1/codes"

// maxErrorBody bounds how much of an error response is kept in APIError.
const maxErrorBody = 4 << 10

// Config holds the client configuration.
type Config struct {
	// APIKey is sent as a bearer token (REQUIRED)
	APIKey string

	// Endpoint is the code creation URL
	Endpoint string

	// UserAgent header, optional
	UserAgent string

	// Timeout per request when HTTPClient is nil
	Timeout time.Duration

	// HTTPClient overrides the default client (tests, proxies)
	HTTPClient *http.Client
}

// DefaultConfig returns a configuration for the public Flowcode API.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:    apiKey,
		Endpoint:  DefaultEndpoint,
		UserAgent: "flowcode-qr-batch/1.0",
		Timeout:   60 * time.Second,
	}
}

// Client creates QR codes through the Flowcode API.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// createCodeRequest is the JSON body of a code creation call.
type createCodeRequest struct {
	RedirectURL string `json:"redirectUrl"`
}

// New creates a new Flowcode client.
func New(cfg Config) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		logger:     logging.NewLogger("flowcode-client"),
	}, nil
}

// CreateCode asks Flowcode for a QR code redirecting to redirectURL and
// returns the image bytes. Any 2xx response is a success. Every other outcome
// is returned as an *APIError; use IsThrottled to detect a 429.
func (c *Client) CreateCode(ctx context.Context, redirectURL string) ([]byte, error) {
	payload, err := json.Marshal(createCodeRequest{RedirectURL: redirectURL})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	startTime := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues("network_error").Inc()
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if class := ClassifyStatus(resp.StatusCode); class != "" {
		errorsTotal.WithLabelValues(string(class)).Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		c.logger.Debug().
			Int("status_code", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Flowcode request error")

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    errorMessage(resp.Status, body),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	c.logger.Debug().
		Int("status_code", resp.StatusCode).
		Int("bytes", len(data)).
		Msg("Flowcode request succeeded")

	return data, nil
}

// Endpoint returns the configured code creation URL.
func (c *Client) Endpoint() string {
	return c.config.Endpoint
}

func errorMessage(status string, body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return status
	}
	return status + ": " + text
}
