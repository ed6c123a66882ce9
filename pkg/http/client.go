// Package http provides the outbound HTTP client for webhook and REST
// calls. Every request runs through a retry policy and a circuit breaker
// and is traced and counted via OpenTelemetry.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"perp_trader/pkg/telemetry"
)

// Retry and breaker tuning shared by every client instance.
const (
	maxRetries     = 3
	backoffInitial = 100 * time.Millisecond
	backoffCap     = 2 * time.Second

	breakerFailures = 5
	breakerWindow   = 10
	breakerCooldown = 10 * time.Second
)

// APIError is a non-2xx response, carried with its body so callers can log
// what the remote end actually said.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer adds authentication to a request before it is sent.
type Signer interface {
	SignRequest(req *http.Request) error
}

// Client wraps http.Client with retries, a circuit breaker and telemetry.
// Callers that talk to one fixed endpoint pass it as baseURL and request
// with an empty path.
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// retryable marks the outcomes worth another attempt: transport errors,
// server errors and rate limiting.
func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

// NewClient creates a client with the default resilience policies.
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	retry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(retryable).
		WithBackoff(backoffInitial, backoffCap).
		WithMaxRetries(maxRetries).
		Build()

	// Rate limiting is retried but does not trip the breaker; only the
	// remote end falling over should open it.
	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(breakerFailures, breakerWindow).
		WithDelay(breakerCooldown).
		Build()

	meter := telemetry.GetMeter("http-client")
	requests, _ := meter.Int64Counter("http_client_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	failures, _ := meter.Int64Counter("http_client_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latency, _ := meter.Float64Histogram("http_client_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL:  baseURL,
		signer:   signer,
		pipeline: failsafe.With[*http.Response](retry, breaker),
		tracer:   telemetry.GetTracer("http-client"),
		requests: requests,
		failures: failures,
		latency:  latency,
	}
}

// Get sends a GET request with the given query parameters.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()

	return c.do(req)
}

// Post sends a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req)
}

// cloneForAttempt hands the pipeline a fresh request per try. Clone shares
// the already-consumed body, so bodies are rewound from GetBody before each
// attempt.
func cloneForAttempt(req *http.Request) (*http.Request, error) {
	attempt := req.Clone(req.Context())
	if req.GetBody == nil {
		return attempt, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	attempt.Body = body
	return attempt, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(req.Context(), fmt.Sprintf("%s %s", req.Method, req.URL.Path),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		),
	)
	defer span.End()

	req = req.WithContext(ctx)

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.pipeline.GetWithExecution(func(_ failsafe.Execution[*http.Response]) (*http.Response, error) {
		attempt, attemptErr := cloneForAttempt(req)
		if attemptErr != nil {
			return nil, attemptErr
		}
		return c.client.Do(attempt)
	})

	attrs := metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	)
	c.requests.Add(ctx, 1, attrs)
	c.latency.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		c.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", req.Method),
			attribute.String("path", req.URL.Path),
			attribute.String("error", "pipeline_failed"),
		))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", req.Method),
			attribute.String("path", req.URL.Path),
			attribute.Int("status", resp.StatusCode),
		))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return body, nil
}
