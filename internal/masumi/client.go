package masumi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/riskdesk/internal/circuitbreaker"
	"github.com/mbd888/riskdesk/internal/logging"
	"github.com/mbd888/riskdesk/internal/traces"
)

// Upstream operations. Also used as metric labels and, with an optional
// scope prefix, as circuit breaker keys.
const (
	OpCreateAssessment = "create_assessment"
	OpJobStatus        = "job_status"
	OpPurchase         = "purchase"
	OpAvailability     = "availability"
)

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 4 << 20

// Config holds the upstream endpoints and credentials.
type Config struct {
	RiskAPIURL    string // e.g. "http://localhost:3000/api"
	PaymentAPIURL string // e.g. "http://localhost:3000/payment-api"
	AdminToken    string // sent as the "token" header on purchases
	Timeout       time.Duration
}

// Client talks to the risk agent and the payment gateway.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithBreaker guards every operation with a circuit breaker keyed by the
// request scope and operation.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client. A zero Timeout means 60s.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.RiskAPIURL = strings.TrimRight(cfg.RiskAPIURL, "/")
	cfg.PaymentAPIURL = strings.TrimRight(cfg.PaymentAPIURL, "/")

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker returns the configured circuit breaker, or nil.
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// CreateAssessment submits a new job to the risk agent.
func (c *Client) CreateAssessment(ctx context.Context, req AssessmentRequest) (*Job, error) {
	var job Job
	if err := c.do(ctx, OpCreateAssessment, http.MethodPost, c.cfg.RiskAPIURL+"/risk_assessment", nil, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobStatus fetches the current status snapshot for a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	q := url.Values{}
	q.Set("job_id", jobID)

	var st JobStatus
	if err := c.do(ctx, OpJobStatus, http.MethodGet, c.cfg.RiskAPIURL+"/status", q, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Purchase pays for a job through the payment gateway. The gateway's
// response body is returned unparsed.
func (c *Client) Purchase(ctx context.Context, req PurchaseRequest) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, OpPurchase, http.MethodPost, c.cfg.PaymentAPIURL+"/purchase/", nil, req, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Availability asks the risk agent whether it is operational.
func (c *Client) Availability(ctx context.Context) (*Availability, error) {
	var a Availability
	if err := c.do(ctx, OpAvailability, http.MethodGet, c.cfg.RiskAPIURL+"/availability", nil, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) do(ctx context.Context, op, method, rawURL string, query url.Values, body, out any) (err error) {
	ctx, span := traces.StartSpan(ctx, "masumi."+op, traces.Operation(op))
	defer func() { traces.EndSpan(span, err) }()

	key := BreakerKey(ctx, op)
	if c.breaker != nil && !c.breaker.Allow(key) {
		upstreamRequests.WithLabelValues(op, "circuit_open").Inc()
		return ErrCircuitOpen
	}

	start := time.Now()
	status, respBody, err := c.roundTrip(ctx, op, method, rawURL, query, body)
	upstreamLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.HTTPStatus(status))

	switch {
	case err != nil:
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			upstreamRequests.WithLabelValues(op, "network_error").Inc()
		}
		if netErr != nil && ctx.Err() == nil {
			c.recordFailure(key)
		} else {
			// Cancelled or never sent: says nothing about upstream health.
			c.release(key)
		}
		return err
	case status < 200 || status >= 300:
		// 4xx means the upstream is healthy and rejected this request.
		if status >= 500 {
			c.recordFailure(key)
		} else {
			c.recordSuccess(key)
		}
		upstreamRequests.WithLabelValues(op, "http_error").Inc()
		c.logger.Warn("upstream returned error status", "operation", op, "status", status)
		return &HTTPError{Op: op, StatusCode: status, Status: statusLine(status), Body: string(respBody)}
	}
	c.recordSuccess(key)

	if out != nil {
		if raw, ok := out.(*json.RawMessage); ok {
			if !json.Valid(respBody) {
				upstreamRequests.WithLabelValues(op, "decode_error").Inc()
				return &DecodeError{Op: op, Err: errors.New("invalid JSON")}
			}
			*raw = append(json.RawMessage(nil), respBody...)
		} else if err := json.Unmarshal(respBody, out); err != nil {
			upstreamRequests.WithLabelValues(op, "decode_error").Inc()
			return &DecodeError{Op: op, Err: err}
		}
	}
	upstreamRequests.WithLabelValues(op, "ok").Inc()
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, rawURL string, query url.Values, body any) (int, []byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if op == OpPurchase {
		req.Header.Set("token", c.cfg.AdminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, &NetworkError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) recordFailure(key string) {
	if c.breaker != nil {
		c.breaker.RecordFailure(key)
	}
}

func (c *Client) recordSuccess(key string) {
	if c.breaker != nil {
		c.breaker.RecordSuccess(key)
	}
}

func (c *Client) release(key string) {
	if c.breaker != nil {
		c.breaker.Release(key)
	}
}

type scopeKey struct{}

// WithScope tags ctx so breaker state for calls made with it is tracked
// apart from other scopes. Workflows scope by risk type.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// BreakerKey returns the breaker key for op under the scope carried by ctx:
// "scope/op", or the bare op when ctx has no scope.
func BreakerKey(ctx context.Context, op string) string {
	if scope, _ := ctx.Value(scopeKey{}).(string); scope != "" {
		return scope + "/" + op
	}
	return op
}

func statusLine(code int) string {
	if text := http.StatusText(code); text != "" {
		return fmt.Sprintf("%d %s", code, text)
	}
	return fmt.Sprintf("%d", code)
}
