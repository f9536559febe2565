// Package riskdesk is a Go client for the riskdesk HTTP API and its
// WebSocket event stream.
//
//	c := riskdesk.New("http://localhost:8080")
//	a, err := c.Start(ctx, riskdesk.Trading, map[string]any{"token_symbol": "ADA"})
//	...
//	a, err = c.Wait(ctx, riskdesk.Trading, 5*time.Second)
package riskdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// APIError is a non-2xx answer from the desk.
type APIError struct {
	StatusCode int          `json:"-"`
	Code       string       `json:"error"`
	Message    string       `json:"message"`
	Details    []FieldError `json:"details,omitempty"`
	Assessment *Assessment  `json:"assessment,omitempty"`
}

// FieldError is one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("riskdesk: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("riskdesk: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsNotFound reports whether err is a 404 from the desk.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsInFlight reports whether err rejected a start because a run of that
// type is already in flight.
func IsInFlight(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "run_in_flight"
}

// Client talks to one riskdesk server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	clock      clockwork.Clock
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithClock replaces the clock used by Wait.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RiskTypes lists the four risk types with their input schemas and presets.
func (c *Client) RiskTypes(ctx context.Context) ([]RiskType, error) {
	var out struct {
		RiskTypes []RiskType `json:"riskTypes"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/risk-types", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.RiskTypes, nil
}

// Assessments returns the current state of all four workflows.
func (c *Client) Assessments(ctx context.Context) ([]Assessment, error) {
	var out struct {
		Assessments []Assessment `json:"assessments"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/assessments", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Assessments, nil
}

// Assessment returns the current state of one workflow.
func (c *Client) Assessment(ctx context.Context, riskType string) (*Assessment, error) {
	var out struct {
		Assessment *Assessment `json:"assessment"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/assessments/"+url.PathEscape(riskType), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Assessment, nil
}

// Start triggers a run. A nil input runs with the server's presets.
func (c *Client) Start(ctx context.Context, riskType string, input map[string]any) (*Assessment, error) {
	var body any
	if input != nil {
		body = map[string]any{"input_data": input}
	}
	var out struct {
		Assessment *Assessment `json:"assessment"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/assessments/"+url.PathEscape(riskType), nil, body, &out); err != nil {
		return nil, err
	}
	return out.Assessment, nil
}

// Runs returns up to limit past runs of a risk type, newest first.
func (c *Client) Runs(ctx context.Context, riskType string, limit int) ([]Run, error) {
	runs, _, err := c.RunsPage(ctx, riskType, limit, "")
	return runs, err
}

// RunsPage returns one page of run history. Pass the returned next cursor to
// fetch the following page; it is empty on the last page.
func (c *Client) RunsPage(ctx context.Context, riskType string, limit int, cursor string) (runs []Run, next string, err error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out struct {
		Runs       []Run  `json:"runs"`
		NextCursor string `json:"nextCursor"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/assessments/"+url.PathEscape(riskType)+"/runs", q, nil, &out); err != nil {
		return nil, "", err
	}
	return out.Runs, out.NextCursor, nil
}

// Run returns one run record.
func (c *Client) Run(ctx context.Context, id string) (*Run, error) {
	var out struct {
		Run *Run `json:"run"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Run, nil
}

// Payment returns the purchase recorded for a job.
func (c *Client) Payment(ctx context.Context, requesterID, jobID string) (*Payment, error) {
	var out struct {
		Payment *Payment `json:"payment"`
	}
	path := "/v1/payments/" + url.PathEscape(requesterID) + "/" + url.PathEscape(jobID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Payment, nil
}

// Latest returns the most recently completed result. It fails with a 404
// APIError until some run has completed.
func (c *Client) Latest(ctx context.Context) (*Presentation, error) {
	var out struct {
		Presentation *Presentation `json:"presentation"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/results/latest", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Presentation, nil
}

// Wait polls the workflow every interval until it is no longer in flight
// and returns its final state. onUpdate, when set, sees every observed state.
func (c *Client) Wait(ctx context.Context, riskType string, interval time.Duration, onUpdate ...func(*Assessment)) (*Assessment, error) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		a, err := c.Assessment(ctx, riskType)
		if err != nil {
			return nil, err
		}
		for _, fn := range onUpdate {
			fn(a)
		}
		if !a.InFlight() {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return a, ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// Stream subscribes to the /ws event stream, optionally limited to some
// risk types. The channel closes when ctx ends or the connection drops.
func (c *Client) Stream(ctx context.Context, riskTypes ...string) (<-chan Event, error) {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return nil, fmt.Errorf("riskdesk: invalid URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(riskTypes) > 0 {
		u.RawQuery = url.Values{"riskType": {strings.Join(riskTypes, ",")}}.Encode()
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("riskdesk: dial stream: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(events)
		defer func() { _ = conn.Close() }()
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("riskdesk: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("riskdesk: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("riskdesk: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("riskdesk: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("riskdesk: decode response: %w", err)
	}
	return nil
}
