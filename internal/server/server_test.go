package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskdesk/internal/config"
	"github.com/mbd888/riskdesk/internal/masumi"
)

func init() {
	gin.SetMode(gin.TestMode)
	drainDelay = 0
}

// stubAPI completes every job on the first poll.
type stubAPI struct {
	mu      sync.Mutex
	creates []masumi.AssessmentRequest
}

func (s *stubAPI) CreateAssessment(_ context.Context, req masumi.AssessmentRequest) (*masumi.Job, error) {
	s.mu.Lock()
	s.creates = append(s.creates, req)
	s.mu.Unlock()
	return &masumi.Job{Status: "success", JobID: "job-1"}, nil
}

func (s *stubAPI) JobStatus(_ context.Context, jobID string) (*masumi.JobStatus, error) {
	return &masumi.JobStatus{
		JobID:         jobID,
		Status:        masumi.StatusCompleted,
		PaymentStatus: masumi.StatusCompleted,
		Result:        json.RawMessage(`{"risk_type":"trading","risk_score_raw":82,"risk_score_percentage":"Great","detailed_assessment":"ok"}`),
	}, nil
}

func (s *stubAPI) Purchase(context.Context, masumi.PurchaseRequest) (json.RawMessage, error) {
	return json.RawMessage(`{"status":"success"}`), nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		RiskAPIURL:        "http://risk.invalid/api",
		PaymentAPIURL:     "http://payment.invalid/payment-api",
		HTTPTimeout:       time.Second,
		PaymentAdminToken: "test-token",
		SellerVKey:        "test-vkey",
		PaymentNetwork:    "Preprod",
		PaymentType:       "Web3CardanoV1",
		PollDeadline:      time.Hour,
		RateLimitRPM:      600,
		RateLimitBurst:    1000,
		AllowedOrigins:    []string{"https://desk.example.com"},
	}
}

// newTestServer creates a server backed by stubAPI and in-memory storage
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *stubAPI) {
	t.Helper()
	api := &stubAPI{}
	s, err := New(cfg, WithAPI(api))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, api
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := serve(s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	if resp.Version != Version {
		t.Errorf("Expected version %s, got %s", Version, resp.Version)
	}
	if len(resp.Checks) != 1 || resp.Checks[0].Name != "workflows" {
		t.Errorf("Expected only the workflows check with an injected API, got %+v", resp.Checks)
	}
}

func TestHealthEndpoint_UpstreamUnavailable(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer agent.Close()

	cfg := testConfig()
	cfg.RiskAPIURL = agent.URL
	cfg.BreakerThreshold = 3
	cfg.BreakerCooldown = time.Minute
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })

	w := serve(s, "GET", "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d: %s", w.Code, w.Body.String())
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	byName := make(map[string]bool)
	for _, c := range resp.Checks {
		byName[c.Name] = c.Healthy
	}
	if healthy, ok := byName["risk_agent"]; !ok || healthy {
		t.Errorf("Expected unhealthy risk_agent check, got %+v", resp.Checks)
	}
	if healthy, ok := byName["upstream_breaker"]; !ok || !healthy {
		t.Errorf("Expected healthy upstream_breaker check, got %+v", resp.Checks)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	if w := serve(s, "GET", "/health/live", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	// Server hasn't called Run() so ready is false
	if w := serve(s, "GET", "/health/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	expected := []string{
		"GET:/",
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/risk-types",
		"GET:/v1/assessments",
		"GET:/v1/assessments/:riskType",
		"POST:/v1/assessments/:riskType",
		"GET:/v1/assessments/:riskType/runs",
		"GET:/v1/runs/:id",
		"GET:/v1/payments/:requesterId/:jobId",
		"GET:/v1/results/latest",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestInfoEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := serve(s, "GET", "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Name      string   `json:"name"`
		RiskTypes []string `json:"riskTypes"`
		InFlight  int      `json:"inFlight"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Name != "riskdesk" || len(resp.RiskTypes) != 4 || resp.InFlight != 0 {
		t.Errorf("Unexpected info: %+v", resp)
	}
}

// ---------------------------------------------------------------------------
// Assessment flow through the full middleware stack
// ---------------------------------------------------------------------------

func TestAssessmentFlow(t *testing.T) {
	s, api := newTestServer(t, testConfig())

	w := serve(s, "POST", "/v1/assessments/trading", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		w = serve(s, "GET", "/v1/results/latest", "")
		if w.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no result within 5s, last status %d", w.Code)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var resp struct {
		Presentation struct {
			Type string `json:"type"`
			Data struct {
				Band string `json:"band"`
			} `json:"data"`
		} `json:"presentation"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Presentation.Type != "trading" || resp.Presentation.Data.Band != "great" {
		t.Errorf("Unexpected presentation: %+v", resp.Presentation)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.creates) != 1 || api.creates[0].RiskType != "trading" {
		t.Fatalf("Expected one trading create, got %+v", api.creates)
	}
	if got := api.creates[0].InputData["token_symbol"]; got != "ETH" {
		t.Errorf("Expected preset token_symbol ETH, got %v", got)
	}
}

func TestPresetsFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	if err := os.WriteFile(path, []byte("trading:\n  token_symbol: ADA\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.PresetsFile = path

	s, _ := newTestServer(t, cfg)

	preset := s.Desk().Preset("trading")
	if preset["token_symbol"] != "ADA" {
		t.Errorf("Expected ADA from presets file, got %v", preset["token_symbol"])
	}
}

func TestNew_BadPresetsFile(t *testing.T) {
	cfg := testConfig()
	cfg.PresetsFile = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := New(cfg, WithAPI(&stubAPI{})); err == nil {
		t.Fatal("Expected error for missing presets file")
	}
}

func TestNew_WebhooksOptional(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	if s.notifier != nil {
		t.Error("Expected no notifier without webhook URLs")
	}

	cfg := testConfig()
	cfg.WebhookURLs = []string{"https://hooks.example.com/riskdesk"}
	s, _ = newTestServer(t, cfg)
	if s.notifier == nil {
		t.Error("Expected a notifier when webhook URLs are configured")
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestRateLimitAppliesToAPIOnly(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 1
	cfg.RateLimitBurst = 2
	s, _ := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		if w := serve(s, "GET", "/v1/risk-types", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := serve(s, "GET", "/v1/risk-types", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w := serve(s, "GET", "/health/live", ""); w.Code != http.StatusOK {
		t.Errorf("Expected probes to bypass the limiter, got %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := serve(s, "GET", "/health/live", "")
	if id := w.Header().Get("X-Request-ID"); len(id) != 32 {
		t.Errorf("Expected generated 32 char request id, got %q", id)
	}

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "  upstream-id  ")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if id := w.Header().Get("X-Request-ID"); id != "upstream-id" {
		t.Errorf("Expected upstream request id to be kept, got %q", id)
	}
}

func TestCORSUsesConfiguredOrigins(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	for origin, allowed := range map[string]bool{
		"https://desk.example.com": true,
		"https://evil.example.com": false,
	} {
		req := httptest.NewRequest("GET", "/v1/risk-types", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)

		got := w.Header().Get("Access-Control-Allow-Origin") == origin
		if got != allowed {
			t.Errorf("origin %s: allowed = %v, want %v", origin, got, allowed)
		}
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	if w := serve(s, "GET", "/v1/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestMaskDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://desk:secret@db:5432/riskdesk?sslmode=disable", "postgres://desk:%2A%2A%2A@db:5432/riskdesk?sslmode=disable"},
		{"postgres://db:5432/riskdesk", "postgres://db:5432/riskdesk"},
		{"://bad", "***"},
	}
	for _, tt := range tests {
		if got := maskDSN(tt.in); got != tt.want {
			t.Errorf("maskDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
