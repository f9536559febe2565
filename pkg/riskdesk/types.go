package riskdesk

import (
	"encoding/json"
	"time"
)

// Risk type wire names.
const (
	Trading                = "trading"
	LendingBorrowing       = "lending_borrowing"
	ProtocolSecurity       = "protocol_security"
	LiquidityConcentration = "liquidity_concentration"
)

// Workflow states.
const (
	StateIdle                        = "idle"
	StateSubmitting                  = "submitting"
	StateAwaitingPaymentConfirmation = "awaiting_payment_confirmation"
	StatePolling                     = "polling"
	StateCompleted                   = "completed"
	StateError                       = "error"
)

// Field describes one input of a risk type.
type Field struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// RiskType is an entry of GET /v1/risk-types.
type RiskType struct {
	RiskType string         `json:"riskType"`
	Title    string         `json:"title"`
	Fields   []Field        `json:"fields"`
	Preset   map[string]any `json:"preset"`
}

// JobStatus is the last status the desk observed for a job.
type JobStatus struct {
	JobID         string    `json:"jobId"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"paymentStatus"`
	HasResult     bool      `json:"hasResult"`
	ObservedAt    time.Time `json:"observedAt"`
}

// Result is a completed assessment.
type Result struct {
	RiskType            string          `json:"riskType,omitempty"`
	RiskScoreLevel      string          `json:"riskScoreLevel,omitempty"`
	RiskScorePercentage string          `json:"riskScorePercentage,omitempty"`
	RiskScoreRaw        *float64        `json:"riskScoreRaw,omitempty"`
	DetailedAssessment  string          `json:"detailedAssessment,omitempty"`
	InputData           map[string]any  `json:"inputData,omitempty"`
	Band                string          `json:"band,omitempty"`
	Raw                 json.RawMessage `json:"raw"`
}

// Assessment is the current state of one risk type's workflow.
type Assessment struct {
	RiskType    string         `json:"riskType"`
	State       string         `json:"state"`
	RunID       string         `json:"runId,omitempty"`
	RequesterID string         `json:"requesterId,omitempty"`
	JobID       string         `json:"jobId,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	JobStatus   *JobStatus     `json:"jobStatus,omitempty"`
	Result      *Result        `json:"result,omitempty"`
	ErrorKind   string         `json:"errorKind,omitempty"`
	Error       string         `json:"error,omitempty"`
	PollCount   int            `json:"pollCount"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// InFlight reports whether a run is between submission and its outcome.
func (a *Assessment) InFlight() bool {
	switch a.State {
	case StateSubmitting, StateAwaitingPaymentConfirmation, StatePolling:
		return true
	}
	return false
}

// Terminal reports whether the last run ended.
func (a *Assessment) Terminal() bool {
	return a.State == StateCompleted || a.State == StateError
}

// Run is a persisted run record.
type Run struct {
	ID          string         `json:"id"`
	RiskType    string         `json:"riskType"`
	State       string         `json:"state"`
	RequesterID string         `json:"requesterId"`
	JobID       string         `json:"jobId,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	JobStatus   *JobStatus     `json:"jobStatus,omitempty"`
	Result      *Result        `json:"result,omitempty"`
	ErrorKind   string         `json:"errorKind,omitempty"`
	Error       string         `json:"error,omitempty"`
	PollCount   int            `json:"pollCount"`
	StartedAt   time.Time      `json:"startedAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Payment is a recorded purchase.
type Payment struct {
	RequesterID string          `json:"requesterId"`
	JobID       string          `json:"jobId"`
	RiskType    string          `json:"riskType"`
	RunID       string          `json:"runId"`
	Network     string          `json:"network"`
	PaymentType string          `json:"paymentType"`
	SellerVKey  string          `json:"sellerVkey"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Presentation is the latest completed result handed to presenters.
type Presentation struct {
	Type string `json:"type"`
	Data Result `json:"data"`
}

// Event is one message of the /ws stream. Data holds an Assessment for
// assessment_state events and a Presentation for assessment_result events.
type Event struct {
	Type      string          `json:"type"`
	RiskType  string          `json:"riskType"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Stream event types.
const (
	EventAssessmentState  = "assessment_state"
	EventAssessmentResult = "assessment_result"
)

// Assessment decodes an assessment_state event.
func (e Event) Assessment() (*Assessment, error) {
	var a Assessment
	if err := json.Unmarshal(e.Data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Presentation decodes an assessment_result event.
func (e Event) Presentation() (*Presentation, error) {
	var p Presentation
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
