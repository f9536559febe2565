// Package assessment drives paid risk-assessment jobs through their
// lifecycle: submit, confirm, purchase, poll until a result arrives.
//
// One Workflow exists per risk type and each keeps its own state. A Desk
// owns the four workflows and fans their state out to Sinks.
package assessment

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrRunInFlight     = errors.New("assessment: run already in flight")
	ErrMissingJobID    = errors.New("assessment: no job_id received from risk assessment endpoint")
	ErrUnknownRiskType = errors.New("assessment: unknown risk type")
	ErrClosed          = errors.New("assessment: workflow closed")
	ErrPollDeadline    = errors.New("assessment: polling deadline exceeded")
	ErrPollLimit       = errors.New("assessment: poll attempt limit reached")
	ErrRunNotFound     = errors.New("assessment: run not found")
	ErrPaymentNotFound = errors.New("assessment: payment not found")
	ErrPaymentExists   = errors.New("assessment: payment already recorded")
	ErrNoResult        = errors.New("assessment: no completed result yet")
)

// PollInterval is the fixed spacing between status polls.
const PollInterval = 120000 * time.Millisecond

// RiskType selects the kind of assessment the risk agent runs.
type RiskType string

const (
	RiskTrading                RiskType = "trading"
	RiskLendingBorrowing       RiskType = "lending_borrowing"
	RiskProtocolSecurity       RiskType = "protocol_security"
	RiskLiquidityConcentration RiskType = "liquidity_concentration"
)

// AllRiskTypes lists the risk types in display order.
func AllRiskTypes() []RiskType {
	return []RiskType{RiskTrading, RiskLendingBorrowing, RiskProtocolSecurity, RiskLiquidityConcentration}
}

// ParseRiskType accepts a wire name.
func ParseRiskType(s string) (RiskType, error) {
	rt := RiskType(strings.TrimSpace(s))
	for _, known := range AllRiskTypes() {
		if rt == known {
			return rt, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRiskType, s)
}

// Title is the human label for a risk type.
func (rt RiskType) Title() string {
	switch rt {
	case RiskTrading:
		return "Trading Risk"
	case RiskLendingBorrowing:
		return "Lending and Borrowing Risk"
	case RiskProtocolSecurity:
		return "Protocol Security Risk"
	case RiskLiquidityConcentration:
		return "Liquidity Concentration Risk"
	default:
		return string(rt)
	}
}

// State is a workflow lifecycle state.
type State string

const (
	StateIdle                        State = "idle"
	StateSubmitting                  State = "submitting"
	StateAwaitingPaymentConfirmation State = "awaiting_payment_confirmation"
	StatePolling                     State = "polling"
	StateCompleted                   State = "completed"
	StateError                       State = "error"
)

// InFlight reports whether a run is executing in this state.
func (s State) InFlight() bool {
	return s == StateSubmitting || s == StateAwaitingPaymentConfirmation || s == StatePolling
}

// Terminal reports whether a run has finished in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// ErrorKind classifies why a run ended in StateError.
type ErrorKind string

const (
	ErrorNetwork      ErrorKind = "network"
	ErrorHTTP         ErrorKind = "http"
	ErrorMissingJobID ErrorKind = "missing_job_id"
	ErrorPolling      ErrorKind = "polling"
	ErrorDeadline     ErrorKind = "deadline"
	ErrorCancelled    ErrorKind = "cancelled"
	ErrorDecode       ErrorKind = "decode"
	ErrorCircuitOpen  ErrorKind = "circuit_open"
)

// InputData holds the per-type input fields (string or number values).
type InputData map[string]any

// Clone returns a shallow copy.
func (in InputData) Clone() InputData {
	if in == nil {
		return nil
	}
	out := make(InputData, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// JobStatus is the most recent status snapshot of a job.
type JobStatus struct {
	JobID         string    `json:"jobId"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"paymentStatus"`
	HasResult     bool      `json:"hasResult"`
	ObservedAt    time.Time `json:"observedAt"`
}

// Result is a terminal assessment outcome. Raw holds the result payload
// exactly as the risk agent returned it; the typed fields are parsed from it
// when it is an object.
type Result struct {
	RiskType            string          `json:"riskType,omitempty"`
	RiskScoreLevel      string          `json:"riskScoreLevel,omitempty"`
	RiskScorePercentage string          `json:"riskScorePercentage,omitempty"`
	RiskScoreRaw        *float64        `json:"riskScoreRaw,omitempty"`
	DetailedAssessment  string          `json:"detailedAssessment,omitempty"`
	InputData           InputData       `json:"inputData,omitempty"`
	Band                Band            `json:"band,omitempty"`
	Raw                 json.RawMessage `json:"raw"`
}

type resultWire struct {
	RiskType            string          `json:"risk_type"`
	RiskScoreLevel      string          `json:"risk_score_level"`
	RiskScorePercentage json.RawMessage `json:"risk_score_percentage"`
	RiskScoreRaw        json.RawMessage `json:"risk_score_raw"`
	DetailedAssessment  string          `json:"detailed_assessment"`
	InputData           InputData       `json:"input_data"`
}

// ParseResult builds a Result from a non-empty result payload.
func ParseResult(raw json.RawMessage) Result {
	res := Result{Raw: append(json.RawMessage(nil), raw...)}

	var w resultWire
	if err := json.Unmarshal(raw, &w); err != nil {
		// Not an object (the agent may return plain text); keep Raw only.
		return res
	}
	res.RiskType = w.RiskType
	res.RiskScoreLevel = w.RiskScoreLevel
	res.RiskScorePercentage = scalarString(w.RiskScorePercentage)
	res.DetailedAssessment = w.DetailedAssessment
	res.InputData = w.InputData
	if v, ok := scalarNumber(w.RiskScoreRaw); ok {
		res.RiskScoreRaw = &v
	}

	switch {
	case res.RiskScoreRaw != nil:
		res.Band = ScoreBand(*res.RiskScoreRaw)
	case res.RiskScoreLevel != "":
		res.Band = BandFromLabel(res.RiskScoreLevel)
	default:
		res.Band = BandFromLabel(res.RiskScorePercentage)
	}
	return res
}

func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

func scalarNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f, true
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Band is the coarse rating of a 0..100 risk score.
type Band string

const (
	BandBad    Band = "bad"
	BandBetter Band = "better"
	BandBest   Band = "best"
	BandGreat  Band = "great"
)

// ScoreBand maps a score to its band. Scores are clamped to 0..100.
func ScoreBand(score float64) Band {
	score = math.Max(0, math.Min(100, score))
	switch {
	case score >= 75:
		return BandGreat
	case score >= 50:
		return BandBest
	case score >= 25:
		return BandBetter
	default:
		return BandBad
	}
}

// BandFromLabel reads a band from a level label such as "Great 🟢".
// Unrecognized labels yield "".
func BandFromLabel(label string) Band {
	fields := strings.Fields(strings.ToLower(label))
	if len(fields) == 0 {
		return ""
	}
	switch b := Band(fields[0]); b {
	case BandBad, BandBetter, BandBest, BandGreat:
		return b
	}
	return ""
}

// IsEmptyResult reports whether a status result field carries no result:
// absent, null, "", false, 0, {} or [].
func IsEmptyResult(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", `""`, "false", "{}", "[]":
		return true
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil && f == 0 {
		return true
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil && len(obj) == 0 {
		return true
	}
	var arr []json.RawMessage
	if json.Unmarshal(raw, &arr) == nil && len(arr) == 0 {
		return true
	}
	return false
}

// Snapshot is the observable state of one workflow instance.
type Snapshot struct {
	RiskType    RiskType   `json:"riskType"`
	State       State      `json:"state"`
	RunID       string     `json:"runId,omitempty"`
	RequesterID string     `json:"requesterId,omitempty"`
	JobID       string     `json:"jobId,omitempty"`
	Input       InputData  `json:"input,omitempty"`
	JobStatus   *JobStatus `json:"jobStatus,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	ErrorKind   ErrorKind  `json:"errorKind,omitempty"`
	Error       string     `json:"error,omitempty"`
	PollCount   int        `json:"pollCount"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// clone deep-copies the pointer fields so callers can't mutate workflow state.
func (s Snapshot) clone() Snapshot {
	s.Input = s.Input.Clone()
	if s.JobStatus != nil {
		js := *s.JobStatus
		s.JobStatus = &js
	}
	if s.Result != nil {
		r := *s.Result
		r.InputData = r.InputData.Clone()
		s.Result = &r
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// Presentation is what a result display receives: the risk type plus its result.
type Presentation struct {
	Type RiskType `json:"type"`
	Data Result   `json:"data"`
}
