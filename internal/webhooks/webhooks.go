// Package webhooks notifies external services when assessments finish.
//
// A Notifier is an assessment.Sink. It turns completed results and failed
// runs into signed JSON events and POSTs them to every configured URL from a
// background worker, so the workflows never wait on a receiver.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/mbd888/riskdesk/internal/assessment"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventAssessmentCompleted EventType = "assessment.completed"
	EventAssessmentFailed    EventType = "assessment.failed"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Riskdesk-Event"
	HeaderDelivery  = "X-Riskdesk-Delivery"
	HeaderTimestamp = "X-Riskdesk-Timestamp"
	HeaderSignature = "X-Riskdesk-Signature"
)

// Event represents a webhook event
type Event struct {
	ID        string              `json:"id"`
	Type      EventType           `json:"type"`
	RiskType  assessment.RiskType `json:"riskType"`
	Timestamp time.Time           `json:"timestamp"`
	Data      interface{}         `json:"data"`
}

// Failure is the payload of an assessment.failed event.
type Failure struct {
	RunID       string               `json:"runId"`
	RequesterID string               `json:"requesterId,omitempty"`
	JobID       string               `json:"jobId,omitempty"`
	ErrorKind   assessment.ErrorKind `json:"errorKind"`
	Error       string               `json:"error"`
	PollCount   int                  `json:"pollCount"`
}

// Config configures delivery.
type Config struct {
	URLs   []string
	Secret string // signs payloads when set

	Timeout        time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	QueueSize      int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxAttempts:    4,
		RetryBaseDelay: time.Second,
		QueueSize:      64,
	}
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload. Receivers use it to
// authenticate deliveries.
func Verify(payload []byte, secret, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
