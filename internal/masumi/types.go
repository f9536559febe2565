// Package masumi is the HTTP client for the remote risk agent and the
// payment gateway that settles each assessment job.
package masumi

import "encoding/json"

// AssessmentRequest starts a job on the risk agent.
type AssessmentRequest struct {
	IdentifierFromPurchaser string         `json:"identifier_from_purchaser"`
	RiskType                string         `json:"risk_type"`
	InputData               map[string]any `json:"input_data"`
}

// Job is the risk agent's answer to an AssessmentRequest. Everything except
// JobID is opaque and is echoed verbatim into the purchase.
type Job struct {
	Status                    string          `json:"status,omitempty"`
	JobID                     string          `json:"job_id"`
	BlockchainIdentifier      json.RawMessage `json:"blockchainIdentifier,omitempty"`
	PayByTime                 json.RawMessage `json:"payByTime,omitempty"`
	SubmitResultTime          json.RawMessage `json:"submitResultTime,omitempty"`
	UnlockTime                json.RawMessage `json:"unlockTime,omitempty"`
	ExternalDisputeUnlockTime json.RawMessage `json:"externalDisputeUnlockTime,omitempty"`
	AgentIdentifier           json.RawMessage `json:"agentIdentifier,omitempty"`
	InputHash                 json.RawMessage `json:"input_hash,omitempty"`
}

// JobStatus is one snapshot from the status endpoint.
type JobStatus struct {
	JobID         string          `json:"job_id,omitempty"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"payment_status"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// Job status values reported by the risk agent.
const (
	StatusAwaitingPayment = "awaiting_payment"
	StatusRunning         = "running"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
)

// PurchaseTerms are the deployment-level purchase parameters.
type PurchaseTerms struct {
	Network     string
	SellerVKey  string
	PaymentType string
}

// PurchaseRequest is the body posted to the payment gateway.
type PurchaseRequest struct {
	IdentifierFromPurchaser   string          `json:"identifierFromPurchaser"`
	Network                   string          `json:"network"`
	SellerVKey                string          `json:"sellerVkey"`
	PaymentType               string          `json:"paymentType"`
	BlockchainIdentifier      json.RawMessage `json:"blockchainIdentifier,omitempty"`
	PayByTime                 json.RawMessage `json:"payByTime,omitempty"`
	SubmitResultTime          json.RawMessage `json:"submitResultTime,omitempty"`
	UnlockTime                json.RawMessage `json:"unlockTime,omitempty"`
	ExternalDisputeUnlockTime json.RawMessage `json:"externalDisputeUnlockTime,omitempty"`
	AgentIdentifier           json.RawMessage `json:"agentIdentifier,omitempty"`
	InputHash                 json.RawMessage `json:"inputHash,omitempty"`
}

// NewPurchaseRequest copies the job's opaque fields into a purchase.
func NewPurchaseRequest(requesterID string, job *Job, terms PurchaseTerms) PurchaseRequest {
	return PurchaseRequest{
		IdentifierFromPurchaser:   requesterID,
		Network:                   terms.Network,
		SellerVKey:                terms.SellerVKey,
		PaymentType:               terms.PaymentType,
		BlockchainIdentifier:      job.BlockchainIdentifier,
		PayByTime:                 job.PayByTime,
		SubmitResultTime:          job.SubmitResultTime,
		UnlockTime:                job.UnlockTime,
		ExternalDisputeUnlockTime: job.ExternalDisputeUnlockTime,
		AgentIdentifier:           job.AgentIdentifier,
		InputHash:                 job.InputHash,
	}
}

// Availability is the risk agent's liveness answer.
type Availability struct {
	Status  string `json:"status"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}
