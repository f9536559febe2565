package assessment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbd888/riskdesk/internal/pagination"
)

// RunRecord is the persisted form of a run's latest Snapshot.
type RunRecord struct {
	ID          string     `json:"id"`
	RiskType    RiskType   `json:"riskType"`
	State       State      `json:"state"`
	RequesterID string     `json:"requesterId"`
	JobID       string     `json:"jobId,omitempty"`
	Input       InputData  `json:"input,omitempty"`
	JobStatus   *JobStatus `json:"jobStatus,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	ErrorKind   ErrorKind  `json:"errorKind,omitempty"`
	Error       string     `json:"error,omitempty"`
	PollCount   int        `json:"pollCount"`
	StartedAt   time.Time  `json:"startedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// RunRecordFromSnapshot converts a snapshot of an active or finished run.
func RunRecordFromSnapshot(s Snapshot) *RunRecord {
	rec := &RunRecord{
		ID:          s.RunID,
		RiskType:    s.RiskType,
		State:       s.State,
		RequesterID: s.RequesterID,
		JobID:       s.JobID,
		Input:       s.Input,
		JobStatus:   s.JobStatus,
		Result:      s.Result,
		ErrorKind:   s.ErrorKind,
		Error:       s.Error,
		PollCount:   s.PollCount,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}
	if s.StartedAt != nil {
		rec.StartedAt = *s.StartedAt
	}
	return rec
}

// PaymentRecord is written once per successful purchase.
type PaymentRecord struct {
	RequesterID string          `json:"requesterId"`
	JobID       string          `json:"jobId"`
	RiskType    RiskType        `json:"riskType"`
	RunID       string          `json:"runId"`
	Network     string          `json:"network"`
	PaymentType string          `json:"paymentType"`
	SellerVKey  string          `json:"sellerVkey"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor returns only runs that sort after the cursor.
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *listOpts) { o.cursor = c }
}

// Store persists runs and payments.
type Store interface {
	// SaveRun inserts or replaces the record with rec.ID.
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	// ListRuns returns the newest runs of a risk type first, ordered by
	// start time then id.
	ListRuns(ctx context.Context, rt RiskType, limit int, opts ...ListOption) ([]*RunRecord, error)
	// CreatePayment fails with ErrPaymentExists if (RequesterID, JobID) is taken.
	CreatePayment(ctx context.Context, rec *PaymentRecord) error
	GetPayment(ctx context.Context, requesterID, jobID string) (*PaymentRecord, error)
}
