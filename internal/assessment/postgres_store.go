package assessment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/riskdesk/migrations"
)

// pqUniqueViolation is the Postgres SQLSTATE for a unique constraint violation.
const pqUniqueViolation = "23505"

// PostgresStore persists runs and payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded goose migrations that are not yet applied.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, p.db, migrations.FS)
	if err != nil {
		return fmt.Errorf("assessment: migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("assessment: migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveRun(ctx context.Context, r *RunRecord) error {
	input, err := jsonParam(r.Input)
	if err != nil {
		return err
	}
	jobStatus, err := jsonParam(r.JobStatus)
	if err != nil {
		return err
	}
	result, err := jsonParam(r.Result)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO assessment_runs (
			id, risk_type, state, requester_id, job_id,
			input, job_status, result, error_kind, error,
			poll_count, started_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::JSONB, $7::JSONB, $8::JSONB, $9, $10,
			$11, $12, $13, $14
		)
		ON CONFLICT (id) DO UPDATE SET
			state        = EXCLUDED.state,
			job_id       = EXCLUDED.job_id,
			job_status   = EXCLUDED.job_status,
			result       = EXCLUDED.result,
			error_kind   = EXCLUDED.error_kind,
			error        = EXCLUDED.error,
			poll_count   = EXCLUDED.poll_count,
			updated_at   = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		r.ID, string(r.RiskType), string(r.State), r.RequesterID, nullString(r.JobID),
		input, jobStatus, result, nullString(string(r.ErrorKind)), nullString(r.Error),
		r.PollCount, r.StartedAt, r.UpdatedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, risk_type, state, requester_id, job_id,
		       input, job_status, result, error_kind, error,
		       poll_count, started_at, updated_at, completed_at
		FROM assessment_runs WHERE id::TEXT = $1`, id)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRuns(ctx context.Context, rt RiskType, limit int, opts ...ListOption) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	o := applyListOpts(opts)

	query := `
		SELECT id, risk_type, state, requester_id, job_id,
		       input, job_status, result, error_kind, error,
		       poll_count, started_at, updated_at, completed_at
		FROM assessment_runs
		WHERE risk_type = $1`
	args := []interface{}{string(rt)}
	if o.cursor != nil {
		query += ` AND (started_at, id::text) < ($2, $3)`
		args = append(args, o.cursor.At, o.cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC, id::text DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreatePayment(ctx context.Context, r *PaymentRecord) error {
	var response sql.NullString
	if len(r.Response) > 0 {
		response = sql.NullString{String: string(r.Response), Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO assessment_payments (
			requester_id, job_id, risk_type, run_id, network,
			payment_type, seller_vkey, response, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB, $9)`,
		r.RequesterID, r.JobID, string(r.RiskType), r.RunID, r.Network,
		r.PaymentType, r.SellerVKey, response, r.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return ErrPaymentExists
	}
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, requesterID, jobID string) (*PaymentRecord, error) {
	r := &PaymentRecord{}
	var (
		riskType string
		response []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT requester_id, job_id, risk_type, run_id, network,
		       payment_type, seller_vkey, response, created_at
		FROM assessment_payments
		WHERE requester_id = $1 AND job_id = $2`, requesterID, jobID,
	).Scan(
		&r.RequesterID, &r.JobID, &riskType, &r.RunID, &r.Network,
		&r.PaymentType, &r.SellerVKey, &response, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	r.RiskType = RiskType(riskType)
	r.Response = response
	return r, nil
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*RunRecord, error) {
	r := &RunRecord{}
	var (
		riskType, state               string
		jobID, errorKind, errText     sql.NullString
		input, jobStatus, resultBytes []byte
		completedAt                   sql.NullTime
	)

	err := sc.Scan(
		&r.ID, &riskType, &state, &r.RequesterID, &jobID,
		&input, &jobStatus, &resultBytes, &errorKind, &errText,
		&r.PollCount, &r.StartedAt, &r.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	r.RiskType = RiskType(riskType)
	r.State = State(state)
	r.JobID = jobID.String
	r.ErrorKind = ErrorKind(errorKind.String)
	r.Error = errText.String
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if err := unmarshalNullable(input, &r.Input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if err := unmarshalNullable(jobStatus, &r.JobStatus); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	if err := unmarshalNullable(resultBytes, &r.Result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

// jsonParam encodes v for a JSONB parameter. lib/pq sends []byte as bytea,
// so the value travels as text; nil becomes NULL.
func jsonParam(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
