package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/riskdesk/internal/idgen"
	"github.com/mbd888/riskdesk/internal/logging"
	"github.com/mbd888/riskdesk/internal/masumi"
	"github.com/mbd888/riskdesk/internal/traces"
)

// API is the upstream surface a Workflow drives. *masumi.Client implements it.
type API interface {
	CreateAssessment(ctx context.Context, req masumi.AssessmentRequest) (*masumi.Job, error)
	JobStatus(ctx context.Context, jobID string) (*masumi.JobStatus, error)
	Purchase(ctx context.Context, req masumi.PurchaseRequest) (json.RawMessage, error)
}

var _ API = (*masumi.Client)(nil)

// PollPolicy bounds the polling phase. Zero values mean unbounded.
type PollPolicy struct {
	MaxAttempts int
	Deadline    time.Duration
}

// storeTimeout bounds each best-effort persistence call.
const storeTimeout = 5 * time.Second

// deps is the configuration shared by the workflows of one Desk.
type deps struct {
	api    API
	store  Store
	clock  clockwork.Clock
	logger *slog.Logger
	policy PollPolicy
	terms  masumi.PurchaseTerms

	onChange func(Snapshot)
	onResult func(Presentation)
}

// Workflow runs assessments of one risk type, one run at a time.
type Workflow struct {
	riskType RiskType
	schema   Schema
	deps     *deps
	parent   context.Context

	// pubMu orders snapshot changes with their publication so sinks and
	// the store never see an older snapshot after a newer one. Taken
	// before mu.
	pubMu sync.Mutex

	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc
	closed bool
	runs   sync.WaitGroup
}

func newWorkflow(parent context.Context, rt RiskType, d *deps) *Workflow {
	schema, _ := SchemaFor(rt)
	return &Workflow{
		riskType: rt,
		schema:   schema,
		deps:     d,
		parent:   parent,
		snap: Snapshot{
			RiskType:  rt,
			State:     StateIdle,
			UpdatedAt: d.clock.Now(),
		},
	}
}

// RiskType returns the risk type this workflow assesses.
func (w *Workflow) RiskType() RiskType { return w.riskType }

// Snapshot returns a copy of the current state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.clone()
}

// Run starts a new assessment with the given input. It returns once the run
// is accepted; progress is observed through Snapshot and the desk's sinks.
// A call while a run is in flight returns ErrRunInFlight and changes nothing.
func (w *Workflow) Run(input InputData) (Snapshot, error) {
	w.pubMu.Lock()
	defer w.pubMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if w.snap.State.InFlight() {
		w.mu.Unlock()
		return Snapshot{}, ErrRunInFlight
	}

	normalized, err := w.schema.Normalize(input)
	if err != nil {
		w.mu.Unlock()
		return Snapshot{}, err
	}

	now := w.deps.clock.Now()
	runID := idgen.RunID()
	requesterID := idgen.RequesterID()
	ctx, cancel := context.WithCancel(masumi.WithScope(w.parent, string(w.riskType)))

	w.snap = Snapshot{
		RiskType:    w.riskType,
		State:       StateSubmitting,
		RunID:       runID,
		RequesterID: requesterID,
		Input:       normalized,
		StartedAt:   &now,
		UpdatedAt:   now,
	}
	w.cancel = cancel
	w.runs.Add(1)
	snap := w.snap.clone()
	w.mu.Unlock()

	runsStarted.WithLabelValues(string(w.riskType)).Inc()
	runsInFlight.WithLabelValues(string(w.riskType)).Inc()
	w.publish(ctx, snap)

	go w.execute(ctx, cancel, snap)
	return snap, nil
}

// Close cancels any in-flight run and waits until every run goroutine has
// returned. Later calls to Run return ErrClosed.
func (w *Workflow) Close() {
	w.mu.Lock()
	w.closed = true
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.runs.Wait()
}

func (w *Workflow) execute(ctx context.Context, cancel context.CancelFunc, run Snapshot) {
	defer w.runs.Done()
	defer cancel()

	logger := logging.ForRun(w.deps.logger, string(w.riskType), run.RunID)
	ctx = logging.WithLogger(ctx, logger)
	ctx, span := traces.StartSpan(ctx, "assessment.run", traces.RiskType(string(w.riskType)), traces.RunID(run.RunID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in assessment run", "panic", r)
			w.fail(ctx, run, fmt.Errorf("internal error: %v", r))
		}
	}()

	logger.Info("assessment run started", "requester_id", run.RequesterID)
	err := w.drive(ctx, run)
	if err != nil {
		w.fail(ctx, run, err)
	}
	traces.EndSpan(span, err)
}

// drive performs the submit, confirm, purchase and poll steps in order.
// Any returned error ends the run in StateError.
func (w *Workflow) drive(ctx context.Context, run Snapshot) error {
	logger := logging.L(ctx)

	job, err := w.submit(ctx, run)
	if err != nil {
		return err
	}
	if job.JobID == "" {
		return ErrMissingJobID
	}
	logger.Info("assessment job created", "job_id", job.JobID)

	if !w.update(ctx, run.RunID, func(s *Snapshot) {
		s.State = StateAwaitingPaymentConfirmation
		s.JobID = job.JobID
	}) {
		return ctx.Err()
	}

	// The initial status is recorded but does not gate the purchase.
	st, err := w.fetchStatus(ctx, job.JobID)
	if err != nil {
		return err
	}
	logger.Info("initial job status", "status", st.Status, "payment_status", st.PaymentStatus)
	w.update(ctx, run.RunID, func(s *Snapshot) { s.JobStatus = w.jobStatus(job.JobID, st) })

	if err := w.purchase(ctx, run, job); err != nil {
		return err
	}

	if !w.update(ctx, run.RunID, func(s *Snapshot) { s.State = StatePolling }) {
		return ctx.Err()
	}
	return w.poll(ctx, run, job.JobID)
}

func (w *Workflow) submit(ctx context.Context, run Snapshot) (*masumi.Job, error) {
	ctx, span := traces.StartSpan(ctx, "assessment.submit", traces.RiskType(string(w.riskType)))
	job, err := w.deps.api.CreateAssessment(ctx, masumi.AssessmentRequest{
		IdentifierFromPurchaser: run.RequesterID,
		RiskType:                string(w.riskType),
		InputData:               run.Input,
	})
	traces.EndSpan(span, err)
	return job, err
}

func (w *Workflow) fetchStatus(ctx context.Context, jobID string) (*masumi.JobStatus, error) {
	ctx, span := traces.StartSpan(ctx, "assessment.status", traces.JobID(jobID))
	st, err := w.deps.api.JobStatus(ctx, jobID)
	traces.EndSpan(span, err)
	return st, err
}

func (w *Workflow) purchase(ctx context.Context, run Snapshot, job *masumi.Job) error {
	ctx, span := traces.StartSpan(ctx, "assessment.purchase", traces.JobID(job.JobID))
	resp, err := w.deps.api.Purchase(ctx, masumi.NewPurchaseRequest(run.RequesterID, job, w.deps.terms))
	traces.EndSpan(span, err)
	if err != nil {
		return err
	}
	logging.L(ctx).Info("purchase accepted", "job_id", job.JobID)

	rec := &PaymentRecord{
		RequesterID: run.RequesterID,
		JobID:       job.JobID,
		RiskType:    w.riskType,
		RunID:       run.RunID,
		Network:     w.deps.terms.Network,
		PaymentType: w.deps.terms.PaymentType,
		SellerVKey:  w.deps.terms.SellerVKey,
		Response:    resp,
		CreatedAt:   w.deps.clock.Now(),
	}
	sctx, cancel := storeContext(ctx)
	defer cancel()
	if err := w.deps.store.CreatePayment(sctx, rec); err != nil {
		logging.L(ctx).Warn("failed to record payment", "job_id", job.JobID, "error", err)
	}
	return nil
}

// pollError marks a fatal failure during the polling phase.
type pollError struct{ err error }

func (e *pollError) Error() string { return "Error during polling: " + e.err.Error() }
func (e *pollError) Unwrap() error { return e.err }

// poll checks the job immediately and then once per PollInterval until it
// completes, a fatal error occurs, the policy bound is hit or ctx ends.
func (w *Workflow) poll(ctx context.Context, run Snapshot, jobID string) error {
	logger := logging.L(ctx)
	start := w.deps.clock.Now()
	policy := w.deps.policy

	var ticker clockwork.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for attempt := 1; ; attempt++ {
		done, err := w.pollOnce(ctx, run, jobID, attempt)
		if err != nil || done {
			return err
		}

		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return ErrPollLimit
		}
		if policy.Deadline > 0 && w.deps.clock.Since(start)+PollInterval > policy.Deadline {
			return ErrPollDeadline
		}

		if ticker == nil {
			ticker = w.deps.clock.NewTicker(PollInterval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			logger.Debug("poll tick", "attempt", attempt+1)
		}
	}
}

// pollOnce performs one status check. It reports done when the job has a
// terminal result.
func (w *Workflow) pollOnce(ctx context.Context, run Snapshot, jobID string, attempt int) (bool, error) {
	logger := logging.L(ctx)
	st, err := w.fetchStatus(ctx, jobID)

	w.update(ctx, run.RunID, func(s *Snapshot) { s.PollCount = attempt })

	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		var httpErr *masumi.HTTPError
		if errors.As(err, &httpErr) || errors.Is(err, masumi.ErrCircuitOpen) {
			pollsTotal.WithLabelValues(string(w.riskType), "skipped").Inc()
			logger.Warn("poll request failed, will retry on next tick", "attempt", attempt, "error", err)
			return false, nil
		}
		pollsTotal.WithLabelValues(string(w.riskType), "fatal").Inc()
		return false, &pollError{err: err}
	}

	w.update(ctx, run.RunID, func(s *Snapshot) { s.JobStatus = w.jobStatus(jobID, st) })

	if st.Status == masumi.StatusCompleted && st.PaymentStatus == masumi.StatusCompleted && !IsEmptyResult(st.Result) {
		pollsTotal.WithLabelValues(string(w.riskType), "completed").Inc()
		w.complete(ctx, run, ParseResult(st.Result))
		return true, nil
	}

	pollsTotal.WithLabelValues(string(w.riskType), "pending").Inc()
	logger.Info("job still processing", "attempt", attempt, "status", st.Status, "payment_status", st.PaymentStatus)
	return false, nil
}

func (w *Workflow) jobStatus(jobID string, st *masumi.JobStatus) *JobStatus {
	id := st.JobID
	if id == "" {
		id = jobID
	}
	return &JobStatus{
		JobID:         id,
		Status:        st.Status,
		PaymentStatus: st.PaymentStatus,
		HasResult:     !IsEmptyResult(st.Result),
		ObservedAt:    w.deps.clock.Now(),
	}
}

func (w *Workflow) complete(ctx context.Context, run Snapshot, res Result) {
	now := w.deps.clock.Now()
	if !w.update(ctx, run.RunID, func(s *Snapshot) {
		s.State = StateCompleted
		s.Result = &res
		s.CompletedAt = &now
	}) {
		return
	}

	w.finish(run, "completed", now)
	logging.L(ctx).Info("assessment completed", "band", res.Band)
	if w.deps.onResult != nil {
		w.deps.onResult(Presentation{Type: w.riskType, Data: res})
	}
}

func (w *Workflow) fail(ctx context.Context, run Snapshot, err error) {
	if w.Snapshot().State.Terminal() {
		return
	}

	kind := classify(ctx, err)
	now := w.deps.clock.Now()
	if !w.update(ctx, run.RunID, func(s *Snapshot) {
		s.State = StateError
		s.ErrorKind = kind
		s.Error = err.Error()
		s.CompletedAt = &now
	}) {
		return
	}

	w.finish(run, string(kind), now)
	logging.L(ctx).Error("assessment failed", "error_kind", kind, "error", err)
}

func (w *Workflow) finish(run Snapshot, outcome string, now time.Time) {
	rt := string(w.riskType)
	runsFinished.WithLabelValues(rt, outcome).Inc()
	runsInFlight.WithLabelValues(rt).Dec()
	if run.StartedAt != nil {
		runDuration.WithLabelValues(rt).Observe(now.Sub(*run.StartedAt).Seconds())
	}
}

// classify maps a run error to its ErrorKind.
func classify(ctx context.Context, err error) ErrorKind {
	var (
		pollErr *pollError
		httpErr *masumi.HTTPError
		decErr  *masumi.DecodeError
	)
	switch {
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return ErrorCancelled
	case errors.Is(err, ErrPollDeadline), errors.Is(err, ErrPollLimit):
		return ErrorDeadline
	case errors.Is(err, ErrMissingJobID):
		return ErrorMissingJobID
	case errors.Is(err, masumi.ErrCircuitOpen):
		return ErrorCircuitOpen
	case errors.As(err, &pollErr):
		return ErrorPolling
	case errors.As(err, &httpErr):
		return ErrorHTTP
	case errors.As(err, &decErr):
		return ErrorDecode
	default:
		return ErrorNetwork
	}
}

// update applies fn to the snapshot if runID is still the current run, then
// persists and publishes the new state. It reports whether fn was applied.
func (w *Workflow) update(ctx context.Context, runID string, fn func(s *Snapshot)) bool {
	w.pubMu.Lock()
	defer w.pubMu.Unlock()

	w.mu.Lock()
	if w.snap.RunID != runID {
		w.mu.Unlock()
		return false
	}
	before := w.snap.State
	fn(&w.snap)
	w.snap.UpdatedAt = w.deps.clock.Now()
	snap := w.snap.clone()
	w.mu.Unlock()

	if snap.State != before {
		logging.L(ctx).Info("assessment state changed", "from", before, "to", snap.State)
	}
	w.publish(ctx, snap)
	return true
}

func (w *Workflow) publish(ctx context.Context, snap Snapshot) {
	sctx, cancel := storeContext(ctx)
	defer cancel()
	if err := w.deps.store.SaveRun(sctx, RunRecordFromSnapshot(snap)); err != nil {
		logging.L(ctx).Warn("failed to persist run", "error", err)
	}
	if w.deps.onChange != nil {
		w.deps.onChange(snap)
	}
}

// storeContext detaches persistence from run cancellation so the final
// state of a cancelled run is still written.
func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}
