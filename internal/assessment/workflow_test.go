package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskdesk/internal/logging"
	"github.com/mbd888/riskdesk/internal/masumi"
)

// --- Test helpers ---

type statusReply struct {
	st  *masumi.JobStatus
	err error
}

// fakeAPI replays scripted upstream answers. Status replies are consumed in
// order and the last one repeats.
type fakeAPI struct {
	mu    sync.Mutex
	clock clockwork.Clock

	job         *masumi.Job
	createErr   error
	createGate  chan struct{}
	statuses    []statusReply
	purchaseErr error

	creates     []masumi.AssessmentRequest
	statusCalls []time.Time
	purchases   []masumi.PurchaseRequest
}

func newFakeAPI(clock clockwork.Clock) *fakeAPI {
	return &fakeAPI{
		clock: clock,
		job: &masumi.Job{
			JobID:                     "job-1",
			BlockchainIdentifier:      json.RawMessage(`"bc-123"`),
			PayByTime:                 json.RawMessage(`1718000000`),
			SubmitResultTime:          json.RawMessage(`1718003600`),
			UnlockTime:                json.RawMessage(`1718007200`),
			ExternalDisputeUnlockTime: json.RawMessage(`1718010800`),
			AgentIdentifier:           json.RawMessage(`"agent-xyz"`),
			InputHash:                 json.RawMessage(`"hash-abc"`),
		},
	}
}

func (f *fakeAPI) CreateAssessment(ctx context.Context, req masumi.AssessmentRequest) (*masumi.Job, error) {
	f.mu.Lock()
	f.creates = append(f.creates, req)
	gate := f.createGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &masumi.NetworkError{Op: masumi.OpCreateAssessment, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	job := *f.job
	return &job, nil
}

func (f *fakeAPI) JobStatus(_ context.Context, jobID string) (*masumi.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, f.clock.Now())
	if len(f.statuses) == 0 {
		return &masumi.JobStatus{JobID: jobID, Status: "awaiting_payment", PaymentStatus: "pending"}, nil
	}
	reply := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return reply.st, reply.err
}

func (f *fakeAPI) Purchase(_ context.Context, req masumi.PurchaseRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchases = append(f.purchases, req)
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}
	return json.RawMessage(`{"status":"success"}`), nil
}

func (f *fakeAPI) counts() (creates, statuses, purchases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates), len(f.statusCalls), len(f.purchases)
}

func (f *fakeAPI) statusCount() int {
	_, n, _ := f.counts()
	return n
}

func pending(status string) statusReply {
	return statusReply{st: &masumi.JobStatus{JobID: "job-1", Status: status, PaymentStatus: "pending"}}
}

const completedResult = `{
	"risk_type": "trading",
	"input_data": {"token_symbol": "ETH", "time_period": "6 months"},
	"risk_score_percentage": "Great 🟢",
	"risk_score_raw": 82,
	"detailed_assessment": "## Summary\nLow volatility."
}`

func completed() statusReply {
	return statusReply{st: &masumi.JobStatus{
		JobID: "job-1", Status: "completed", PaymentStatus: "completed",
		Result: json.RawMessage(completedResult),
	}}
}

type recordingSink struct {
	mu      sync.Mutex
	states  []State
	results []Presentation
}

func (s *recordingSink) StateChanged(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.states); n == 0 || s.states[n-1] != snap.State {
		s.states = append(s.states, snap.State)
	}
}

func (s *recordingSink) ResultReady(p Presentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, p)
}

func (s *recordingSink) snapshot() ([]State, []Presentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...), append([]Presentation(nil), s.results...)
}

type testEnv struct {
	desk  *Desk
	api   *fakeAPI
	clock *clockwork.FakeClock
	store *MemoryStore
	sink  *recordingSink
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	api := newFakeAPI(clock)
	store := NewMemoryStore()
	sink := &recordingSink{}

	all := append([]Option{
		WithClock(clock),
		WithLogger(logging.Discard()),
		WithSink(sink),
		WithPurchaseTerms(masumi.PurchaseTerms{Network: "Preprod", SellerVKey: "seller-vkey", PaymentType: "Web3CardanoV1"}),
	}, opts...)
	desk := NewDesk(api, store, all...)
	t.Cleanup(desk.Close)
	return &testEnv{desk: desk, api: api, clock: clock, store: store, sink: sink}
}

func waitForState(t *testing.T, d *Desk, rt RiskType, want State) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap, _ = d.Snapshot(rt)
		return snap.State == want
	}, 2*time.Second, 2*time.Millisecond, "state never became %s (last %s: %s)", want, snap.State, snap.Error)
	return snap
}

func waitForStatusCalls(t *testing.T, api *fakeAPI, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return api.statusCount() >= n }, 2*time.Second, 2*time.Millisecond,
		"expected %d status calls", n)
}

func blockUntilWaiters(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n), "expected %d clock waiters", n)
}

// ============================================================
// Happy path
// ============================================================

func TestRun_CompletesOnFirstTick(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{pending("awaiting_payment"), pending("running"), completed()}

	snap, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitting, snap.State)
	assert.Regexp(t, `^[0-9a-f]{16}$`, snap.RequesterID)

	waitForStatusCalls(t, env.api, 2)
	blockUntilWaiters(t, env.clock, 1)
	assert.Equal(t, StatePolling, mustSnapshot(t, env.desk, RiskTrading).State)

	env.clock.Advance(PollInterval)
	final := waitForState(t, env.desk, RiskTrading, StateCompleted)

	require.NotNil(t, final.Result)
	assert.JSONEq(t, completedResult, string(final.Result.Raw))
	assert.Equal(t, "Great 🟢", final.Result.RiskScorePercentage)
	assert.Equal(t, BandGreat, final.Result.Band)
	assert.Empty(t, final.Error)
	assert.Equal(t, 2, final.PollCount)
	assert.NotNil(t, final.CompletedAt)

	// The ticker is released and no further calls happen.
	blockUntilWaiters(t, env.clock, 0)
	for i := 0; i < 5; i++ {
		env.clock.Advance(PollInterval)
	}
	assert.Never(t, func() bool { return env.api.statusCount() != 3 }, 50*time.Millisecond, 5*time.Millisecond)

	creates, statuses, purchases := env.api.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 3, statuses)
	assert.Equal(t, 1, purchases)
}

func TestRun_SendsExpectedRequests(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{pending("awaiting_payment"), completed()}

	snap, err := env.desk.Run(RiskLiquidityConcentration, InputData{
		"token_symbol":      "ABC",
		"number_of_wallets": 5,
	})
	require.NoError(t, err)
	waitForState(t, env.desk, RiskLiquidityConcentration, StateCompleted)

	env.api.mu.Lock()
	create := env.api.creates[0]
	purchase := env.api.purchases[0]
	env.api.mu.Unlock()

	assert.Equal(t, snap.RequesterID, create.IdentifierFromPurchaser)
	assert.Equal(t, "liquidity_concentration", create.RiskType)
	assert.Equal(t, float64(5), create.InputData["number_of_wallets"])

	assert.Equal(t, snap.RequesterID, purchase.IdentifierFromPurchaser)
	assert.Equal(t, "Preprod", purchase.Network)
	assert.Equal(t, "seller-vkey", purchase.SellerVKey)
	assert.Equal(t, "Web3CardanoV1", purchase.PaymentType)
	assert.JSONEq(t, `"bc-123"`, string(purchase.BlockchainIdentifier))
	assert.JSONEq(t, `"hash-abc"`, string(purchase.InputHash))
	assert.JSONEq(t, `1718000000`, string(purchase.PayByTime))

	payment, err := env.store.GetPayment(context.Background(), snap.RequesterID, "job-1")
	require.NoError(t, err)
	assert.Equal(t, snap.RunID, payment.RunID)
	assert.Equal(t, RiskLiquidityConcentration, payment.RiskType)
}

func TestRun_ThreeProcessingTicksThenCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{
		pending("awaiting_payment"), // one-shot check after submission
		pending("processing"),       // immediate poll
		pending("processing"),       // tick 1
		pending("processing"),       // tick 2
		completed(),                 // tick 3
	}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitForStatusCalls(t, env.api, 2)

	for calls := 3; calls <= 5; calls++ {
		blockUntilWaiters(t, env.clock, 1)
		assert.Equal(t, StatePolling, mustSnapshot(t, env.desk, RiskTrading).State)
		env.clock.Advance(PollInterval)
		waitForStatusCalls(t, env.api, calls)
	}

	final := waitForState(t, env.desk, RiskTrading, StateCompleted)
	assert.Equal(t, 4, final.PollCount)

	env.api.mu.Lock()
	calls := append([]time.Time(nil), env.api.statusCalls...)
	env.api.mu.Unlock()

	require.Len(t, calls, 5)
	polls := calls[1:]
	for i := 1; i < len(polls); i++ {
		assert.Equal(t, PollInterval, polls[i].Sub(polls[i-1]), "poll %d spacing", i+1)
	}
}

func TestRun_SinksReceiveLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{pending("awaiting_payment"), completed()}

	_, err := env.desk.Run(RiskProtocolSecurity, nil)
	require.NoError(t, err)
	waitForState(t, env.desk, RiskProtocolSecurity, StateCompleted)

	states, results := env.sink.snapshot()
	assert.Equal(t, []State{StateSubmitting, StateAwaitingPaymentConfirmation, StatePolling, StateCompleted}, states)
	require.Len(t, results, 1)
	assert.Equal(t, RiskProtocolSecurity, results[0].Type)

	latest, err := env.desk.Latest()
	require.NoError(t, err)
	assert.Equal(t, RiskProtocolSecurity, latest.Type)
}

// ============================================================
// Re-entrancy
// ============================================================

func TestRun_RejectedWhileInFlight(t *testing.T) {
	for _, rt := range AllRiskTypes() {
		t.Run(string(rt), func(t *testing.T) {
			env := newTestEnv(t)
			gate := make(chan struct{})
			env.api.createGate = gate

			first, err := env.desk.Run(rt, nil)
			require.NoError(t, err)
			require.Eventually(t, func() bool { c, _, _ := env.api.counts(); return c == 1 }, time.Second, time.Millisecond)

			_, err = env.desk.Run(rt, nil)
			assert.ErrorIs(t, err, ErrRunInFlight)

			current := mustSnapshot(t, env.desk, rt)
			assert.Equal(t, first.RunID, current.RunID)
			assert.Equal(t, StateSubmitting, current.State)
			creates, statuses, purchases := env.api.counts()
			assert.Equal(t, 1, creates)
			assert.Zero(t, statuses)
			assert.Zero(t, purchases)

			close(gate)
		})
	}
}

func TestRun_InstancesAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	env.api.createErr = &masumi.HTTPError{Op: masumi.OpCreateAssessment, StatusCode: 500, Status: "500 Internal Server Error"}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitForState(t, env.desk, RiskTrading, StateError)

	for _, rt := range []RiskType{RiskLendingBorrowing, RiskProtocolSecurity, RiskLiquidityConcentration} {
		assert.Equal(t, StateIdle, mustSnapshot(t, env.desk, rt).State)
	}
}

func TestRun_RestartClearsPreviousOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.api.createErr = &masumi.NetworkError{Op: masumi.OpCreateAssessment, Err: errors.New("connection refused")}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	failed := waitForState(t, env.desk, RiskTrading, StateError)
	assert.Equal(t, ErrorNetwork, failed.ErrorKind)

	env.api.mu.Lock()
	env.api.createErr = nil
	env.api.statuses = []statusReply{pending("awaiting_payment"), completed()}
	env.api.mu.Unlock()

	snap, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.ErrorKind)
	assert.NotEqual(t, failed.RunID, snap.RunID)
	waitForState(t, env.desk, RiskTrading, StateCompleted)
}

// ============================================================
// Failures before polling
// ============================================================

func TestRun_CreateServerError(t *testing.T) {
	env := newTestEnv(t)
	env.api.createErr = &masumi.HTTPError{
		Op: masumi.OpCreateAssessment, StatusCode: 500, Status: "500 Internal Server Error", Body: "boom",
	}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	snap := waitForState(t, env.desk, RiskTrading, StateError)

	assert.Equal(t, ErrorHTTP, snap.ErrorKind)
	assert.Contains(t, snap.Error, "500")
	_, statuses, purchases := env.api.counts()
	assert.Zero(t, statuses)
	assert.Zero(t, purchases)
}

func TestRun_MissingJobID(t *testing.T) {
	env := newTestEnv(t)
	env.api.job = &masumi.Job{}

	_, err := env.desk.Run(RiskLendingBorrowing, nil)
	require.NoError(t, err)
	snap := waitForState(t, env.desk, RiskLendingBorrowing, StateError)

	assert.Equal(t, ErrorMissingJobID, snap.ErrorKind)
	assert.Contains(t, snap.Error, "no job_id")
	_, statuses, purchases := env.api.counts()
	assert.Zero(t, statuses)
	assert.Zero(t, purchases)
}

func TestRun_InitialStatusFailureHalts(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{{err: &masumi.HTTPError{Op: masumi.OpJobStatus, StatusCode: 404, Status: "404 Not Found"}}}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	snap := waitForState(t, env.desk, RiskTrading, StateError)

	assert.Equal(t, ErrorHTTP, snap.ErrorKind)
	assert.Contains(t, snap.Error, "Status request failed")
	_, _, purchases := env.api.counts()
	assert.Zero(t, purchases)
}

func TestRun_InitialStatusDoesNotGatePurchase(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{
		{st: &masumi.JobStatus{JobID: "job-1", Status: "failed", PaymentStatus: "error"}},
		completed(),
	}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitForState(t, env.desk, RiskTrading, StateCompleted)
	_, _, purchases := env.api.counts()
	assert.Equal(t, 1, purchases)
}

func TestRun_PurchaseRejected(t *testing.T) {
	env := newTestEnv(t)
	env.api.purchaseErr = &masumi.HTTPError{Op: masumi.OpPurchase, StatusCode: 400, Status: "400 Bad Request", Body: "expired"}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	snap := waitForState(t, env.desk, RiskTrading, StateError)

	assert.Equal(t, ErrorHTTP, snap.ErrorKind)
	assert.Contains(t, snap.Error, "Purchase request failed")

	// No ticker was ever started and nothing polls.
	blockUntilWaiters(t, env.clock, 0)
	env.clock.Advance(3 * PollInterval)
	assert.Never(t, func() bool { return env.api.statusCount() != 1 }, 50*time.Millisecond, 5*time.Millisecond)

	_, err = env.store.GetPayment(context.Background(), snap.RequesterID, "job-1")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestRun_InvalidInputLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.desk.Run(RiskLendingBorrowing, InputData{"borrowing_asset": "ETH"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "borrower_history_summary")

	snap := mustSnapshot(t, env.desk, RiskLendingBorrowing)
	assert.Equal(t, StateIdle, snap.State)
	creates, _, _ := env.api.counts()
	assert.Zero(t, creates)
}

// ============================================================
// Polling behaviour
// ============================================================

func TestPoll_HTTPErrorIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{
		pending("awaiting_payment"),
		{err: &masumi.HTTPError{Op: masumi.OpJobStatus, StatusCode: 503, Status: "503 Service Unavailable"}},
		completed(),
	}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitForStatusCalls(t, env.api, 2)
	blockUntilWaiters(t, env.clock, 1)
	assert.Equal(t, StatePolling, mustSnapshot(t, env.desk, RiskTrading).State)

	env.clock.Advance(PollInterval)
	waitForState(t, env.desk, RiskTrading, StateCompleted)
}

func TestPoll_CircuitOpenIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{pending("awaiting_payment"), {err: masumi.ErrCircuitOpen}, completed()}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitForStatusCalls(t, env.api, 2)
	blockUntilWaiters(t, env.clock, 1)
	env.clock.Advance(PollInterval)
	waitForState(t, env.desk, RiskTrading, StateCompleted)
}

func TestPoll_NetworkErrorIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{
		pending("awaiting_payment"),
		{err: &masumi.NetworkError{Op: masumi.OpJobStatus, Err: errors.New("connection reset")}},
	}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	snap := waitForState(t, env.desk, RiskTrading, StateError)

	assert.Equal(t, ErrorPolling, snap.ErrorKind)
	assert.Contains(t, snap.Error, "connection reset")
	blockUntilWaiters(t, env.clock, 0)
}

func TestPoll_DecodeErrorIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{
		pending("awaiting_payment"),
		pending("processing"),
		{err: &masumi.DecodeError{Op: masumi.OpJobStatus, Err: errors.New("invalid character '<'")}},
	}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitForStatusCalls(t, env.api, 2)
	blockUntilWaiters(t, env.clock, 1)
	env.clock.Advance(PollInterval)

	snap := waitForState(t, env.desk, RiskTrading, StateError)
	assert.Equal(t, ErrorPolling, snap.ErrorKind)
	blockUntilWaiters(t, env.clock, 0)
}

func TestPoll_EmptyResultKeepsPolling(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{
		pending("awaiting_payment"),
		{st: &masumi.JobStatus{Status: "completed", PaymentStatus: "completed", Result: json.RawMessage(`{}`)}},
		{st: &masumi.JobStatus{Status: "completed", PaymentStatus: "pending", Result: json.RawMessage(completedResult)}},
		completed(),
	}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitForStatusCalls(t, env.api, 2)

	blockUntilWaiters(t, env.clock, 1)
	env.clock.Advance(PollInterval)
	waitForStatusCalls(t, env.api, 3)
	assert.Equal(t, StatePolling, mustSnapshot(t, env.desk, RiskTrading).State)

	env.clock.Advance(PollInterval)
	snap := waitForState(t, env.desk, RiskTrading, StateCompleted)
	assert.Equal(t, 3, snap.PollCount)
}

func TestPoll_AttemptLimit(t *testing.T) {
	env := newTestEnv(t, WithPollPolicy(PollPolicy{MaxAttempts: 2}))
	env.api.statuses = []statusReply{pending("awaiting_payment"), pending("processing")}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitForStatusCalls(t, env.api, 2)
	blockUntilWaiters(t, env.clock, 1)
	env.clock.Advance(PollInterval)

	snap := waitForState(t, env.desk, RiskTrading, StateError)
	assert.Equal(t, ErrorDeadline, snap.ErrorKind)
	assert.Equal(t, 2, snap.PollCount)
	blockUntilWaiters(t, env.clock, 0)
}

func TestPoll_Deadline(t *testing.T) {
	env := newTestEnv(t, WithPollPolicy(PollPolicy{Deadline: 5 * PollInterval / 2}))
	env.api.statuses = []statusReply{pending("awaiting_payment"), pending("processing")}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitForStatusCalls(t, env.api, 2)

	for calls := 3; calls <= 4; calls++ {
		blockUntilWaiters(t, env.clock, 1)
		env.clock.Advance(PollInterval)
		waitForStatusCalls(t, env.api, calls)
	}

	snap := waitForState(t, env.desk, RiskTrading, StateError)
	assert.Equal(t, ErrorDeadline, snap.ErrorKind)
	assert.Equal(t, 3, snap.PollCount)
}

func TestClose_CancelsPollingRun(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{pending("awaiting_payment"), pending("processing")}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitForStatusCalls(t, env.api, 2)
	blockUntilWaiters(t, env.clock, 1)

	env.desk.Close()

	snap := mustSnapshot(t, env.desk, RiskTrading)
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, ErrorCancelled, snap.ErrorKind)
	blockUntilWaiters(t, env.clock, 0)

	_, err = env.desk.Run(RiskTrading, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_CancelsSubmittingRun(t *testing.T) {
	env := newTestEnv(t)
	env.api.createGate = make(chan struct{})

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { c, _, _ := env.api.counts(); return c == 1 }, time.Second, time.Millisecond)

	env.desk.Close()
	snap := mustSnapshot(t, env.desk, RiskTrading)
	assert.Equal(t, ErrorCancelled, snap.ErrorKind)
}

// gatedSink holds the first StateChanged for blockState, or the first
// ResultReady when blockResult is set, until gate is closed.
type gatedSink struct {
	blockState  State
	blockResult bool
	gate        chan struct{}
	blocked     chan struct{}
	once        sync.Once

	mu   sync.Mutex
	seen []Snapshot
}

func newGatedSink() *gatedSink {
	return &gatedSink{gate: make(chan struct{}), blocked: make(chan struct{})}
}

func (s *gatedSink) hold() {
	s.once.Do(func() {
		close(s.blocked)
		<-s.gate
	})
}

func (s *gatedSink) StateChanged(snap Snapshot) {
	if s.blockState != "" && snap.State == s.blockState {
		s.hold()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, snap)
}

func (s *gatedSink) ResultReady(Presentation) {
	if s.blockResult {
		s.hold()
	}
}

func (s *gatedSink) published() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.seen...)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestRun_NewRunPublishesAfterPreviousTerminalState(t *testing.T) {
	sink := newGatedSink()
	sink.blockState = StateError
	env := newTestEnv(t, WithSink(sink))
	defer close(sink.gate)
	env.api.createErr = &masumi.NetworkError{Op: masumi.OpCreateAssessment, Err: errors.New("connection refused")}

	first, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitClosed(t, sink.blocked, "terminal publish of the first run")

	started := make(chan Snapshot, 1)
	go func() {
		snap, err := env.desk.Run(RiskTrading, nil)
		assert.NoError(t, err)
		started <- snap
	}()
	assert.Never(t, func() bool { return len(started) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"second run must wait for the first run's publication")

	sink.gate <- struct{}{}
	var second Snapshot
	select {
	case second = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("second run never started")
	}
	waitForState(t, env.desk, RiskTrading, StateError)

	seen := sink.published()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Equal(t, first.RunID, seen[0].RunID)
	assert.Equal(t, StateSubmitting, seen[0].State)
	assert.Equal(t, first.RunID, seen[1].RunID)
	assert.Equal(t, StateError, seen[1].State)
	assert.Equal(t, second.RunID, seen[2].RunID)
	assert.Equal(t, StateSubmitting, seen[2].State)
}

func TestClose_WaitsForEarlierRunGoroutines(t *testing.T) {
	sink := newGatedSink()
	sink.blockResult = true
	env := newTestEnv(t, WithSink(sink))
	env.api.statuses = []statusReply{pending("awaiting_payment"), completed()}

	_, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitClosed(t, sink.blocked, "result delivery of the first run")

	env.api.mu.Lock()
	env.api.createGate = make(chan struct{})
	env.api.mu.Unlock()
	_, err = env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		env.desk.Close()
		close(closed)
	}()
	assert.Never(t, func() bool {
		select {
		case <-closed:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "Close returned while the first run was still delivering its result")

	close(sink.gate)
	waitClosed(t, closed, "Close")
	assert.Equal(t, ErrorCancelled, mustSnapshot(t, env.desk, RiskTrading).ErrorKind)
}

func TestRun_PersistsRunRecord(t *testing.T) {
	env := newTestEnv(t)
	env.api.statuses = []statusReply{pending("awaiting_payment"), completed()}

	snap, err := env.desk.Run(RiskTrading, nil)
	require.NoError(t, err)
	waitForState(t, env.desk, RiskTrading, StateCompleted)

	rec, err := env.store.GetRun(context.Background(), snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, "job-1", rec.JobID)
	require.NotNil(t, rec.Result)
	assert.Equal(t, BandGreat, rec.Result.Band)

	runs, err := env.store.ListRuns(context.Background(), RiskTrading, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestClassify(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want ErrorKind
	}{
		{"network", live, &masumi.NetworkError{Op: "x", Err: errors.New("refused")}, ErrorNetwork},
		{"http", live, &masumi.HTTPError{StatusCode: 502}, ErrorHTTP},
		{"decode", live, &masumi.DecodeError{Err: errors.New("bad")}, ErrorDecode},
		{"missing job id", live, ErrMissingJobID, ErrorMissingJobID},
		{"circuit open", live, masumi.ErrCircuitOpen, ErrorCircuitOpen},
		{"wrapped circuit open", live, fmt.Errorf("submit: %w", masumi.ErrCircuitOpen), ErrorCircuitOpen},
		{"polling", live, &pollError{err: errors.New("reset")}, ErrorPolling},
		{"deadline", live, ErrPollDeadline, ErrorDeadline},
		{"limit", live, ErrPollLimit, ErrorDeadline},
		{"cancelled", cancelled, &masumi.NetworkError{Err: context.Canceled}, ErrorCancelled},
		{"canceled error on live ctx", live, context.Canceled, ErrorNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.ctx, tt.err))
		})
	}
}

func mustSnapshot(t *testing.T, d *Desk, rt RiskType) Snapshot {
	t.Helper()
	snap, err := d.Snapshot(rt)
	require.NoError(t, err)
	return snap
}
