package assessment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/riskdesk/internal/masumi"
)

// Sink receives workflow updates. Implementations must not block and have no
// way to write back into a workflow.
type Sink interface {
	StateChanged(s Snapshot)
	ResultReady(p Presentation)
}

// Option configures a Desk.
type Option func(*Desk)

// WithClock sets the clock driving poll intervals and timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(d *Desk) { d.deps.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Desk) { d.deps.logger = l }
}

// WithPollPolicy bounds the polling phase of every run.
func WithPollPolicy(p PollPolicy) Option {
	return func(d *Desk) { d.deps.policy = p }
}

// WithPurchaseTerms sets the network, seller key and payment type used for purchases.
func WithPurchaseTerms(t masumi.PurchaseTerms) Option {
	return func(d *Desk) { d.deps.terms = t }
}

// WithPresets replaces the default input presets.
func WithPresets(p map[RiskType]InputData) Option {
	return func(d *Desk) { d.presets = p }
}

// WithSink registers a sink at construction.
func WithSink(s Sink) Option {
	return func(d *Desk) { d.sinks = append(d.sinks, s) }
}

// WithContext sets the parent context of every run. Cancelling it cancels all runs.
func WithContext(ctx context.Context) Option {
	return func(d *Desk) { d.parent = ctx }
}

// Desk owns one Workflow per risk type.
type Desk struct {
	deps      *deps
	parent    context.Context
	presets   map[RiskType]InputData
	workflows map[RiskType]*Workflow

	mu     sync.RWMutex
	sinks  []Sink
	latest *Presentation
}

// NewDesk builds the four workflows.
func NewDesk(api API, store Store, opts ...Option) *Desk {
	d := &Desk{
		deps: &deps{
			api:    api,
			store:  store,
			clock:  clockwork.NewRealClock(),
			logger: slog.Default(),
			terms: masumi.PurchaseTerms{
				Network:     "Preprod",
				PaymentType: "Web3CardanoV1",
			},
		},
		parent:    context.Background(),
		presets:   DefaultPresets(),
		workflows: make(map[RiskType]*Workflow, 4),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.deps.store == nil {
		d.deps.store = NewMemoryStore()
	}
	d.deps.onChange = d.stateChanged
	d.deps.onResult = d.resultReady

	for _, rt := range AllRiskTypes() {
		d.workflows[rt] = newWorkflow(d.parent, rt, d.deps)
	}
	return d
}

// AddSink registers a sink for all future updates.
func (d *Desk) AddSink(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Store returns the desk's store.
func (d *Desk) Store() Store { return d.deps.store }

// Workflow returns the workflow for rt.
func (d *Desk) Workflow(rt RiskType) (*Workflow, error) {
	w, ok := d.workflows[rt]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRiskType, rt)
	}
	return w, nil
}

// Run starts an assessment of rt. A nil input uses the preset for rt.
func (d *Desk) Run(rt RiskType, input InputData) (Snapshot, error) {
	w, err := d.Workflow(rt)
	if err != nil {
		return Snapshot{}, err
	}
	if input == nil {
		input = d.Preset(rt)
	}
	return w.Run(input)
}

// Preset returns a copy of the preset input for rt.
func (d *Desk) Preset(rt RiskType) InputData {
	return d.presets[rt].Clone()
}

// Presets returns copies of all presets.
func (d *Desk) Presets() map[RiskType]InputData {
	out := make(map[RiskType]InputData, len(d.presets))
	for rt, in := range d.presets {
		out[rt] = in.Clone()
	}
	return out
}

// Snapshot returns the current state of rt's workflow.
func (d *Desk) Snapshot(rt RiskType) (Snapshot, error) {
	w, err := d.Workflow(rt)
	if err != nil {
		return Snapshot{}, err
	}
	return w.Snapshot(), nil
}

// Snapshots returns every workflow's state in display order.
func (d *Desk) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(d.workflows))
	for _, rt := range AllRiskTypes() {
		out = append(out, d.workflows[rt].Snapshot())
	}
	return out
}

// Latest returns the result of the most recently completed run.
func (d *Desk) Latest() (Presentation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.latest == nil {
		return Presentation{}, ErrNoResult
	}
	return *d.latest, nil
}

// InFlight counts workflows with a run executing.
func (d *Desk) InFlight() int {
	n := 0
	for _, w := range d.workflows {
		if w.Snapshot().State.InFlight() {
			n++
		}
	}
	return n
}

// Close cancels every in-flight run and waits for the workflows to stop.
func (d *Desk) Close() {
	var wg sync.WaitGroup
	for _, w := range d.workflows {
		wg.Add(1)
		go func(w *Workflow) {
			defer wg.Done()
			w.Close()
		}(w)
	}
	wg.Wait()
}

func (d *Desk) stateChanged(s Snapshot) {
	for _, sink := range d.snapshotSinks() {
		sink.StateChanged(s)
	}
}

func (d *Desk) resultReady(p Presentation) {
	d.mu.Lock()
	d.latest = &p
	d.mu.Unlock()

	for _, sink := range d.snapshotSinks() {
		sink.ResultReady(p)
	}
}

func (d *Desk) snapshotSinks() []Sink {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Sink(nil), d.sinks...)
}
