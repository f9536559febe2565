package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/riskdesk/internal/assessment"
	"github.com/mbd888/riskdesk/internal/idgen"
	"github.com/mbd888/riskdesk/internal/retry"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskdesk",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskdesk",
		Subsystem: "webhook",
		Name:      "dropped_total",
		Help:      "Webhook events dropped because the queue was full.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, droppedTotal)
}

// flushTimeout bounds delivery of events still queued at shutdown.
const flushTimeout = 5 * time.Second

// Notifier delivers assessment events to webhook URLs.
type Notifier struct {
	cfg    Config
	client *http.Client
	queue  chan *Event
	logger *slog.Logger
}

// NewNotifier creates a notifier. Zero config fields take their defaults.
// Call Run to start delivering.
func NewNotifier(cfg Config, logger *slog.Logger) *Notifier {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan *Event, cfg.QueueSize),
		logger: logger,
	}
}

// StateChanged emits assessment.failed when a run ends in the error state.
func (n *Notifier) StateChanged(s assessment.Snapshot) {
	if s.State != assessment.StateError {
		return
	}
	n.enqueue(&Event{
		Type:      EventAssessmentFailed,
		RiskType:  s.RiskType,
		Timestamp: s.UpdatedAt,
		Data: Failure{
			RunID:       s.RunID,
			RequesterID: s.RequesterID,
			JobID:       s.JobID,
			ErrorKind:   s.ErrorKind,
			Error:       s.Error,
			PollCount:   s.PollCount,
		},
	})
}

// ResultReady emits assessment.completed.
func (n *Notifier) ResultReady(p assessment.Presentation) {
	n.enqueue(&Event{
		Type:      EventAssessmentCompleted,
		RiskType:  p.Type,
		Timestamp: time.Now().UTC(),
		Data:      p,
	})
}

var _ assessment.Sink = (*Notifier)(nil)

func (n *Notifier) enqueue(ev *Event) {
	ev.ID = "evt_" + idgen.Hex(8)
	select {
	case n.queue <- ev:
	default:
		droppedTotal.Inc()
		n.logger.Warn("webhook queue full, dropping event", "type", ev.Type, "risk_type", ev.RiskType)
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// left within flushTimeout.
func (n *Notifier) Run(ctx context.Context) {
	n.logger.Info("webhook notifier started", "urls", len(n.cfg.URLs))
	for {
		select {
		case ev := <-n.queue:
			n.deliver(ctx, ev)
		case <-ctx.Done():
			n.flush()
			n.logger.Info("webhook notifier stopped")
			return
		}
	}
}

func (n *Notifier) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case ev := <-n.queue:
			n.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("failed to encode webhook event", "type", ev.Type, "error", err)
		return
	}

	for _, url := range n.cfg.URLs {
		policy := retry.Policy{
			MaxAttempts: n.cfg.MaxAttempts,
			BaseDelay:   n.cfg.RetryBaseDelay,
			MaxDelay:    30 * time.Second,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				n.logger.Debug("webhook delivery retry", "url", url, "attempt", attempt, "wait", wait, "error", err)
			},
		}
		err := policy.Do(ctx, func(ctx context.Context) error {
			return n.post(ctx, url, ev, payload)
		})
		if err != nil {
			deliveriesTotal.WithLabelValues(string(ev.Type), "failed").Inc()
			n.logger.Warn("webhook delivery failed", "url", url, "type", ev.Type, "event_id", ev.ID, "error", err)
			continue
		}
		deliveriesTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
	}
}

// post sends one delivery attempt. Client errors are not retried.
func (n *Notifier) post(ctx context.Context, url string, ev *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if n.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, n.cfg.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}
