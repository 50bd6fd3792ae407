// Package audit delivers policy decisions to log sinks. Delivery is best
// effort: it never blocks the caller and never changes a decision.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Record is the wire form accepted by audit sinks.
type Record struct {
	AgentID     string    `json:"agent_id"`
	PolicyType  string    `json:"policy_type"`
	Verdict     string    `json:"verdict"`
	Reason      string    `json:"reason,omitempty"`
	Code        string    `json:"code,omitempty"`
	RulesetID   string    `json:"ruleset_id,omitempty"`
	ToolName    string    `json:"tool_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	TargetAgent string    `json:"target_agent,omitempty"`
	Plugin      string    `json:"plugin,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
}

// Sink delivers one record. Errors wrapped with backoff.Permanent are not
// retried.
type Sink interface {
	Name() string
	Send(ctx context.Context, r Record) error
}

var (
	delivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attager_audit_delivered_total",
		Help: "Audit records delivered, by sink.",
	}, []string{"sink"})
	dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attager_audit_dropped_total",
		Help: "Audit records dropped, by sink and cause.",
	}, []string{"sink", "cause"})
)

type Emitter struct {
	sinks   []Sink
	log     *zap.SugaredLogger
	queue   chan Record
	retries uint64
	timeout time.Duration
	initial time.Duration
	maxWait time.Duration

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	failures atomic.Uint64
}

type Option func(*Emitter)

// WithQueueSize bounds the number of records waiting for delivery.
func WithQueueSize(n int) Option { return func(e *Emitter) { e.queue = make(chan Record, n) } }

// WithRetries sets how many times a failed delivery is retried per sink.
func WithRetries(n int) Option { return func(e *Emitter) { e.retries = uint64(n) } }

// WithTimeout bounds each delivery attempt.
func WithTimeout(d time.Duration) Option { return func(e *Emitter) { e.timeout = d } }

// WithBackoff sets the first and the largest wait between attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(e *Emitter) { e.initial, e.maxWait = initial, max }
}

// NewEmitter starts a single delivery worker; records are delivered in
// emission order.
func NewEmitter(log *zap.SugaredLogger, sinks []Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sinks:   sinks,
		log:     log,
		retries: 3,
		timeout: 2 * time.Second,
		initial: 200 * time.Millisecond,
		maxWait: 2 * time.Second,
	}
	for _, fn := range opts {
		fn(e)
	}
	if e.queue == nil {
		e.queue = make(chan Record, 1024)
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit queues r for delivery. It never blocks: when the queue is full or the
// emitter is closed the record is dropped and counted as a failure.
func (e *Emitter) Emit(r Record) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop("all", "closed", r)
		return
	}
	select {
	case e.queue <- r:
	default:
		e.drop("all", "queue_full", r)
	}
}

// Failures counts records that some sink never received.
func (e *Emitter) Failures() uint64 { return e.failures.Load() }

// Close stops accepting records and waits for queued ones to be delivered or
// for ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() { e.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for r := range e.queue {
		for _, s := range e.sinks {
			e.deliver(s, r)
		}
	}
}

func (e *Emitter) deliver(s Sink, r Record) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initial
	b.MaxInterval = e.maxWait
	b.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(b, e.retries)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		return s.Send(ctx, r)
	}, policy)
	if err != nil {
		e.log.Warnw("audit delivery failed", "sink", s.Name(), "agent", r.AgentID, "verdict", r.Verdict, "attempts", attempt, "err", err)
		e.drop(s.Name(), "delivery", r)
		return
	}
	delivered.WithLabelValues(s.Name()).Inc()
}

func (e *Emitter) drop(sink, cause string, r Record) {
	e.failures.Add(1)
	dropped.WithLabelValues(sink, cause).Inc()
	if cause != "delivery" {
		e.log.Warnw("audit record dropped", "cause", cause, "agent", r.AgentID, "verdict", r.Verdict)
	}
}
