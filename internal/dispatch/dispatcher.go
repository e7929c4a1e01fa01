package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailmerge/internal/types"
)

// Defaults match the limits documented on the upload page.
const (
	DefaultInterval = 62 * time.Second
	DefaultCap      = 20
)

// Config configures a Dispatcher. Zero values fall back to the defaults.
type Config struct {
	Interval time.Duration
	Cap      int
	Logger   *slog.Logger
	Metrics  Metrics
	Clock    types.Clock
}

// Dispatcher owns the single batch worker. All methods are safe for
// concurrent use and none of them wait for the worker.
type Dispatcher struct {
	interval time.Duration
	cap      int
	logger   *slog.Logger
	metrics  Metrics
	clock    types.Clock

	mu      sync.RWMutex
	hasRun  bool
	current *batch
	results []Result
}

// batch is the per-submission state. id, cred, msgs, cancel and done are set
// once; the remaining fields are guarded by Dispatcher.mu.
type batch struct {
	id     string
	cred   Credential
	msgs   []Message
	cancel chan struct{}
	done   chan struct{}

	running    bool
	cancelled  bool
	startedAt  time.Time
	finishedAt time.Time
	sent       int
	failed     int
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		interval: cfg.Interval,
		cap:      cfg.Cap,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
	}
	if d.interval <= 0 {
		d.interval = DefaultInterval
	}
	if d.cap <= 0 {
		d.cap = DefaultCap
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.metrics == nil {
		d.metrics = noopMetrics{}
	}
	if d.clock == nil {
		d.clock = types.RealClock{}
	}
	return d
}

// SubmitBatch starts sending msgs through cred on a new worker. It is refused
// while a batch is running, or after one has finished until AllowNextBatch is
// called. On acceptance previous results are cleared.
func (d *Dispatcher) SubmitBatch(cred Credential, msgs []Message) error {
	if cred == nil {
		return ErrNoCredential
	}

	d.mu.Lock()
	if d.current != nil && d.current.running {
		d.mu.Unlock()
		return ErrBatchInProgress
	}
	if d.hasRun {
		d.mu.Unlock()
		return ErrBatchNotReleased
	}

	b := &batch{
		id:        uuid.NewString(),
		cred:      cred,
		msgs:      append([]Message(nil), msgs...),
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
		running:   true,
		startedAt: d.clock.Now(),
	}
	d.current = b
	d.hasRun = true
	d.results = make([]Result, 0, len(msgs))
	d.mu.Unlock()

	d.logger.Info("dispatch batch started",
		slog.String("batch_id", b.id),
		slog.Int("total", len(b.msgs)),
		slog.Int("cap", d.cap),
		slog.Duration("interval", d.interval),
	)

	go d.run(b)
	return nil
}

// IsSending reports whether an accepted batch's worker is still running.
func (d *Dispatcher) IsSending() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current != nil && d.current.running
}

// Cancel asks the running worker to stop before its next send and returns
// at once. A send already in progress completes.
func (d *Dispatcher) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := d.current
	if b == nil || !b.running {
		return ErrNothingToCancel
	}
	if !b.cancelled {
		b.cancelled = true
		close(b.cancel)
		d.logger.Info("dispatch batch cancel requested", slog.String("batch_id", b.id))
	}
	return nil
}

// AllowNextBatch releases the dispatcher for another SubmitBatch. It fails
// while a worker is running.
func (d *Dispatcher) AllowNextBatch() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current != nil && d.current.running {
		return errStillSending
	}
	d.hasRun = false
	return nil
}

// Results returns a copy of the results produced so far.
func (d *Dispatcher) Results() []Result {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Result, len(d.results))
	copy(out, d.results)
	return out
}

// Status returns a snapshot of the current or most recent batch.
func (d *Dispatcher) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{HasRun: d.hasRun}
	b := d.current
	if b == nil {
		return st
	}
	st.BatchID = b.id
	st.Total = len(b.msgs)
	st.Attempted = len(d.results)
	st.Sent = b.sent
	st.Failed = b.failed
	st.Running = b.running
	st.Cancelled = b.cancelled
	started := b.startedAt
	st.StartedAt = &started
	if !b.finishedAt.IsZero() {
		finished := b.finishedAt
		st.FinishedAt = &finished
	}
	return st
}

// Wait blocks until the current worker exits or ctx is done. It returns nil
// immediately when no batch was ever submitted.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.RLock()
	b := d.current
	d.mu.RUnlock()
	if b == nil {
		return nil
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
