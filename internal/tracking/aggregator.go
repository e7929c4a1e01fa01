package tracking

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mailmerge/internal/external"
	"mailmerge/internal/types"
)

// DefaultLinkTTL is how long created links stay valid. Nobody checks their
// mail after ninety days.
const DefaultLinkTTL = 90 * 24 * time.Hour

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	Client  ClientConfig
	LinkTTL time.Duration
	Clock   types.Clock
}

// Identifier is one position of the working list. An empty ID is a null
// placeholder.
type Identifier struct {
	ID      string `json:"id"`
	Retired bool   `json:"retired"`
}

// Aggregator holds the working identifier list and a pooled client that is
// reused across polls. All state is owned by a single goroutine; public
// methods hand work to it and wait.
type Aggregator struct {
	cfg    AggregatorConfig
	client *Client
	logger *slog.Logger

	tasks   chan func()
	quit    chan struct{}
	stopped chan struct{}

	polling   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	// Owned by the loop goroutine.
	ids []Identifier
}

// NewAggregator creates the persistent client and starts the owning
// goroutine. Close must be called to release both.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = DefaultLinkTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	cfg.Client = cfg.Client.withDefaults()

	a := &Aggregator{
		cfg:     cfg,
		client:  NewClient(cfg.Client),
		logger:  cfg.Client.Logger,
		tasks:   make(chan func()),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Aggregator) loop() {
	defer close(a.stopped)
	for {
		select {
		case <-a.quit:
			return
		case task := <-a.tasks:
			task()
		}
	}
}

// run executes fn on the loop goroutine and waits for it to finish. Once a
// task is accepted it runs to completion, even if Close is called meanwhile.
func (a *Aggregator) run(fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case a.tasks <- task:
	case <-a.quit:
		return ErrClosed
	}
	<-done
	return nil
}

// SetIdentifiers replaces the working list. Empty strings are null
// placeholders; duplicates are kept.
func (a *Aggregator) SetIdentifiers(ids []string) error {
	if a.closed.Load() {
		return ErrClosed
	}
	list := make([]Identifier, len(ids))
	for i, id := range ids {
		list[i] = Identifier{ID: id}
	}
	return a.run(func() { a.ids = list })
}

// Identifiers returns a copy of the working list, including retirements.
func (a *Aggregator) Identifiers() ([]Identifier, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	var out []Identifier
	err := a.run(func() { out = append([]Identifier{}, a.ids...) })
	return out, err
}

// CreateLinks creates links for ids on a transient client, then installs
// ids as the working list for later GetCounts calls.
func (a *Aggregator) CreateLinks(ctx context.Context, ids []string) ([]TrackingLink, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	expire := a.cfg.Clock.Now().Add(a.cfg.LinkTTL)
	links := CreateLinks(ctx, a.cfg.Client, expire, ids)
	if err := a.SetIdentifiers(ids); err != nil {
		return links, err
	}
	return links, nil
}

// GetCounts looks up the hit count of every position in the working list.
// Null positions are unknown and retired positions are reported as retired,
// both without a request. A position whose lookup fails on every attempt is
// unknown in this result and retired in the list.
//
// Only one poll runs at a time. A call made while another is running
// returns ErrTrackingBusy and an empty slice at once.
//
// Caller cancellation does not abort a poll: a request cut short would look
// like a failed lookup and retire a healthy identifier.
func (a *Aggregator) GetCounts(ctx context.Context) ([]Count, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if !a.polling.CompareAndSwap(false, true) {
		return []Count{}, ErrTrackingBusy
	}
	defer a.polling.Store(false)

	ctx = context.WithoutCancel(ctx)
	var counts []Count
	if err := a.run(func() { counts = a.poll(ctx) }); err != nil {
		return nil, err
	}
	return counts, nil
}

// poll runs on the loop goroutine.
func (a *Aggregator) poll(ctx context.Context) []Count {
	counts := make([]Count, len(a.ids))
	retire := make([]bool, len(a.ids))

	var g errgroup.Group
	g.SetLimit(a.cfg.Client.MaxConcurrency)
	for i, ident := range a.ids {
		switch {
		case ident.Retired:
			counts[i] = Retired()
		case ident.ID == "":
			counts[i] = Unknown()
		default:
			g.Go(func() error {
				hits, err := a.client.Read(ctx, ident.ID)
				a.cfg.Client.Metrics.RecordTrackingRequest(ctx, OpRead, err == nil)
				if err != nil {
					counts[i] = Unknown()
					// An open circuit says nothing about this identifier.
					retire[i] = !external.IsCircuitOpen(err)
					a.logger.Warn("tracking count lookup failed",
						slog.String("identifier", ident.ID),
						slog.Bool("retired", retire[i]),
						slog.Any("err", err),
					)
					return nil
				}
				counts[i] = Known(hits)
				return nil
			})
		}
	}
	_ = g.Wait()

	for i, r := range retire {
		if r {
			a.ids[i].Retired = true
			a.cfg.Client.Metrics.RecordRetired(ctx)
		}
	}
	return counts
}

// Closed reports whether Close has been called.
func (a *Aggregator) Closed() bool {
	return a.closed.Load()
}

// Close stops the owning goroutine and releases the pooled connections. A
// poll in progress is allowed to finish first. Calling Close again is a
// no-op.
func (a *Aggregator) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.quit)
		<-a.stopped
		a.client.CloseIdleConnections()
	})
	return nil
}
