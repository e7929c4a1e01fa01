package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type providerNamer interface {
	Provider() string
}

func (d *Dispatcher) run(b *batch) {
	defer d.finish(b)

	provider := "unknown"
	if p, ok := b.cred.(providerNamer); ok {
		provider = p.Provider()
	}

	count := 0
	windowStart := time.Now()

	for i, msg := range b.msgs {
		if count == d.cap {
			d.waitForWindow(b, windowStart)
			count = 0
			windowStart = time.Now()
		}

		// Cancellation is honoured here only, after any wait.
		select {
		case <-b.cancel:
			return
		default:
		}

		res := d.sendOne(b, provider, i, msg)
		d.record(b, res)
		count++
	}
}

// waitForWindow blocks for the rest of the interval that began at
// windowStart, or until the batch is cancelled.
func (d *Dispatcher) waitForWindow(b *batch, windowStart time.Time) {
	remaining := d.interval - time.Since(windowStart)
	if remaining <= 0 {
		return
	}

	d.logger.Debug("dispatch rate cap reached, waiting",
		slog.String("batch_id", b.id),
		slog.Duration("wait", remaining),
	)

	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
	case <-b.cancel:
	}
}

// sendOne never returns an error: a failure, including a panicking
// credential, becomes a failed Result.
func (d *Dispatcher) sendOne(b *batch, provider string, index int, msg Message) (res Result) {
	res = Result{Index: index, Recipient: msg.Recipient}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.Status = ResultFailed
			res.Detail = fmt.Sprintf("panic: %v", r)
			d.logger.Error("sending credential panicked",
				slog.String("batch_id", b.id),
				slog.Int("index", index),
				slog.Any("panic", r),
			)
		}
		res.SentAt = d.clock.Now()
		d.metrics.RecordDispatch(context.Background(), provider, res.Status == ResultSent, time.Since(start))
	}()

	id, err := b.cred.Send(context.Background(), msg.Recipient, msg.Subject, msg.Body)
	if err != nil {
		res.Status = ResultFailed
		res.Detail = err.Error()
		d.logger.Warn("dispatch send failed",
			slog.String("batch_id", b.id),
			slog.Int("index", index),
			slog.Any("err", err),
		)
		return res
	}
	res.Status = ResultSent
	res.ProviderMessageID = id
	return res
}

func (d *Dispatcher) record(b *batch, res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, res)
	if res.Status == ResultSent {
		b.sent++
	} else {
		b.failed++
	}
}

func (d *Dispatcher) finish(b *batch) {
	d.mu.Lock()
	b.running = false
	b.finishedAt = d.clock.Now()
	fields := []any{
		slog.String("batch_id", b.id),
		slog.Int("total", len(b.msgs)),
		slog.Int("sent", b.sent),
		slog.Int("failed", b.failed),
		slog.Bool("cancelled", b.cancelled),
		slog.Duration("dur", b.finishedAt.Sub(b.startedAt)),
	}
	d.mu.Unlock()
	close(b.done)

	if b.failed > 0 {
		d.logger.Warn("dispatch batch finished with failures", fields...)
	} else {
		d.logger.Info("dispatch batch finished", fields...)
	}
}
