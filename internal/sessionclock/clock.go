// Package sessionclock measures listening time on the client and reports it
// to the ingest API in contiguous, non-overlapping windows. Totals it keeps
// locally are for display only; the server ledger is the source of truth.
package sessionclock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAlreadyCredited means the server already holds the window. The
	// window counts as delivered.
	ErrAlreadyCredited = errors.New("window already credited")
	// ErrRejected means the server refused the window for good. Resending
	// the same window cannot succeed, so it is dropped.
	ErrRejected = errors.New("window rejected")
)

// Report is one listening window. End - Start equals Duration seconds.
type Report struct {
	Identity  string
	StationID string
	Start     time.Time
	End       time.Time
	Duration  int64
}

// Reporter delivers a window and returns the server's cumulative verified seconds.
type Reporter interface {
	Report(ctx context.Context, r Report) (verifiedTotal int64, err error)
}

// TotalStore persists advisory running totals.
type TotalStore interface {
	AddLocal(ctx context.Context, identity string, seconds int64) error
	SetVerified(ctx context.Context, identity string, total int64) error
}

type Config struct {
	Identity  string
	StationID string
	// Cadence is how often Run reports while playing.
	Cadence time.Duration
	// MaxWindow caps a single report; longer stretches are split.
	MaxWindow time.Duration
}

// Clock tracks one listener's playback. Windows are cut from a monotonic
// reading so wall-clock jumps on the device cannot stretch or shrink them.
type Clock struct {
	cfg      Config
	reporter Reporter
	store    TotalStore
	log      *slog.Logger

	// Now is the clock source; tests replace it.
	Now func() time.Time

	// flushMu keeps at most one report in flight.
	flushMu sync.Mutex

	mu        sync.Mutex
	playing   bool
	cut       time.Time
	stoppedAt time.Time
	pending   *Report
	verified  int64
}

func New(cfg Config, reporter Reporter, store TotalStore, log *slog.Logger) *Clock {
	if cfg.Cadence <= 0 {
		cfg.Cadence = time.Minute
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = 4 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Clock{cfg: cfg, reporter: reporter, store: store, log: log, Now: time.Now}
}

// Start begins measuring. Starting a running clock is a no-op. Starting a
// stopped clock whose tail has not been cut yet discards that tail.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		return
	}
	c.playing = true
	c.stoppedAt = time.Time{}
	c.cut = c.Now()
}

// Stop ends measuring and reports up to the stop time. Whatever cannot be
// delivered now is retried by the next Flush.
func (c *Clock) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.playing {
		c.playing = false
		c.stoppedAt = c.Now()
	}
	c.mu.Unlock()
	return c.Flush(ctx)
}

// Playing reports whether the clock is running.
func (c *Clock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Verified is the last cumulative total the server confirmed.
func (c *Clock) Verified() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verified
}

// Pending returns a copy of the undelivered window, if any.
func (c *Clock) Pending() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	p := *c.pending
	return &p
}

// Flush retries the pending window, then cuts and reports a new one. A new
// window is never cut while an older one is undelivered.
func (c *Clock) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if err := c.deliverPending(ctx); err != nil {
		return err
	}
	c.cutWindow(ctx)
	return c.deliverPending(ctx)
}

// Run flushes every Cadence until ctx is done. Delivery errors are logged and
// retried on the next tick.
func (c *Clock) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil {
				c.log.WarnContext(ctx, "listening report failed, will retry", "identity", c.cfg.Identity, "error", err)
			}
		}
	}
}

// cutWindow moves the elapsed whole seconds since the last cut into the
// pending slot. Sub-second remainders stay with the next window.
func (c *Clock) cutWindow(ctx context.Context) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return
	}
	var upTo time.Time
	switch {
	case c.playing:
		upTo = c.Now()
	case !c.stoppedAt.IsZero():
		upTo = c.stoppedAt
	default:
		c.mu.Unlock()
		return
	}
	elapsed := upTo.Sub(c.cut).Truncate(time.Second)
	if elapsed > c.cfg.MaxWindow {
		elapsed = c.cfg.MaxWindow.Truncate(time.Second)
	}
	if elapsed < time.Second {
		if !c.playing {
			c.stoppedAt = time.Time{}
		}
		c.mu.Unlock()
		return
	}
	start := c.cut
	end := start.Add(elapsed)
	c.cut = end
	c.pending = &Report{
		Identity:  c.cfg.Identity,
		StationID: c.cfg.StationID,
		Start:     start.Round(0),
		End:       end.Round(0),
		Duration:  int64(elapsed / time.Second),
	}
	secs := c.pending.Duration
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.AddLocal(ctx, c.cfg.Identity, secs); err != nil {
			c.log.WarnContext(ctx, "save local total", "error", err)
		}
	}
}

func (c *Clock) deliverPending(ctx context.Context) error {
	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()
	if p == nil {
		return nil
	}

	total, err := c.reporter.Report(ctx, *p)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyCredited):
		c.log.DebugContext(ctx, "window already credited", "start", p.Start, "end", p.End)
		c.clearPending(p)
		return nil
	case errors.Is(err, ErrRejected):
		c.log.WarnContext(ctx, "window rejected, dropping", "start", p.Start, "end", p.End, "error", err)
		c.clearPending(p)
		return nil
	default:
		return fmt.Errorf("report window %s-%s: %w", p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339), err)
	}

	c.mu.Lock()
	if total > c.verified {
		c.verified = total
	}
	c.mu.Unlock()
	c.clearPending(p)
	if c.store != nil {
		if err := c.store.SetVerified(ctx, c.cfg.Identity, total); err != nil {
			c.log.WarnContext(ctx, "save verified total", "error", err)
		}
	}
	return nil
}

func (c *Clock) clearPending(p *Report) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}
