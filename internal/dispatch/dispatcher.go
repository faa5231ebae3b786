package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/foxzi/wacast/internal/metrics"
)

// ErrRateLimited marks a send rejected because the provider is throttling
var ErrRateLimited = errors.New("rate limited")

// IsRateLimited reports whether err signals provider throttling.
// Errors may match ErrRateLimited or implement RateLimited() bool.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var rl interface{ RateLimited() bool }
	if errors.As(err, &rl) {
		return rl.RateLimited()
	}
	return false
}

// Recorder is the campaign state the dispatcher reports into
type Recorder interface {
	RecordResult(ctx context.Context, id, recipient string, sendErr error) error
	Stopped(ctx context.Context, id string) bool
}

// Item is one unit of work of a campaign
type Item struct {
	Recipient string
	Message   string
	Image     string
}

// SendFunc delivers one item
type SendFunc func(ctx context.Context, item Item) error

// Config contains dispatcher timing settings
type Config struct {
	Tick        time.Duration // stop check granularity during waits
	Cooldown    time.Duration // pause after a rate limit signal
	SendTimeout time.Duration // bound on a single send call
}

// DefaultConfig returns default dispatcher settings
func DefaultConfig() Config {
	return Config{
		Tick:        500 * time.Millisecond,
		Cooldown:    5 * time.Minute,
		SendTimeout: 10 * time.Second,
	}
}

// Result summarises a finished Run
type Result struct {
	Sent    int
	Failed  int
	Stopped bool
}

// Dispatcher paces sends for a campaign and records each outcome
type Dispatcher struct {
	cfg    Config
	rec    Recorder
	logger *slog.Logger
}

// New creates a dispatcher
func New(rec Recorder, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Dispatcher{cfg: cfg, rec: rec, logger: logger}
}

// Config returns the effective settings
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Run walks items in order until all are processed or the campaign stops.
// Individual failures are recorded and never abort the loop.
func (d *Dispatcher) Run(ctx context.Context, id, kind string, items []Item, send SendFunc, delay Delay) Result {
	var res Result
	logger := d.logger.With("campaign_id", id)

	for i, item := range items {
		if d.Stopped(ctx, id) {
			res.Stopped = true
			logger.Info("dispatch stopped", "processed", i, "total", len(items))
			return res
		}

		err := d.Send(ctx, id, kind, item.Recipient, func(ctx context.Context) error {
			return send(ctx, item)
		})
		if err != nil {
			res.Failed++
		} else {
			res.Sent++
		}

		if i == len(items)-1 {
			break
		}

		if IsRateLimited(err) {
			if !d.Cooldown(ctx, id) {
				res.Stopped = true
				return res
			}
			continue
		}

		if !d.Wait(ctx, id, delay.Next()) {
			res.Stopped = true
			return res
		}
	}

	return res
}

// Send performs one bounded send and records its outcome
func (d *Dispatcher) Send(ctx context.Context, id, kind, recipient string, fn func(ctx context.Context) error) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := fn(sendCtx)
	cancel()

	if err != nil {
		d.logger.Debug("send failed",
			"campaign_id", id,
			"recipient", recipient,
			"rate_limited", IsRateLimited(err),
			"error", err,
		)
		metrics.IncMessagesFailed(kind)
	} else {
		metrics.IncMessagesSent(kind)
	}

	if recErr := d.rec.RecordResult(context.WithoutCancel(ctx), id, recipient, err); recErr != nil {
		d.logger.Error("failed to record result",
			"campaign_id", id,
			"recipient", recipient,
			"error", recErr,
		)
	}
	return err
}

// Cooldown pauses after a rate limit signal. Returns false if stopped meanwhile.
func (d *Dispatcher) Cooldown(ctx context.Context, id string) bool {
	d.logger.Warn("rate limited, cooling down",
		"campaign_id", id,
		"cooldown", d.cfg.Cooldown,
	)
	metrics.IncCooldowns()
	return d.Wait(ctx, id, d.cfg.Cooldown)
}

// Wait sleeps for dur in ticks, checking the stop flag between ticks.
// Returns false when the campaign was stopped or ctx ended.
func (d *Dispatcher) Wait(ctx context.Context, id string, dur time.Duration) bool {
	if dur <= 0 {
		return !d.Stopped(ctx, id)
	}

	deadline := time.NewTimer(dur)
	defer deadline.Stop()
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !d.Stopped(ctx, id)
		case <-ticker.C:
			if d.Stopped(ctx, id) {
				return false
			}
		}
	}
}

// Stopped reports whether the campaign was stopped or ctx ended
func (d *Dispatcher) Stopped(ctx context.Context, id string) bool {
	if ctx.Err() != nil {
		return true
	}
	return d.rec.Stopped(ctx, id)
}
