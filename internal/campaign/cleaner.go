package campaign

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings for finished campaigns
type CleanerConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

// Cleaner evicts completed campaigns once they exceed the retention age
type Cleaner struct {
	store  Store
	cfg    CleanerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
	now    func() time.Time
}

// NewCleaner creates a new cleaner service
func NewCleaner(store Store, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start starts the cleanup loop. Disabled when MaxAge or Interval is zero.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.MaxAge <= 0 || c.cfg.Interval <= 0 {
		c.logger.Info("cleaner disabled")
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"max_age", c.cfg.MaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the loop to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.Cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.Cleanup(ctx)
		}
	}
}

// Cleanup removes completed campaigns older than MaxAge and returns the count
func (c *Cleaner) Cleanup(ctx context.Context) int {
	cs, err := c.store.List(ctx)
	if err != nil {
		c.logger.Error("failed to list campaigns for cleanup", "error", err)
		return 0
	}

	cutoff := c.now().Add(-c.cfg.MaxAge)
	deleted := 0
	for _, camp := range cs {
		if !camp.Completed || camp.CompletedAt.After(cutoff) {
			continue
		}
		if err := c.store.Delete(ctx, camp.ID); err != nil {
			c.logger.Error("failed to delete campaign", "campaign_id", camp.ID, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		c.logger.Info("cleaned up finished campaigns", "deleted", deleted)
	}
	return deleted
}
