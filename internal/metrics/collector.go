package metrics

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/foxzi/wacast/internal/campaign"
)

// ActiveProvider reports the number of running campaign tasks
type ActiveProvider interface {
	Active() int
}

// Collector refreshes system gauges and tracks campaign lifecycle
type Collector struct {
	metrics     *Metrics
	active      ActiveProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new collector. active may be nil.
func NewCollector(m *Metrics, active ActiveProvider, storagePath string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		metrics:     m,
		active:      active,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// SetActiveProvider wires the supervisor after construction
func (c *Collector) SetActiveProvider(p ActiveProvider) {
	c.active = p
}

// Start begins periodic gauge updates
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect samples current system state into gauges
func (c *Collector) Collect() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.active != nil {
		c.metrics.CampaignsActive.Set(float64(c.active.Active()))
	}
}

// CampaignStarted implements campaign.Observer
func (c *Collector) CampaignStarted(camp *campaign.Campaign) {
	c.metrics.CampaignsStartedTotal.WithLabelValues(string(camp.Kind)).Inc()
	c.metrics.CampaignsActive.Inc()
}

// CampaignFinished implements campaign.Observer
func (c *Collector) CampaignFinished(camp *campaign.Campaign) {
	c.metrics.CampaignsFinishedTotal.WithLabelValues(string(camp.Kind), finishReason(camp)).Inc()
	c.metrics.CampaignsActive.Dec()
}

func finishReason(c *campaign.Campaign) string {
	switch {
	case c.StopRequested:
		return "stopped"
	case c.TotalTargets > 0 && c.CurrentIndex >= c.TotalTargets:
		return "done"
	case c.Progress != nil && c.Progress.Phase > 0:
		return "limit"
	default:
		return "aborted"
	}
}

// PhaseLabel formats a phase number as a metric label
func PhaseLabel(phase int) string {
	return strconv.Itoa(phase)
}
