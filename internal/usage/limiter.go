package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wacast/internal/metrics"
)

var bucketUsage = []byte("usage_counters")

// ErrLimitExceeded is returned to the send path when a cap is reached
var ErrLimitExceeded = errors.New("usage limit exceeded")

// Level identifies which cap a counter belongs to
type Level string

const (
	LevelOwner    Level = "owner"
	LevelInstance Level = "instance"
)

// Config contains usage limit settings. Nil limits are not enforced.
type Config struct {
	PerOwner      *LimitConfig  `yaml:"per_owner,omitempty"`
	PerInstance   *LimitConfig  `yaml:"per_instance,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains cap values; zero means unlimited
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Counter tracks one key's sliding windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Request identifies who is about to send
type Request struct {
	OwnerID    string
	InstanceID string
}

// Result is the outcome of Allow
type Result struct {
	Allowed    bool
	DeniedBy   Level
	RetryAfter time.Duration
}

// Stats is a read-only view of one counter
type Stats struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourlyCount"`
	DailyCount  int       `json:"dailyCount"`
	HourlyLimit int       `json:"hourlyLimit,omitempty"`
	DailyLimit  int       `json:"dailyLimit,omitempty"`
	HourStart   time.Time `json:"hourStart,omitempty"`
	DayStart    time.Time `json:"dayStart,omitempty"`
}

// Reserver is the part of Limiter the send paths depend on
type Reserver interface {
	Reserve(ctx context.Context, req Request) error
}

// Limiter enforces per-owner and per-instance message caps.
// Counters live in memory and are flushed to bbolt periodically.
type Limiter struct {
	db       *bolt.DB
	cfg      Config
	counters map[string]*Counter
	mu       sync.Mutex
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLimiter creates a limiter persisted into db
func NewLimiter(db *bolt.DB, cfg Config) (*Limiter, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketUsage)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create usage bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		cfg:      cfg,
		counters: make(map[string]*Counter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	l.wg.Add(1)
	go l.persistLoop()
	return l, nil
}

// Allow reserves one message for req or reports which cap denied it
func (l *Limiter) Allow(ctx context.Context, req Request) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.checks(req)

	for _, c := range checks {
		counter := l.counter(c.key, now)
		roll(counter, now)

		if c.limit.MessagesPerHour > 0 && counter.HourlyCount >= c.limit.MessagesPerHour {
			metrics.IncUsageDenied(string(c.level))
			return Result{DeniedBy: c.level, RetryAfter: counter.HourStart.Add(time.Hour).Sub(now)}
		}
		if c.limit.MessagesPerDay > 0 && counter.DailyCount >= c.limit.MessagesPerDay {
			metrics.IncUsageDenied(string(c.level))
			return Result{DeniedBy: c.level, RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now)}
		}
	}

	for _, c := range checks {
		counter := l.counters[c.key]
		counter.HourlyCount++
		counter.DailyCount++
	}
	return Result{Allowed: true}
}

// Reserve is Allow expressed as an error for send paths
func (l *Limiter) Reserve(ctx context.Context, req Request) error {
	res := l.Allow(ctx, req)
	if res.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s cap reached, retry in %s", ErrLimitExceeded, res.DeniedBy, res.RetryAfter.Round(time.Second))
}

// Stats returns the counters that apply to req
func (l *Limiter) Stats(ctx context.Context, req Request) []Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var out []Stats
	for _, c := range l.checks(req) {
		st := Stats{
			Level:       c.level,
			Key:         c.id,
			HourlyLimit: c.limit.MessagesPerHour,
			DailyLimit:  c.limit.MessagesPerDay,
		}
		if counter, ok := l.counters[c.key]; ok {
			snapshot := *counter
			roll(&snapshot, now)
			st.HourlyCount = snapshot.HourlyCount
			st.DailyCount = snapshot.DailyCount
			st.HourStart = snapshot.HourStart
			st.DayStart = snapshot.DayStart
		}
		out = append(out, st)
	}
	return out
}

// Stop stops background persistence and flushes counters
func (l *Limiter) Stop() error {
	close(l.stopCh)
	l.wg.Wait()
	return l.persist()
}

type check struct {
	level Level
	id    string
	key   string
	limit *LimitConfig
}

func (l *Limiter) checks(req Request) []check {
	var out []check
	if req.OwnerID != "" && l.cfg.PerOwner != nil {
		out = append(out, check{LevelOwner, req.OwnerID, makeKey(LevelOwner, req.OwnerID), l.cfg.PerOwner})
	}
	if req.InstanceID != "" && l.cfg.PerInstance != nil {
		out = append(out, check{LevelInstance, req.InstanceID, makeKey(LevelInstance, req.InstanceID), l.cfg.PerInstance})
	}
	return out
}

func (l *Limiter) counter(key string, now time.Time) *Counter {
	c, ok := l.counters[key]
	if !ok {
		c = &Counter{HourStart: now, DayStart: now}
		l.counters[key] = c
	}
	return c
}

// roll resets windows that have expired
func roll(c *Counter, now time.Time) {
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount = 0
		c.HourStart = now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DailyCount = 0
		c.DayStart = now
	}
}

func (l *Limiter) load() error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsage).ForEach(func(k, v []byte) error {
			var c Counter
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			l.counters[string(k)] = &c
			return nil
		})
	})
}

func (l *Limiter) persist() error {
	l.mu.Lock()
	snapshot := make(map[string][]byte, len(l.counters))
	for k, c := range l.counters {
		if data, err := json.Marshal(c); err == nil {
			snapshot[k] = data
		}
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsage)
		for k, data := range snapshot {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persist()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
