package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var ErrAlreadyRunning = errors.New("campaign task already running")

// Task is the body of a campaign run. It returns when the loop exits.
type Task func(ctx context.Context) error

// Observer is notified about campaign lifecycle transitions
type Observer interface {
	CampaignStarted(c *Campaign)
	CampaignFinished(c *Campaign)
}

// Supervisor owns one background goroutine per running campaign
type Supervisor struct {
	registry  *Registry
	logger    *slog.Logger
	observers []Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor for tasks of registry campaigns
func NewSupervisor(registry *Registry, logger *slog.Logger, observers ...Observer) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		registry:  registry,
		logger:    logger,
		observers: observers,
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[string]struct{}),
	}
}

// Registry returns the registry the supervisor writes to
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Start runs task in the background for campaign id
func (s *Supervisor) Start(id string, task Task) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is shut down")
	}
	if _, ok := s.running[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	s.running[id] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	// Observers may block on I/O and run outside the lock
	if c, err := s.registry.Get(s.ctx, id); err == nil {
		for _, o := range s.observers {
			o.CampaignStarted(c)
		}
	}

	go s.run(id, task)
	return nil
}

// Cancel requests a cooperative stop of campaign id
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	return s.registry.RequestStop(ctx, id)
}

// Running reports whether a task for id is active
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// Active returns the number of running tasks
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown cancels all task contexts and waits for them to exit
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every started task has returned
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) run(id string, task Task) {
	defer s.wg.Done()
	logger := s.logger.With("campaign_id", id)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("campaign task panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		s.finish(id, logger)
	}()

	logger.Info("campaign task started")
	if err := task(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("campaign task failed", "error", err)
	}
}

func (s *Supervisor) finish(id string, logger *slog.Logger) {
	// The task context may already be cancelled during shutdown.
	ctx := context.WithoutCancel(s.ctx)

	if err := s.registry.MarkCompleted(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		logger.Error("failed to mark campaign completed", "error", err)
	}

	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()

	c, err := s.registry.Get(ctx, id)
	if err != nil {
		logger.Info("campaign task finished")
		return
	}
	logger.Info("campaign task finished",
		"processed", c.CurrentIndex,
		"succeeded", len(c.SuccessList),
		"failed", len(c.ErrorList),
		"stop_requested", c.StopRequested,
	)
	for _, o := range s.observers {
		o.CampaignFinished(c)
	}
}
