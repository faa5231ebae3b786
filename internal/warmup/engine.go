package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/foxzi/wacast/internal/campaign"
	"github.com/foxzi/wacast/internal/dispatch"
	"github.com/foxzi/wacast/internal/instance"
	"github.com/foxzi/wacast/internal/usage"
	"github.com/foxzi/wacast/internal/wa"
)

// Config contains warm-up pacing settings
type Config struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultConfig returns the default 30-120s window between messages
func DefaultConfig() Config {
	return Config{
		MinDelay: 30 * time.Second,
		MaxDelay: 120 * time.Second,
	}
}

// Request starts a warm-up for one instance
type Request struct {
	CampaignID string
	OwnerID    string
	InstanceID string
}

// Engine runs warm-up campaigns
type Engine struct {
	sup       *campaign.Supervisor
	disp      *dispatch.Dispatcher
	instances *instance.Service
	sender    wa.Sender
	limiter   usage.Reserver
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a warm-up engine. limiter may be nil.
func NewEngine(sup *campaign.Supervisor, disp *dispatch.Dispatcher, instances *instance.Service,
	sender wa.Sender, limiter usage.Reserver, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Engine{
		sup:       sup,
		disp:      disp,
		instances: instances,
		sender:    sender,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type job struct {
	id         string
	ownerID    string
	instanceID string
	token      string
	partners   []string
	testMode   bool
}

// Start validates the instance, creates the campaign and runs it in the background
func (e *Engine) Start(ctx context.Context, req Request) (*campaign.Campaign, error) {
	if _, err := e.instances.RequireConnected(ctx, req.OwnerID, req.InstanceID); err != nil {
		return nil, err
	}
	token, err := e.instances.Credential(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	partners, err := e.instances.ConnectedPartners(ctx, req.OwnerID, req.InstanceID)
	if err != nil {
		return nil, err
	}
	j := job{
		ownerID:    req.OwnerID,
		instanceID: req.InstanceID,
		token:      token,
	}
	for _, p := range partners {
		if p.Phone != "" {
			j.partners = append(j.partners, p.Phone)
		}
	}
	if len(j.partners) == 0 {
		j.partners = append([]string(nil), TestModePartners...)
		j.testMode = true
	}

	registry := e.sup.Registry()
	c, err := registry.Create(ctx, campaign.CreateParams{
		ID:           req.CampaignID,
		OwnerID:      req.OwnerID,
		Kind:         campaign.KindWarmup,
		InstanceIDs:  []string{req.InstanceID},
		TotalTargets: TotalQuota(),
	})
	if err != nil {
		return nil, err
	}
	j.id = c.ID

	st := NewState(e.now())
	if err := registry.UpdateProgress(ctx, c.ID, j.progress(st, "")); err != nil {
		return nil, fmt.Errorf("failed to store progress: %w", err)
	}

	if err := e.sup.Start(c.ID, func(ctx context.Context) error {
		return e.run(ctx, j, st)
	}); err != nil {
		if merr := registry.MarkCompleted(context.WithoutCancel(ctx), c.ID); merr != nil {
			e.logger.Error("failed to mark campaign completed", "campaign_id", c.ID, "error", merr)
		}
		return nil, err
	}

	e.logger.Info("warm-up started",
		"campaign_id", c.ID,
		"instance_id", req.InstanceID,
		"partners", len(j.partners),
		"test_mode", j.testMode,
	)
	return c, nil
}

func (e *Engine) run(ctx context.Context, j job, st *State) error {
	logger := e.logger.With("campaign_id", j.id)
	registry := e.sup.Registry()
	delay := dispatch.Between(e.cfg.MinDelay, e.cfg.MaxDelay)

	for {
		if e.disp.Stopped(ctx, j.id) {
			logger.Info("warm-up stopped", "phase", st.Phase, "sent", st.SentThisSession)
			return nil
		}

		st.Rollover(e.now())
		if st.QuotaMet() {
			if !st.Advance() {
				logger.Info("warm-up finished", "sent", st.SentThisSession)
				return nil
			}
			logger.Info("warm-up phase advanced", "phase", st.Phase, "quota", Quota(st.Phase))
		}

		partner := j.partners[rand.IntN(len(j.partners))]
		msg := Phrase()
		err := e.disp.Send(ctx, j.id, string(campaign.KindWarmup), partner, func(ctx context.Context) error {
			if e.limiter != nil {
				if err := e.limiter.Reserve(ctx, usage.Request{OwnerID: j.ownerID, InstanceID: j.instanceID}); err != nil {
					return err
				}
			}
			return e.sender.SendText(ctx, j.token, j.instanceID, partner, msg)
		})
		last := ""
		if err == nil {
			st.RecordSent()
			last = msg
		}
		if perr := registry.UpdateProgress(context.WithoutCancel(ctx), j.id, j.progress(st, last)); perr != nil {
			logger.Error("failed to store progress", "error", perr)
		}

		if dispatch.IsRateLimited(err) {
			if !e.disp.Cooldown(ctx, j.id) {
				return nil
			}
			continue
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		if !e.disp.Wait(ctx, j.id, delay.Next()) {
			return nil
		}
	}
}

func (j job) progress(st *State, last string) campaign.Progress {
	p := st.Progress()
	p.Partners = j.partners
	p.TestMode = j.testMode
	p.LastMessage = last
	return p
}
