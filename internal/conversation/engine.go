package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/foxzi/wacast/internal/ai"
	"github.com/foxzi/wacast/internal/campaign"
	"github.com/foxzi/wacast/internal/dispatch"
	"github.com/foxzi/wacast/internal/instance"
	"github.com/foxzi/wacast/internal/metrics"
	"github.com/foxzi/wacast/internal/usage"
	"github.com/foxzi/wacast/internal/wa"
	"github.com/foxzi/wacast/internal/warmup"
)

var ErrProvider = errors.New("ai provider unavailable")

// ProviderFactory builds the provider selected by a request
type ProviderFactory func(ctx context.Context, name, apiKey string) (ai.Provider, error)

// Config contains conversation pacing settings
type Config struct {
	MinDelay        time.Duration `yaml:"min_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	SafetyPause     time.Duration `yaml:"safety_pause"`
	PauseEveryMin   int           `yaml:"pause_every_min"`
	PauseEveryMax   int           `yaml:"pause_every_max"`
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
}

// DefaultConfig returns the default pacing
func DefaultConfig() Config {
	return Config{
		MinDelay:        30 * time.Second,
		MaxDelay:        120 * time.Second,
		SafetyPause:     5 * time.Minute,
		PauseEveryMin:   10,
		PauseEveryMax:   15,
		GenerateTimeout: 30 * time.Second,
	}
}

// Request starts an AI conversation between the owner's instances
type Request struct {
	CampaignID   string
	OwnerID      string
	InstanceIDs  []string
	Provider     string
	APIKey       string
	Theme        string
	Unlimited    bool
	SessionLimit int
	DelaySeconds float64
}

// Engine runs conversation campaigns
type Engine struct {
	sup       *campaign.Supervisor
	disp      *dispatch.Dispatcher
	instances *instance.Service
	sender    wa.Sender
	providers ProviderFactory
	limiter   usage.Reserver
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a conversation engine. limiter may be nil.
func NewEngine(sup *campaign.Supervisor, disp *dispatch.Dispatcher, instances *instance.Service,
	sender wa.Sender, providers ProviderFactory, limiter usage.Reserver, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.SafetyPause <= 0 {
		cfg.SafetyPause = def.SafetyPause
	}
	if cfg.PauseEveryMin <= 0 {
		cfg.PauseEveryMin = def.PauseEveryMin
	}
	if cfg.PauseEveryMax < cfg.PauseEveryMin {
		cfg.PauseEveryMax = cfg.PauseEveryMin
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = def.GenerateTimeout
	}
	return &Engine{
		sup:       sup,
		disp:      disp,
		instances: instances,
		sender:    sender,
		providers: providers,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type speaker struct {
	id    string
	phone string
}

type job struct {
	id       string
	req      Request
	token    string
	speakers []speaker
	provider ai.Provider
	delay    dispatch.Delay
}

// Start validates the instances and provider, creates the campaign and
// runs the dialogue in the background
func (e *Engine) Start(ctx context.Context, req Request) (*campaign.Campaign, error) {
	if len(req.InstanceIDs) < 2 {
		return nil, fmt.Errorf("%w: need at least 2, got %d", instance.ErrTooFewInstances, len(req.InstanceIDs))
	}
	seen := make(map[string]bool, len(req.InstanceIDs))
	for _, id := range req.InstanceIDs {
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate instance %s", instance.ErrTooFewInstances, id)
		}
		seen[id] = true
	}

	insts, err := e.instances.RequireConnected(ctx, req.OwnerID, req.InstanceIDs...)
	if err != nil {
		return nil, err
	}
	j := job{req: req}
	for _, inst := range insts {
		if inst.Phone == "" {
			return nil, fmt.Errorf("%w: %s", instance.ErrNoPhone, inst.ID)
		}
		j.speakers = append(j.speakers, speaker{id: inst.ID, phone: inst.Phone})
	}
	if j.token, err = e.instances.Credential(ctx, req.OwnerID); err != nil {
		return nil, err
	}
	if j.provider, err = e.providers(ctx, req.Provider, req.APIKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if req.DelaySeconds > 0 {
		j.delay = dispatch.Seconds(req.DelaySeconds)
	} else {
		j.delay = dispatch.Between(e.cfg.MinDelay, e.cfg.MaxDelay)
	}

	total := 0
	switch {
	case req.SessionLimit > 0:
		total = req.SessionLimit
	case req.Unlimited:
	default:
		total = warmup.TotalQuota()
	}

	registry := e.sup.Registry()
	c, err := registry.Create(ctx, campaign.CreateParams{
		ID:           req.CampaignID,
		OwnerID:      req.OwnerID,
		Kind:         campaign.KindConversation,
		InstanceIDs:  req.InstanceIDs,
		TotalTargets: total,
	})
	if err != nil {
		return nil, err
	}
	j.id = c.ID

	st := warmup.NewState(e.now())
	hist := NewHistory(MaxHistory)
	if err := registry.UpdateProgress(ctx, c.ID, j.progress(st, hist, time.Time{})); err != nil {
		return nil, fmt.Errorf("failed to store progress: %w", err)
	}

	if err := e.sup.Start(c.ID, func(ctx context.Context) error {
		return e.run(ctx, j, st, hist)
	}); err != nil {
		if merr := registry.MarkCompleted(context.WithoutCancel(ctx), c.ID); merr != nil {
			e.logger.Error("failed to mark campaign completed", "campaign_id", c.ID, "error", merr)
		}
		return nil, err
	}

	e.logger.Info("conversation started",
		"campaign_id", c.ID,
		"instances", len(j.speakers),
		"provider", j.provider.Name(),
		"session_limit", req.SessionLimit,
		"unlimited", req.Unlimited,
	)
	return c, nil
}

func (e *Engine) run(ctx context.Context, j job, st *warmup.State, hist *History) error {
	logger := e.logger.With("campaign_id", j.id)
	registry := e.sup.Registry()
	kind := string(campaign.KindConversation)

	turn := 0
	sincePause := 0
	pauseAt := e.rollPause()

	for {
		if e.disp.Stopped(ctx, j.id) {
			logger.Info("conversation stopped", "sent", st.SentThisSession)
			return nil
		}

		st.Rollover(e.now())
		switch {
		case j.req.SessionLimit > 0:
			if st.SentThisSession >= j.req.SessionLimit {
				logger.Info("session limit reached", "limit", j.req.SessionLimit)
				return nil
			}
		case j.req.Unlimited:
		default:
			if st.QuotaMet() {
				if !st.Advance() {
					logger.Info("conversation finished all phases", "sent", st.SentThisSession)
					return nil
				}
				logger.Info("conversation phase advanced", "phase", st.Phase)
			}
		}

		from := j.speakers[turn%len(j.speakers)]
		to := j.speakers[(turn+1)%len(j.speakers)]
		turn++

		text, generated := e.generate(ctx, j.provider, hist, j.req.Theme)
		err := e.disp.Send(ctx, j.id, kind, to.phone, func(ctx context.Context) error {
			if e.limiter != nil {
				if err := e.limiter.Reserve(ctx, usage.Request{OwnerID: j.req.OwnerID, InstanceID: from.id}); err != nil {
					return err
				}
			}
			return e.sender.SendText(ctx, j.token, from.id, to.phone, text)
		})
		if err == nil {
			st.RecordSent()
			sincePause++
			hist.Add(Entry{
				From:      from.phone,
				To:        to.phone,
				Content:   text,
				Timestamp: e.now(),
				Generated: generated,
			})
		}

		var pausedUntil time.Time
		pause := err == nil && sincePause >= pauseAt
		if pause {
			pausedUntil = e.now().Add(e.cfg.SafetyPause)
		}
		if perr := registry.UpdateProgress(context.WithoutCancel(ctx), j.id, j.progress(st, hist, pausedUntil)); perr != nil {
			logger.Error("failed to store progress", "error", perr)
		}

		if dispatch.IsRateLimited(err) {
			if !e.disp.Cooldown(ctx, j.id) {
				return nil
			}
			continue
		}
		if pause {
			logger.Info("safety pause", "after", sincePause, "duration", e.cfg.SafetyPause)
			metrics.IncSafetyPauses()
			sincePause = 0
			pauseAt = e.rollPause()
			if !e.disp.Wait(ctx, j.id, e.cfg.SafetyPause) {
				return nil
			}
			continue
		}
		if !e.disp.Wait(ctx, j.id, j.delay.Next()) {
			return nil
		}
	}
}

// generate returns the next message and whether it came from the provider.
// Provider failures never surface; a static line is used instead.
func (e *Engine) generate(ctx context.Context, p ai.Provider, hist *History, theme string) (string, bool) {
	opener := hist.Len() == 0
	if p != nil {
		req := openerRequest(theme)
		if !opener {
			req = replyRequest(hist, theme)
		}

		genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerateTimeout)
		text, err := p.GenerateReply(genCtx, req)
		cancel()

		switch {
		case ai.IsRateLimited(err):
			metrics.IncAIFallbacks("rate_limited")
		case err != nil:
			metrics.IncAIFallbacks("error")
		case degenerate(clean(text)):
			metrics.IncAIFallbacks("degenerate")
		default:
			return clean(text), true
		}
		e.logger.Debug("using fallback message", "provider", p.Name(), "error", err)
	}
	return fallback(opener, theme), false
}

func (e *Engine) rollPause() int {
	return e.cfg.PauseEveryMin + rand.IntN(e.cfg.PauseEveryMax-e.cfg.PauseEveryMin+1)
}

func (j job) progress(st *warmup.State, hist *History, pausedUntil time.Time) campaign.Progress {
	p := st.Progress()
	p.SessionLimit = j.req.SessionLimit
	p.Unlimited = j.req.Unlimited
	for _, s := range j.speakers {
		p.Partners = append(p.Partners, s.id)
	}
	p.HistoryLen = hist.Len()
	if last, ok := hist.Last(); ok {
		p.LastMessage = last.Content
	}
	p.PausedUntil = pausedUntil
	return p
}
