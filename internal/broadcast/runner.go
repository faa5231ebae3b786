package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/wacast/internal/campaign"
	"github.com/foxzi/wacast/internal/dispatch"
	"github.com/foxzi/wacast/internal/instance"
	"github.com/foxzi/wacast/internal/usage"
	"github.com/foxzi/wacast/internal/wa"
)

var (
	ErrNoRecipients       = errors.New("recipient list is empty")
	ErrInvalidRecipient   = errors.New("invalid recipient")
	ErrNoContent          = errors.New("message or image is required")
	ErrBackendUnavailable = errors.New("send backend is unreachable")
)

// Recipient is one row of the contact list
type Recipient struct {
	Number  string            `json:"number"`
	Message string            `json:"message,omitempty"`
	Image   string            `json:"image,omitempty"`
	Vars    map[string]string `json:"vars,omitempty"`
}

// Request starts a broadcast
type Request struct {
	CampaignID   string
	OwnerID      string
	InstanceID   string
	Recipients   []Recipient
	Message      string
	Image        string
	DelaySeconds float64
}

// Prober checks that the send backend is up
type Prober interface {
	Probe(ctx context.Context) error
}

// Runner starts broadcast campaigns
type Runner struct {
	sup          *campaign.Supervisor
	disp         *dispatch.Dispatcher
	instances    *instance.Service
	sender       wa.Sender
	prober       Prober
	limiter      usage.Reserver
	logger       *slog.Logger
	probeTimeout time.Duration
}

// NewRunner creates a broadcast runner. prober and limiter may be nil.
func NewRunner(sup *campaign.Supervisor, disp *dispatch.Dispatcher, instances *instance.Service,
	sender wa.Sender, prober Prober, limiter usage.Reserver, logger *slog.Logger) *Runner {
	return &Runner{
		sup:          sup,
		disp:         disp,
		instances:    instances,
		sender:       sender,
		prober:       prober,
		limiter:      limiter,
		logger:       logger,
		probeTimeout: 5 * time.Second,
	}
}

// Start validates the request, creates the campaign and returns while the
// sends continue in the background
func (r *Runner) Start(ctx context.Context, req Request) (*campaign.Campaign, error) {
	items, err := buildItems(req)
	if err != nil {
		return nil, err
	}

	if _, err := r.instances.RequireConnected(ctx, req.OwnerID, req.InstanceID); err != nil {
		return nil, err
	}
	token, err := r.instances.Credential(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	if r.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		err := r.prober.Probe(probeCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	registry := r.sup.Registry()
	c, err := registry.Create(ctx, campaign.CreateParams{
		ID:           req.CampaignID,
		OwnerID:      req.OwnerID,
		Kind:         campaign.KindBroadcast,
		InstanceIDs:  []string{req.InstanceID},
		TotalTargets: len(items),
	})
	if err != nil {
		return nil, err
	}

	send := func(ctx context.Context, item dispatch.Item) error {
		if r.limiter != nil {
			if err := r.limiter.Reserve(ctx, usage.Request{OwnerID: req.OwnerID, InstanceID: req.InstanceID}); err != nil {
				return err
			}
		}
		if item.Image != "" {
			return r.sender.SendImage(ctx, token, req.InstanceID, item.Recipient, item.Image, item.Message)
		}
		return r.sender.SendText(ctx, token, req.InstanceID, item.Recipient, item.Message)
	}
	delay := dispatch.Seconds(req.DelaySeconds)

	err = r.sup.Start(c.ID, func(ctx context.Context) error {
		res := r.disp.Run(ctx, c.ID, string(campaign.KindBroadcast), items, send, delay)
		r.logger.Info("broadcast finished",
			"campaign_id", c.ID,
			"sent", res.Sent,
			"failed", res.Failed,
			"stopped", res.Stopped,
		)
		return nil
	})
	if err != nil {
		if merr := registry.MarkCompleted(context.WithoutCancel(ctx), c.ID); merr != nil {
			r.logger.Error("failed to mark campaign completed", "campaign_id", c.ID, "error", merr)
		}
		return nil, err
	}

	r.logger.Info("broadcast started",
		"campaign_id", c.ID,
		"instance_id", req.InstanceID,
		"recipients", len(items),
		"delay_seconds", req.DelaySeconds,
	)
	return c, nil
}

// buildItems validates the rows and renders their final content
func buildItems(req Request) ([]dispatch.Item, error) {
	if len(req.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	items := make([]dispatch.Item, 0, len(req.Recipients))
	for i, rc := range req.Recipients {
		number := NormalizeNumber(rc.Number)
		if number == "" {
			return nil, fmt.Errorf("%w: row %d has no valid number", ErrInvalidRecipient, i+1)
		}

		message := rc.Message
		if message == "" {
			message = req.Message
		}
		image := rc.Image
		if image == "" {
			image = req.Image
		}
		if strings.TrimSpace(message) == "" && image == "" {
			return nil, fmt.Errorf("%w: row %d", ErrNoContent, i+1)
		}

		vars := make(map[string]string, len(rc.Vars)+1)
		for k, v := range rc.Vars {
			vars[k] = v
		}
		vars["number"] = number

		items = append(items, dispatch.Item{
			Recipient: number,
			Message:   render(message, vars),
			Image:     image,
		})
	}
	return items, nil
}

// NormalizeNumber strips formatting from a phone number.
// It returns "" when anything but digits remains.
func NormalizeNumber(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
		default:
			return ""
		}
	}
	return b.String()
}
