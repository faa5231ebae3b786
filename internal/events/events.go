package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/foxzi/wacast/internal/campaign"
)

// Event types
const (
	TypeStarted   = "campaign.started"
	TypeCompleted = "campaign.completed"
)

// Event is the message body published for a lifecycle transition
type Event struct {
	Type          string    `json:"type"`
	CampaignID    string    `json:"campaignId"`
	OwnerID       string    `json:"ownerId"`
	Kind          string    `json:"kind"`
	TotalTargets  int       `json:"totalTargets"`
	CurrentIndex  int       `json:"currentIndex"`
	SuccessCount  int       `json:"successCount"`
	ErrorCount    int       `json:"errorCount"`
	StopRequested bool      `json:"stopRequested"`
	Time          time.Time `json:"time"`
}

// NewEvent builds an event of type typ from a campaign snapshot
func NewEvent(typ string, c *campaign.Campaign) Event {
	return Event{
		Type:          typ,
		CampaignID:    c.ID,
		OwnerID:       c.OwnerID,
		Kind:          string(c.Kind),
		TotalTargets:  c.TotalTargets,
		CurrentIndex:  c.CurrentIndex,
		SuccessCount:  len(c.SuccessList),
		ErrorCount:    len(c.ErrorList),
		StopRequested: c.StopRequested,
		Time:          time.Now().UTC(),
	}
}

// Config contains AMQP settings
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends campaign lifecycle events to an AMQP topic exchange.
// It implements campaign.Observer.
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewPublisher connects to the broker and declares the exchange
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "wacast.campaigns"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	p := newPublisher(ch, cfg.Exchange, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, logger *slog.Logger) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, logger: logger}
}

func (p *Publisher) CampaignStarted(c *campaign.Campaign) {
	p.publish(NewEvent(TypeStarted, c))
}

func (p *Publisher) CampaignFinished(c *campaign.Campaign) {
	p.publish(NewEvent(TypeCompleted, c))
}

// publish failures are logged; events never block a campaign
func (p *Publisher) publish(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.Publish(p.exchange, routingKey(ev), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Time,
		MessageId:    ev.CampaignID + ":" + ev.Type,
		Body:         body,
	})
	if err != nil {
		p.logger.Error("failed to publish event",
			"type", ev.Type,
			"campaign_id", ev.CampaignID,
			"error", err,
		)
		return
	}
	p.logger.Debug("event published", "type", ev.Type, "campaign_id", ev.CampaignID)
}

// routingKey is "<type>.<kind>", e.g. campaign.started.broadcast
func routingKey(ev Event) string {
	return ev.Type + "." + ev.Kind
}

// Close closes the channel and the connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
