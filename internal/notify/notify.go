// Package notify tells the downstream transformation layer that new rows
// were committed to staging.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mkoziy/fireincidents/ingester/internal/ingest"
	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

const (
	DefaultQueue = "fire_incidents.staging"
	EventType    = "staging_committed"
)

// Config enables the RabbitMQ notification.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
}

func (c Config) Validate() error {
	if c.Enabled && c.URL == "" {
		return fmt.Errorf("%w: notify.url is required when notify is enabled", models.ErrConfiguration)
	}
	return nil
}

// Event is the message body published after a committed cycle.
type Event struct {
	Type        string     `json:"type"`
	RunID       string     `json:"run_id"`
	Dataset     string     `json:"dataset"`
	Inserted    int        `json:"inserted"`
	Updated     int        `json:"updated"`
	Watermark   *time.Time `json:"watermark,omitempty"`
	CommittedAt time.Time  `json:"committed_at"`
}

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a channel; closing the channel releases its connection.
type Dialer func(url string) (Channel, error)

type connChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c connChannel) Close() error {
	return errors.Join(c.Channel.Close(), c.conn.Close())
}

// Dial connects to RabbitMQ and opens a channel.
func Dial(url string) (Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return connChannel{Channel: ch, conn: conn}, nil
}

// Publisher sends one persistent message per committed cycle to a durable
// queue. A connection is opened per message since cycles are minutes apart.
type Publisher struct {
	cfg     Config
	dial    Dialer
	observe func(error)
	logger  *slog.Logger
}

type Option func(*Publisher)

func WithDialer(d Dialer) Option {
	return func(p *Publisher) { p.dial = d }
}

// WithObserver is called with the result of every publish.
func WithObserver(fn func(error)) Option {
	return func(p *Publisher) { p.observe = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

func New(cfg Config, opts ...Option) *Publisher {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	p := &Publisher{cfg: cfg, dial: Dial, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Notify publishes the outcome of a committed cycle.
func (p *Publisher) Notify(ctx context.Context, o ingest.Outcome) error {
	err := p.publish(ctx, o)
	if p.observe != nil {
		p.observe(err)
	}
	if err != nil {
		return fmt.Errorf("notify %s: %w", p.cfg.Queue, err)
	}
	p.logger.DebugContext(ctx, "downstream notified", "queue", p.cfg.Queue, "run_id", o.RunID)
	return nil
}

func (p *Publisher) publish(ctx context.Context, o ingest.Outcome) error {
	body, err := json.Marshal(Event{
		Type:        EventType,
		RunID:       o.RunID,
		Dataset:     o.Dataset,
		Inserted:    o.Inserted,
		Updated:     o.Updated,
		Watermark:   o.WatermarkAfter,
		CommittedAt: o.StartedAt.Add(o.Duration),
	})
	if err != nil {
		return err
	}

	ch, err := p.dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(p.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	return ch.PublishWithContext(ctx, "", p.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    o.RunID,
		Type:         EventType,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}
