package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ChuLiYu/geostream/pkg/types"
)

var (
	// ErrAlreadyPublished: the reference is already announced by this node
	ErrAlreadyPublished = errors.New("transfer: pipeline already published")
	// ErrNotPublished: unpublish of a reference this node never announced
	ErrNotPublished = errors.New("transfer: pipeline not published")
	// ErrNacked: the broker refused the announcement
	ErrNacked = errors.New("transfer: announcement not confirmed by broker")
)

// Publisher announces pipeline availability to the peer network.
type Publisher interface {
	Publish(ctx context.Context, ref types.PipelineRef) error
	Unpublish(ctx context.Context, ref types.PipelineRef) error
	IsPublished(ref types.PipelineRef) bool
	Close() error
}

// Announcement is the message body peers receive.
type Announcement struct {
	Action string            `json:"action"`
	Ref    types.PipelineRef `json:"ref"`
	NodeID string            `json:"node_id"`
	At     time.Time         `json:"at"`
}

const (
	actionPublish   = "publish"
	actionUnpublish = "unpublish"
)

// registry is the set of references this node has announced.
type registry struct {
	mu  sync.Mutex
	set map[types.PipelineRef]struct{}
}

func (r *registry) has(ref types.PipelineRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[ref]
	return ok
}

func (r *registry) put(ref types.PipelineRef, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set == nil {
		r.set = make(map[types.PipelineRef]struct{})
	}
	if on {
		r.set[ref] = struct{}{}
	} else {
		delete(r.set, ref)
	}
}

// LocalPublisher only remembers what was announced. It serves nodes that run
// without a broker.
type LocalPublisher struct {
	log *slog.Logger
	reg registry
}

// NewLocalPublisher returns an empty local publisher.
func NewLocalPublisher(logger *slog.Logger) *LocalPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalPublisher{log: logger}
}

func (p *LocalPublisher) Publish(_ context.Context, ref types.PipelineRef) error {
	if p.reg.has(ref) {
		return ErrAlreadyPublished
	}
	p.reg.put(ref, true)
	p.log.Info("pipeline published", "ref", ref)
	return nil
}

func (p *LocalPublisher) Unpublish(_ context.Context, ref types.PipelineRef) error {
	if !p.reg.has(ref) {
		return ErrNotPublished
	}
	p.reg.put(ref, false)
	p.log.Info("pipeline unpublished", "ref", ref)
	return nil
}

func (p *LocalPublisher) IsPublished(ref types.PipelineRef) bool { return p.reg.has(ref) }

func (p *LocalPublisher) Close() error { return nil }

// AMQPConfig holds the broker settings of an AMQPPublisher.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	NodeID     string
	Heartbeat  time.Duration
	// ConfirmTimeout bounds the wait for a broker ack.
	ConfirmTimeout time.Duration
}

// AMQPPublisher announces on a topic exchange with publisher confirms.
type AMQPPublisher struct {
	cfg    AMQPConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	reg     registry
}

// DialAMQP connects, enables confirms and declares the exchange.
func DialAMQP(cfg AMQPConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "gwss.pipelines"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "pipeline"
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 10 * time.Second
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logger.Info("RabbitMQ publisher initialized", slog.String("exchange", cfg.Exchange))
	return &AMQPPublisher{cfg: cfg, logger: logger, conn: conn, channel: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ref types.PipelineRef) error {
	if p.reg.has(ref) {
		return ErrAlreadyPublished
	}
	if err := p.announce(ctx, actionPublish, ref); err != nil {
		return err
	}
	p.reg.put(ref, true)
	return nil
}

func (p *AMQPPublisher) Unpublish(ctx context.Context, ref types.PipelineRef) error {
	if !p.reg.has(ref) {
		return ErrNotPublished
	}
	if err := p.announce(ctx, actionUnpublish, ref); err != nil {
		return err
	}
	p.reg.put(ref, false)
	return nil
}

func (p *AMQPPublisher) IsPublished(ref types.PipelineRef) bool { return p.reg.has(ref) }

func (p *AMQPPublisher) announce(ctx context.Context, action string, ref types.PipelineRef) error {
	body, err := encodeAnnouncement(action, ref, p.cfg.NodeID, time.Now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.channel == nil {
		p.mu.Unlock()
		return fmt.Errorf("not connected to RabbitMQ")
	}
	conf, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		p.cfg.Exchange,   // exchange
		p.cfg.RoutingKey, // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", action, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()
	acked, err := conf.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("waiting for confirm of %s %s: %w", action, ref, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s %s", ErrNacked, action, ref)
	}
	p.logger.Debug("announcement confirmed", slog.String("action", action), slog.String("ref", string(ref)))
	return nil
}

func encodeAnnouncement(action string, ref types.PipelineRef, nodeID string, at time.Time) ([]byte, error) {
	return json.Marshal(Announcement{Action: action, Ref: ref, NodeID: nodeID, At: at.UTC()})
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Info("Closing RabbitMQ connection")
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
		p.channel = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
