/**
 * @description
 * This package provides a simple producer for publishing transfer status events
 * to RabbitMQ. It encapsulates the logic for connecting to RabbitMQ and publishing
 * a JSON message to a topic exchange.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - go.uber.org/zap: Structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransferStatusEvent is published when a transfer record reaches a terminal status.
type TransferStatusEvent struct {
	TransferID    uuid.UUID       `json:"transfer_id"`
	FromOwnerID   int64           `json:"from_owner_id"`
	ToOwnerID     int64           `json:"to_owner_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// RoutingKey is "transfer.status.<status>" with the status lowercased.
func (e TransferStatusEvent) RoutingKey() string {
	return "transfer.status." + strings.ToLower(e.Status)
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishTransferStatus(ctx context.Context, event TransferStatusEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct {
	Logger *zap.Logger
}

func (p *EventProducerFallback) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.logger().Warn("publish skipped",
		zap.String("component", "rabbitmq_producer"),
		zap.String("mode", "fallback"),
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey))
	return nil
}

func (p *EventProducerFallback) PublishTransferStatus(ctx context.Context, event TransferStatusEvent) error {
	p.logger().Warn("transfer status event publish skipped",
		zap.String("component", "rabbitmq_producer"),
		zap.String("mode", "fallback"),
		zap.String("transfer_id", event.TransferID.String()),
		zap.String("status", event.Status))
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Drop stray characters before the scheme.
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// amqpChannel is the part of *amqp091.Channel the producer uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu          sync.Mutex
	conn        *amqp091.Connection
	channel     amqpChannel
	openChannel func() (amqpChannel, error)
	exchange    string
	logger      *zap.Logger
}

// NewEventProducer connects to RabbitMQ. Transfer status events go to exchange.
func NewEventProducer(amqpURL, exchange string, logger *zap.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Bounded dial so startup does not hang.
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{
		conn:    conn,
		channel: ch,
		openChannel: func() (amqpChannel, error) {
			ch, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		exchange: exchange,
		logger:   logger.With(zap.String("component", "rabbitmq_producer")),
	}, nil
}

func declareExchange(ch amqpChannel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

// reopen closes the current channel and replaces it. Callers hold p.mu.
func (p *EventProducer) reopen(exchange string) error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			p.logger.Debug("closing broken channel failed", zap.Error(err))
		}
	}
	ch, err := p.openChannel()
	if err != nil {
		p.channel = nil
		return err
	}
	p.channel = ch
	return declareExchange(ch, exchange)
}

// Publish sends a JSON message to exchange with routingKey, reopening the
// channel and retrying once on failure.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("json marshal failed",
			zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		if err := p.reopen(exchange); err != nil {
			return err
		}
	} else if err := declareExchange(p.channel, exchange); err != nil {
		p.logger.Warn("exchange declare failed; reopening channel", zap.String("exchange", exchange), zap.Error(err))
		if err := p.reopen(exchange); err != nil {
			return err
		}
	}

	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}

	p.logger.Warn("publish failed; reopening channel",
		zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))
	if reopenErr := p.reopen(exchange); reopenErr != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

// PublishTransferStatus publishes event to the configured exchange.
func (p *EventProducer) PublishTransferStatus(ctx context.Context, event TransferStatusEvent) error {
	return p.Publish(ctx, p.exchange, event.RoutingKey(), event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
