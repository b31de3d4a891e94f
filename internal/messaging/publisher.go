package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"novel-stream/internal/metrics"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const lifecycleExchangeType = "topic"

// ErrPublisherClosed - публикация после Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// Publisher публикует события жизненного цикла историй.
type Publisher interface {
	Publish(ctx context.Context, event LifecycleEvent) error
	Close() error
}

// NoopPublisher используется, когда брокер не настроен.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, LifecycleEvent) error { return nil }
func (NoopPublisher) Close() error                                  { return nil }

// Channel - часть *amqp091.Channel, нужная издателю.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// RabbitMQPublisher отправляет события в topic exchange, routing key = тип события.
type RabbitMQPublisher struct {
	ch           Channel
	logger       *zap.Logger
	exchangeName string
	closed       atomic.Bool
}

// NewRabbitMQPublisher открывает канал на соединении и объявляет exchange.
func NewRabbitMQPublisher(conn *amqp091.Connection, exchangeName string, logger *zap.Logger) (*RabbitMQPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	ch, err := conn.Channel()
	if err != nil {
		logger.Error("Failed to open a channel for lifecycle events", zap.Error(err))
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	return NewRabbitMQPublisherWithChannel(ch, exchangeName, logger)
}

// NewRabbitMQPublisherWithChannel объявляет durable exchange на готовом канале.
// При ошибке канал закрывается.
func NewRabbitMQPublisherWithChannel(ch Channel, exchangeName string, logger *zap.Logger) (*RabbitMQPublisher, error) {
	err := ch.ExchangeDeclare(
		exchangeName,
		lifecycleExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		logger.Error("Failed to declare lifecycle exchange", zap.String("exchange", exchangeName), zap.Error(err))
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", exchangeName, err)
	}

	logger.Info("Lifecycle exchange declared", zap.String("exchange", exchangeName), zap.String("type", lifecycleExchangeType))
	return &RabbitMQPublisher{
		ch:           ch,
		logger:       logger.Named("LifecyclePublisher"),
		exchangeName: exchangeName,
	}, nil
}

// Publish сериализует событие в JSON и публикует его.
func (p *RabbitMQPublisher) Publish(ctx context.Context, event LifecycleEvent) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal lifecycle event", zap.Error(err), zap.String("storyID", event.StoryID))
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		p.exchangeName,
		string(event.Type), // routing key
		false,              // mandatory
		false,              // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Type:         string(event.Type),
			Body:         body,
		},
	)
	if err != nil {
		metrics.LifecycleEventsPublished.WithLabelValues(string(event.Type), "error").Inc()
		p.logger.Error("Failed to publish lifecycle event",
			zap.Error(err), zap.String("type", string(event.Type)), zap.String("storyID", event.StoryID))
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}

	metrics.LifecycleEventsPublished.WithLabelValues(string(event.Type), "ok").Inc()
	p.logger.Debug("Lifecycle event published", zap.String("type", string(event.Type)), zap.String("storyID", event.StoryID))
	return nil
}

// Close закрывает канал. Соединение принадлежит вызывающему.
func (p *RabbitMQPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.ch.Close()
}
