package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/storefront-shop/api/internal/services"
)

// AMQPChannel is the subset of *amqp.Channel used for publishing.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ AMQPChannel = (*amqp.Channel)(nil)

// RabbitMQPublisher publishes order events to a durable topic exchange, routed by event type.
type RabbitMQPublisher struct {
	channel  AMQPChannel
	conn     *amqp.Connection
	exchange string
}

var _ services.OrderEventPublisher = (*RabbitMQPublisher)(nil)

// DialRabbitMQ connects to the broker and declares the exchange.
func DialRabbitMQ(url, exchange string) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq publisher: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq publisher: open channel: %w", err)
	}
	publisher, err := NewRabbitMQPublisher(ch, exchange)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	publisher.conn = conn
	return publisher, nil
}

// NewRabbitMQPublisher declares the exchange on an open channel.
func NewRabbitMQPublisher(ch AMQPChannel, exchange string) (*RabbitMQPublisher, error) {
	if ch == nil {
		return nil, errors.New("rabbitmq publisher: channel is required")
	}
	if exchange == "" {
		return nil, errors.New("rabbitmq publisher: exchange is required")
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("rabbitmq publisher: declare exchange %s: %w", exchange, err)
	}
	return &RabbitMQPublisher{channel: ch, exchange: exchange}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *RabbitMQPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	envelope := NewEnvelope(event)
	body, err := envelope.encode()
	if err != nil {
		return fmt.Errorf("rabbitmq publisher: encode %s: %w", envelope.Type, err)
	}

	headers := amqp.Table{}
	for key, value := range envelope.Attributes() {
		headers[key] = value
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.ID,
		Timestamp:    envelope.OccurredAt.Truncate(time.Second),
		Type:         envelope.Type,
		Headers:      headers,
		Body:         body,
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, envelope.Type, false, false, msg); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("rabbitmq publisher: publish %s: %w: %v", envelope.Type, ErrBrokerUnavailable, err)
		}
		return fmt.Errorf("rabbitmq publisher: publish %s: %w", envelope.Type, err)
	}
	return nil
}

// Close releases the channel and, when dialled here, the connection.
func (p *RabbitMQPublisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
