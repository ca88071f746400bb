package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/storefront-shop/api/internal/services"
)

// ErrBrokerUnavailable marks publish failures worth retrying later.
var ErrBrokerUnavailable = errors.New("events: broker unavailable")

// PubSubPublisher publishes order events to a Pub/Sub topic, ordered per order.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

var _ services.OrderEventPublisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher wraps a topic. Message ordering is enabled on the topic.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{topic: topic}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher and waits for the server ack.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	envelope := NewEnvelope(event)
	data, err := envelope.encode()
	if err != nil {
		return fmt.Errorf("pubsub publisher: encode %s: %w", envelope.Type, err)
	}

	orderingKey := "order-" + strconv.FormatInt(envelope.OrderID, 10)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  envelope.Attributes(),
		OrderingKey: orderingKey,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until resumed.
		p.topic.ResumePublish(orderingKey)
		return classifyPublishError(envelope.Type, err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}

func classifyPublishError(eventType string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("pubsub publisher: publish %s: %w: %v", eventType, ErrBrokerUnavailable, err)
	default:
		return fmt.Errorf("pubsub publisher: publish %s: %w", eventType, err)
	}
}
