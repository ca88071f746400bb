// Package events publishes order domain events to a message broker.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/storefront-shop/api/internal/services"
)

// Envelope is the JSON body published for every order event.
type Envelope struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	OccurredAt     time.Time      `json:"occurredAt"`
	OrderID        int64          `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	UserID         int64          `json:"userId,omitempty"`
	ActorID        int64          `json:"actorId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	PaymentStatus  string         `json:"paymentStatus,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewEnvelope assigns a ULID and normalises the timestamp.
func NewEnvelope(event services.OrderEvent) Envelope {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return Envelope{
		ID:             ulid.Make().String(),
		Type:           strings.TrimSpace(event.Type),
		OccurredAt:     occurred.UTC(),
		OrderID:        event.OrderID,
		OrderNumber:    event.OrderNumber,
		UserID:         event.UserID,
		ActorID:        event.ActorID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		PaymentStatus:  event.PaymentStatus,
		Metadata:       event.Metadata,
	}
}

// Attributes returns the routing metadata brokers expose without decoding the body.
func (e Envelope) Attributes() map[string]string {
	attrs := map[string]string{
		"eventId":   e.ID,
		"eventType": e.Type,
		"orderId":   strconv.FormatInt(e.OrderID, 10),
	}
	if e.OrderNumber != "" {
		attrs["orderNumber"] = e.OrderNumber
	}
	return attrs
}

func (e Envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}

// Noop drops events. It is used when no backend is configured.
type Noop struct{}

// PublishOrderEvent implements services.OrderEventPublisher.
func (Noop) PublishOrderEvent(context.Context, services.OrderEvent) error { return nil }
