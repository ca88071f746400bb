package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// IntentStatus mirrors the PSP payment intent lifecycle states.
type IntentStatus string

const (
	IntentStatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentStatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentStatusRequiresAction        IntentStatus = "requires_action"
	IntentStatusProcessing            IntentStatus = "processing"
	IntentStatusRequiresCapture       IntentStatus = "requires_capture"
	IntentStatusCanceled              IntentStatus = "canceled"
	IntentStatusSucceeded             IntentStatus = "succeeded"
)

// Cancellable reports whether the PSP still accepts a cancel call for the intent.
func (s IntentStatus) Cancellable() bool {
	return s != IntentStatusSucceeded && s != IntentStatusCanceled
}

// Webhook event types the reconciliation layer reacts to.
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
	EventPaymentIntentCanceled  = "payment_intent.canceled"
	EventChargeRefunded         = "charge.refunded"
)

// Metadata keys written on every intent.
const (
	MetadataOrderID     = "orderId"
	MetadataOrderNumber = "orderNumber"
	MetadataUserID      = "userId"
)

var (
	// ErrInvalidSignature indicates a webhook payload failed verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrUndecodableEvent indicates a verified webhook whose object could not be decoded.
	ErrUndecodableEvent = errors.New("payments: undecodable webhook event")
	// ErrIntentNotFound indicates the PSP has no intent with the given id.
	ErrIntentNotFound = errors.New("payments: intent not found")
)

// CreateIntentRequest captures the payload for creating a payment intent.
type CreateIntentRequest struct {
	// Amount is in currency minor units.
	Amount         int64
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the normalised view of a PSP payment intent.
type Intent struct {
	ID           string
	Status       IntentStatus
	Amount       int64
	Currency     string
	ClientSecret string
	Created      time.Time
	Metadata     map[string]string
	// LastError carries the PSP decline message, if any.
	LastError string
}

// Event is a verified webhook notification.
type Event struct {
	ID   string
	Type string
	// Intent is set for payment_intent.* events.
	Intent *Intent
	// PaymentIntentID is the intent referenced by the event object, for charge events as well.
	PaymentIntentID string
	Created         time.Time
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error)
	GetIntent(ctx context.Context, intentID string) (Intent, error)
	CancelIntent(ctx context.Context, intentID string) (Intent, error)
	// ParseWebhook verifies the signature header against the payload before decoding it.
	ParseWebhook(payload []byte, signature string) (Event, error)
}

// Error wraps a PSP failure together with the message the PSP returned.
type Error struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("payments: %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("payments: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a major-unit amount into integer minor units, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts integer minor units back to a major-unit amount.
func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
