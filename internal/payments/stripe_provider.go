package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	// Timeout bounds every API call. Zero leaves the caller's deadline in charge.
	Timeout  time.Duration
	Backends *stripe.Backends
	Logger   StripeLogger
	Intents  stripePaymentIntentAPI
}

// StripeProvider implements the Provider interface using Stripe APIs.
type StripeProvider struct {
	intents       stripePaymentIntentAPI
	webhookSecret string
	timeout       time.Duration
	logger        StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	intents := cfg.Intents
	if intents == nil {
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents:       intents,
		webhookSecret: secret,
		timeout:       cfg.Timeout,
		logger:        logger,
	}, nil
}

// CreateIntent creates a Stripe PaymentIntent with automatic payment methods enabled.
func (p *StripeProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if req.Amount <= 0 {
		return Intent{}, &Error{Op: "create intent", Message: "amount must be positive"}
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := p.intents.New(params)
	if err != nil {
		return Intent{}, stripeError("create intent", err)
	}
	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})
	return stripeIntent(intent), nil
}

// GetIntent retrieves a Stripe PaymentIntent.
func (p *StripeProvider) GetIntent(ctx context.Context, intentID string) (Intent, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := p.intents.Get(strings.TrimSpace(intentID), params)
	if err != nil {
		return Intent{}, stripeError("get intent", err)
	}
	return stripeIntent(intent), nil
}

// CancelIntent cancels a Stripe PaymentIntent that has not completed.
func (p *StripeProvider) CancelIntent(ctx context.Context, intentID string) (Intent, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	intent, err := p.intents.Cancel(strings.TrimSpace(intentID), params)
	if err != nil {
		return Intent{}, stripeError("cancel intent", err)
	}
	p.logger(ctx, "payments.stripe.intent.canceled", map[string]any{
		"paymentIntent": intent.ID,
	})
	return stripeIntent(intent), nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event object. A verified event
// whose object does not decode returns ErrUndecodableEvent rather than ErrInvalidSignature.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{
		ID:      evt.ID,
		Type:    string(evt.Type),
		Created: time.Unix(evt.Created, 0).UTC(),
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return out, nil
	}

	switch {
	case strings.HasPrefix(out.Type, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("%w: %s payment intent: %v", ErrUndecodableEvent, evt.ID, err)
		}
		intent := stripeIntent(&pi)
		out.Intent = &intent
		out.PaymentIntentID = pi.ID
	case strings.HasPrefix(out.Type, "charge."):
		var charge stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &charge); err != nil {
			return Event{}, fmt.Errorf("%w: %s charge: %v", ErrUndecodableEvent, evt.ID, err)
		}
		if charge.PaymentIntent != nil {
			out.PaymentIntentID = charge.PaymentIntent.ID
		}
	}
	return out, nil
}

func (p *StripeProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}
	out := Intent{
		ID:           intent.ID,
		Status:       IntentStatus(intent.Status),
		Amount:       intent.Amount,
		Currency:     strings.ToLower(string(intent.Currency)),
		ClientSecret: intent.ClientSecret,
		Created:      time.Unix(intent.Created, 0).UTC(),
	}
	if len(intent.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(intent.Metadata))
		for k, v := range intent.Metadata {
			out.Metadata[k] = v
		}
	}
	if intent.LastPaymentError != nil {
		out.LastError = intent.LastPaymentError.Msg
	}
	return out
}

func stripeError(op string, err error) error {
	out := &Error{Op: op, Err: err}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		out.Message = serr.Msg
		out.Code = string(serr.Code)
		if serr.HTTPStatusCode == http.StatusNotFound || serr.Code == stripe.ErrorCodeResourceMissing {
			out.Err = fmt.Errorf("%w: %v", ErrIntentNotFound, err)
		}
	}
	return out
}
