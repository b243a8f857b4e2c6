// Package stripe reports paid continuous-use allocations to Stripe as billing
// meter events.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/entitlements/internal/billing/domain"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const defaultMeterEvent = "entitlement_usage"

type Config struct {
	SecretKey  string
	APIURL     string
	MeterEvent string
}

type Hook struct {
	events    meterevent.Client
	eventName string
	log       *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Hook, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, errors.New("stripe secret key is required")
	}
	eventName := strings.TrimSpace(cfg.MeterEvent)
	if eventName == "" {
		eventName = defaultMeterEvent
	}

	backendCfg := &stripego.BackendConfig{MaxNetworkRetries: stripego.Int64(2)}
	if url := strings.TrimSpace(cfg.APIURL); url != "" {
		backendCfg.URL = stripego.String(url)
	}

	return &Hook{
		events: meterevent.Client{
			B:   stripego.GetBackendWithConfig(stripego.APIBackend, backendCfg),
			Key: key,
		},
		eventName: eventName,
		log:       log.Named("billing.stripe"),
	}, nil
}

// Commit records the added usage for the charge. Units given back are not
// reported; Stripe invoices the net metered quantity.
func (h *Hook) Commit(ctx context.Context, charge domain.Charge) error {
	if strings.TrimSpace(charge.ProcessorCustomerID) == "" {
		return domain.ErrMissingProcessorID
	}
	quantity := charge.Quantity()
	if !quantity.IsPositive() {
		return nil
	}

	ctx, span := otel.Tracer("entitlements/billing").Start(ctx, "billing.commit")
	defer span.End()
	span.SetAttributes(
		attribute.String("feature_id", charge.FeatureID),
		attribute.String("entitlement_id", charge.EntitlementID),
	)

	params := &stripego.BillingMeterEventParams{
		Params:     stripego.Params{Context: ctx},
		EventName:  stripego.String(h.eventName),
		Identifier: stripego.String(identifier(charge)),
		Payload: map[string]string{
			"stripe_customer_id": charge.ProcessorCustomerID,
			"value":              quantity.String(),
			"feature_id":         charge.FeatureID,
		},
	}
	if charge.PriceID != "" {
		params.Payload["price_id"] = charge.PriceID
	}
	if !charge.OccurredAt.IsZero() {
		params.Timestamp = stripego.Int64(charge.OccurredAt.Unix())
	}

	if _, err := h.events.New(params); err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "meter event rejected")
		return err
	}

	h.log.Debug("meter event recorded",
		zap.String("customer_id", charge.CustomerID),
		zap.String("feature_id", charge.FeatureID),
		zap.String("quantity", quantity.String()),
	)
	return nil
}

func identifier(charge domain.Charge) string {
	if charge.IdempotencyKey == "" {
		return charge.EntitlementID
	}
	return charge.IdempotencyKey + ":" + charge.EntitlementID
}

func classify(err error) error {
	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("stripe meter event: %w", err)
	}
	if stripeErr.Type == stripego.ErrorTypeCard ||
		stripeErr.Code == stripego.ErrorCodeCardDeclined ||
		stripeErr.DeclineCode != "" {
		return &domain.DeclineError{Code: string(stripeErr.Code), Message: stripeErr.Msg}
	}
	return fmt.Errorf("stripe meter event: %w", err)
}
