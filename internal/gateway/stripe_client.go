package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"paylifecycle/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Stripe only accepts these reasons; anything else goes to metadata.
var refundReasons = map[string]bool{
	string(stripe.RefundReasonDuplicate):           true,
	string(stripe.RefundReasonFraudulent):          true,
	string(stripe.RefundReasonRequestedByCustomer): true,
}

type Options struct {
	Timeout           time.Duration
	BackendURL        string
	MaxNetworkRetries int64
	HTTPClient        *http.Client
	SuccessURL        string
	CancelURL         string
}

type StripeClient struct {
	sc     *stripe.Client
	opts   Options
	logger *zap.Logger
}

func NewStripeClient(apiKey string, opts Options, logger *zap.Logger) *StripeClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(opts.MaxNetworkRetries),
		HTTPClient:        opts.HTTPClient,
	}
	if opts.BackendURL != "" {
		backendCfg.URL = stripe.String(opts.BackendURL)
	}
	sc := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendCfg)))
	return &StripeClient{
		sc:     sc,
		opts:   opts,
		logger: logger.With(zap.String("component", "StripeClient")),
	}
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = c.opts.SuccessURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = c.opts.CancelURL
	}
	name := req.Description
	if name == "" {
		name = "Order " + req.OrderID
	}
	metadata := map[string]string{
		"payment_id":   req.PaymentID,
		"order_id":     req.OrderID,
		"user_id":      req.PayerID,
		"payment_type": string(req.Purpose),
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(withSessionPlaceholder(successURL)),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(domain.ToMinorUnits(req.Amount)),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		},
		Metadata: metadata,
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.PaymentID != "" {
		params.IdempotencyKey = stripe.String("checkout-" + req.PaymentID)
	}

	cs, err := c.sc.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, c.wrapError(ctx, "create_checkout_session", err)
	}
	c.logger.Info("Checkout session created",
		zap.String("session_id", cs.ID),
		zap.String("payment_id", req.PaymentID),
		zap.String("order_id", req.OrderID))
	return &CheckoutSession{SessionID: cs.ID, RedirectURL: cs.URL}, nil
}

func (c *StripeClient) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Metadata: map[string]string{
			"payment_id": req.PaymentID,
		},
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(domain.ToMinorUnits(*req.Amount))
	}
	if req.Reason != "" {
		params.Metadata["reason"] = req.Reason
		if refundReasons[req.Reason] {
			params.Reason = stripe.String(req.Reason)
		}
	}

	rf, err := c.sc.V1Refunds.Create(ctx, params)
	if err != nil {
		return nil, c.wrapError(ctx, "create_refund", err)
	}
	c.logger.Info("Refund created",
		zap.String("refund_id", rf.ID),
		zap.String("payment_intent_id", req.PaymentIntentID),
		zap.Int64("amount", rf.Amount))
	return &RefundResult{
		RefundID:       rf.ID,
		RefundedAmount: domain.FromMinorUnits(rf.Amount),
		Status:         string(rf.Status),
	}, nil
}

func (c *StripeClient) RetrieveSessionStatus(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	cs, err := c.sc.V1CheckoutSessions.Retrieve(ctx, sessionID, &stripe.CheckoutSessionRetrieveParams{})
	if err != nil {
		return nil, c.wrapError(ctx, "retrieve_checkout_session", err)
	}
	return SessionSnapshotFromStripe(cs), nil
}

// RetrievePaymentIntentStatus expands latest_charge so refunds made outside
// this service are visible through amount_refunded.
func (c *StripeClient) RetrievePaymentIntentStatus(ctx context.Context, intentID string) (*domain.IntentSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	params := &stripe.PaymentIntentRetrieveParams{}
	params.AddExpand("latest_charge")
	pi, err := c.sc.V1PaymentIntents.Retrieve(ctx, intentID, params)
	if err != nil {
		return nil, c.wrapError(ctx, "retrieve_payment_intent", err)
	}
	return IntentSnapshotFromStripe(pi), nil
}

func (c *StripeClient) wrapError(ctx context.Context, op string, err error) error {
	gwErr := &domain.GatewayError{Op: op, Err: err, Message: err.Error()}
	var stripeErr *stripe.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		gwErr.Timeout = true
	case errors.As(err, &stripeErr):
		gwErr.StatusCode = stripeErr.HTTPStatusCode
		gwErr.Code = string(stripeErr.Code)
		gwErr.Message = stripeErr.Msg
	}
	c.logger.Warn("Gateway call failed", zap.String("op", op), zap.Error(gwErr))
	return gwErr
}

func withSessionPlaceholder(u string) string {
	if u == "" || strings.Contains(u, "{CHECKOUT_SESSION_ID}") {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "session_id={CHECKOUT_SESSION_ID}"
}
