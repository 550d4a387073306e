package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"paylifecycle/internal/app/payments"
	"paylifecycle/internal/domain"
	"paylifecycle/internal/gateway"
	"paylifecycle/internal/infrastructure/database"
	"paylifecycle/internal/repository/event_ledger_repo"
	"paylifecycle/internal/repository/payments_repo"
)

const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
	EventPaymentIntentProcessing  = "payment_intent.processing"
	EventChargeRefunded           = "charge.refunded"
	EventChargeDisputeCreated     = "charge.dispute.created"
)

type ResultStatus string

const (
	ResultProcessed        ResultStatus = "processed"
	ResultAlreadyProcessed ResultStatus = "already_processed"
	ResultUnhandled        ResultStatus = "unhandled"
	ResultError            ResultStatus = "error"
)

type Result struct {
	Status         ResultStatus         `json:"status"`
	EventID        string               `json:"event_id"`
	EventType      string               `json:"event_type"`
	PaymentID      string               `json:"payment_id,omitempty"`
	PreviousStatus domain.PaymentStatus `json:"previous_status,omitempty"`
	CurrentStatus  domain.PaymentStatus `json:"current_status,omitempty"`
}

// PaymentApplier is the part of payments.Service the ingestor writes through.
type PaymentApplier interface {
	ApplySnapshot(ctx context.Context, q domain.Querier, p *domain.Payment, snap domain.GatewaySnapshot) (domain.Transition, error)
	MarkProcessingTx(ctx context.Context, q domain.Querier, p *domain.Payment, intentID string) (domain.Transition, error)
	RecordDisputeTx(ctx context.Context, q domain.Querier, p *domain.Payment, d payments.Dispute) error
}

type Ingestor struct {
	transactor  database.Transactor
	ledgerRepo  event_ledger_repo.EventLedgerRepository
	paymentRepo payments_repo.PaymentRepository
	applier     PaymentApplier
	secret      string
	clock       clockwork.Clock
	logger      *zap.Logger
}

func NewIngestor(
	transactor database.Transactor,
	ledgerRepo event_ledger_repo.EventLedgerRepository,
	paymentRepo payments_repo.PaymentRepository,
	applier PaymentApplier,
	secret string,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Ingestor {
	return &Ingestor{
		transactor:  transactor,
		ledgerRepo:  ledgerRepo,
		paymentRepo: paymentRepo,
		applier:     applier,
		secret:      secret,
		clock:       clock,
		logger:      logger.With(zap.String("component", "WebhookIngestor")),
	}
}

// HandleWebhook verifies and applies one gateway notification.
//
// Ledger insert, payment update, audit rows and outbox message share one
// transaction, so a redelivered event either sees processed=true or redoes
// all of it. When the payment is unknown the ledger row is committed
// unprocessed and ErrPaymentNotFound is returned, so the gateway retries.
func (i *Ingestor) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*Result, error) {
	evt, err := stripewebhook.ConstructEventWithOptions(payload, signatureHeader, i.secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		i.logger.Warn("Rejected webhook with invalid signature", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
	}

	res := &Result{EventID: evt.ID, EventType: string(evt.Type)}
	log := i.logger.With(zap.String("event_id", evt.ID), zap.String("event_type", string(evt.Type)))

	var deferredErr error
	err = i.transactor.WithinTx(ctx, func(ctx context.Context, q domain.Querier) error {
		entry, created, err := i.ledgerRepo.GetOrCreateForUpdateTx(ctx, q, evt.ID, string(evt.Type), i.clock.Now().UTC())
		if err != nil {
			return err
		}
		if entry.Processed {
			res.Status = ResultAlreadyProcessed
			return nil
		}
		if !created {
			log.Info("Retrying event left unprocessed by an earlier delivery")
		}

		handled, err := i.dispatch(ctx, q, &evt, res)
		if errors.Is(err, domain.ErrPaymentNotFound) {
			res.Status = ResultError
			deferredErr = err
			return nil
		}
		if err != nil {
			return err
		}
		if handled {
			res.Status = ResultProcessed
		} else {
			res.Status = ResultUnhandled
		}
		return i.ledgerRepo.MarkProcessedTx(ctx, q, evt.ID, i.clock.Now().UTC())
	})
	if err != nil {
		log.Error("Failed to process webhook", zap.Error(err))
		res.Status = ResultError
		return res, fmt.Errorf("failed to process event %s: %w", evt.ID, err)
	}
	if deferredErr != nil {
		log.Warn("Webhook references unknown payment, left unprocessed for retry", zap.Error(deferredErr))
		return res, deferredErr
	}

	log.Info("Webhook handled",
		zap.String("status", string(res.Status)),
		zap.String("payment_id", res.PaymentID),
		zap.String("current_status", string(res.CurrentStatus)))
	return res, nil
}

func (i *Ingestor) dispatch(ctx context.Context, q domain.Querier, evt *stripe.Event, res *Result) (bool, error) {
	switch string(evt.Type) {
	case EventCheckoutSessionCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
			return false, fmt.Errorf("failed to parse checkout session: %w", err)
		}
		p, err := i.paymentRepo.GetByCheckoutSessionIDForUpdateTx(ctx, q, cs.ID)
		if err != nil {
			return false, err
		}
		return true, i.apply(ctx, q, p, domain.SnapshotFromSession(gateway.SessionSnapshotFromStripe(&cs)), res)

	case EventPaymentIntentSucceeded, EventPaymentIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return false, fmt.Errorf("failed to parse payment intent: %w", err)
		}
		p, err := i.lockByIntent(ctx, q, pi.ID, pi.Metadata["payment_id"])
		if err != nil {
			return false, err
		}
		return true, i.apply(ctx, q, p, domain.SnapshotFromIntent(gateway.IntentSnapshotFromStripe(&pi)), res)

	case EventPaymentIntentProcessing:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return false, fmt.Errorf("failed to parse payment intent: %w", err)
		}
		p, err := i.lockByIntent(ctx, q, pi.ID, pi.Metadata["payment_id"])
		if err != nil {
			return false, err
		}
		res.PaymentID = p.ID
		tr, err := i.applier.MarkProcessingTx(ctx, q, p, pi.ID)
		if err != nil {
			return false, err
		}
		res.PreviousStatus = tr.From
		res.CurrentStatus = tr.To
		return true, nil

	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return false, fmt.Errorf("failed to parse charge: %w", err)
		}
		intentID := ""
		if ch.PaymentIntent != nil {
			intentID = ch.PaymentIntent.ID
		}
		p, err := i.lockByIntent(ctx, q, intentID, ch.Metadata["payment_id"])
		if err != nil {
			return false, err
		}
		// A refunded charge belongs to a succeeded intent; the refund override
		// in status mapping decides between refunded and partially_refunded.
		snap := domain.SnapshotFromIntent(&domain.IntentSnapshot{
			PaymentIntentID: intentID,
			Status:          domain.IntentStatusSucceeded,
			Amount:          ch.Amount,
			Currency:        string(ch.Currency),
			Charges:         []domain.ChargeSnapshot{gateway.ChargeSnapshotFromStripe(&ch)},
		})
		return true, i.apply(ctx, q, p, snap, res)

	case EventChargeDisputeCreated:
		var d stripe.Dispute
		if err := json.Unmarshal(evt.Data.Raw, &d); err != nil {
			return false, fmt.Errorf("failed to parse dispute: %w", err)
		}
		intentID := ""
		if d.PaymentIntent != nil {
			intentID = d.PaymentIntent.ID
		}
		p, err := i.lockByIntent(ctx, q, intentID, d.Metadata["payment_id"])
		if err != nil {
			return false, err
		}
		res.PaymentID = p.ID
		res.PreviousStatus = p.Status
		res.CurrentStatus = p.Status
		return true, i.applier.RecordDisputeTx(ctx, q, p, payments.Dispute{
			ID:        d.ID,
			Reason:    string(d.Reason),
			Amount:    domain.FromMinorUnits(d.Amount),
			CreatedAt: time.Unix(d.Created, 0),
		})
	}
	return false, nil
}

func (i *Ingestor) apply(ctx context.Context, q domain.Querier, p *domain.Payment, snap domain.GatewaySnapshot, res *Result) error {
	res.PaymentID = p.ID
	tr, err := i.applier.ApplySnapshot(ctx, q, p, snap)
	if err != nil {
		return err
	}
	res.PreviousStatus = tr.From
	res.CurrentStatus = tr.To
	return nil
}

// lockByIntent finds the payment by intent id, falling back to the payment id
// we put in the intent metadata at checkout. The fallback covers intent
// events that arrive before checkout.session.completed.
func (i *Ingestor) lockByIntent(ctx context.Context, q domain.Querier, intentID, paymentID string) (*domain.Payment, error) {
	if intentID != "" {
		p, err := i.paymentRepo.GetByPaymentIntentIDForUpdateTx(ctx, q, intentID)
		if err == nil || !errors.Is(err, domain.ErrPaymentNotFound) {
			return p, err
		}
	}
	if paymentID != "" {
		return i.paymentRepo.GetByIDForUpdateTx(ctx, q, paymentID)
	}
	return nil, fmt.Errorf("no payment for intent %q: %w", intentID, domain.ErrPaymentNotFound)
}

// UnprocessedEvents lists ledger entries still unprocessed minAge after they
// were received, oldest first. These are events whose payment was unknown on
// every delivery so far.
func (i *Ingestor) UnprocessedEvents(ctx context.Context, minAge time.Duration, limit int) ([]domain.EventLedgerEntry, error) {
	cutoff := i.clock.Now().UTC().Add(-minAge)
	var out []domain.EventLedgerEntry
	err := i.transactor.WithinTx(ctx, func(ctx context.Context, q domain.Querier) error {
		entries, err := i.ledgerRepo.ListUnprocessedTx(ctx, q, cutoff, limit)
		if err != nil {
			return err
		}
		out = entries
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		i.logger.Warn("Unprocessed webhook events pending", zap.Int("count", len(out)), zap.Time("received_before", cutoff))
	}
	return out, nil
}
