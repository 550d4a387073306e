package gateway

import (
	"github.com/stripe/stripe-go/v82"

	"paylifecycle/internal/domain"
)

// SessionSnapshotFromStripe converts a checkout session as returned by the
// API or carried in a webhook.
func SessionSnapshotFromStripe(cs *stripe.CheckoutSession) *domain.SessionSnapshot {
	snap := &domain.SessionSnapshot{
		SessionID:     cs.ID,
		Status:        string(cs.Status),
		PaymentStatus: string(cs.PaymentStatus),
		AmountTotal:   cs.AmountTotal,
		Currency:      string(cs.Currency),
	}
	if cs.PaymentIntent != nil {
		snap.PaymentIntentID = cs.PaymentIntent.ID
	}
	return snap
}

func IntentSnapshotFromStripe(pi *stripe.PaymentIntent) *domain.IntentSnapshot {
	snap := &domain.IntentSnapshot{
		PaymentIntentID: pi.ID,
		Status:          string(pi.Status),
		Amount:          pi.Amount,
		Currency:        string(pi.Currency),
	}
	if pi.LastPaymentError != nil {
		snap.LastError = pi.LastPaymentError.Msg
	}
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		snap.Charges = append(snap.Charges, ChargeSnapshotFromStripe(pi.LatestCharge))
	}
	return snap
}

func ChargeSnapshotFromStripe(ch *stripe.Charge) domain.ChargeSnapshot {
	snap := domain.ChargeSnapshot{
		ID:             ch.ID,
		Amount:         ch.Amount,
		AmountRefunded: ch.AmountRefunded,
		Refunded:       ch.Refunded,
	}
	if ch.Refunds != nil && len(ch.Refunds.Data) > 0 && ch.Refunds.Data[0] != nil {
		snap.RefundID = ch.Refunds.Data[0].ID
	}
	return snap
}
