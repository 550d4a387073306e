package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"paylifecycle/internal/domain"
	"paylifecycle/internal/domain/event"
)

// ApplySnapshot reconciles a locked payment with what the gateway reports.
// The caller must hold the row lock (SELECT ... FOR UPDATE) inside q.
//
// Amount and currency are never touched. A snapshot that maps to a status the
// state machine does not allow is a no-op apart from recording gateway ids.
// When the gateway is already past a step we never saw (a refund on a payment
// still pending here) every step is applied in order, each with its own audit
// row and callback.
func (s *Service) ApplySnapshot(ctx context.Context, q domain.Querier, p *domain.Payment, snap domain.GatewaySnapshot) (domain.Transition, error) {
	now := s.Now()
	ensureMetadata(p)

	refsChanged := recordGatewayRefs(p, snap)

	result := domain.Transition{From: p.Status, To: p.Status}
	for _, target := range domain.GatewayStatusPath(p.Status, snap, p.MinorUnits()) {
		tr := p.ApplyStatus(target, now, snap.LastError())
		if !tr.Changed {
			break
		}
		if err := s.paymentRepo.UpdateTx(ctx, q, p); err != nil {
			return result, err
		}
		msg := fmt.Sprintf("Status changed from %s to %s via %s", tr.From, tr.To, snap.Source)
		if err := s.appendEvent(ctx, q, p, domain.EventTypeForStatus(tr.To), msg); err != nil {
			return result, err
		}
		if err := s.enqueueForTransition(ctx, q, p, tr); err != nil {
			return result, err
		}
		s.logger.Info("Payment status changed",
			zap.String("payment_id", p.ID),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.String("source", string(snap.Source)))

		result.To = tr.To
		result.Changed = true
		result.Completed = result.Completed || tr.Completed
		result.Refunded = result.Refunded || tr.Refunded
	}

	if !result.Changed && refsChanged {
		p.UpdatedAt = now
		if err := s.paymentRepo.UpdateTx(ctx, q, p); err != nil {
			return result, err
		}
	}
	return result, nil
}

// RecordDisputeTx notes a dispute in metadata and the audit trail. Status is
// left alone: a dispute is not a refund until the gateway says so.
func (s *Service) RecordDisputeTx(ctx context.Context, q domain.Querier, p *domain.Payment, d Dispute) error {
	ensureMetadata(p)
	p.Metadata.Extend("dispute_created", true)
	p.Metadata.Extend("dispute_id", d.ID)
	p.Metadata.Extend("dispute_date", d.CreatedAt.UTC().Format(time.RFC3339))
	p.Metadata.Extend("dispute_reason", d.Reason)
	p.Metadata.Extend("dispute_amount", d.Amount.StringFixed(2))
	p.UpdatedAt = s.Now()

	if err := s.paymentRepo.UpdateTx(ctx, q, p); err != nil {
		return err
	}
	s.logger.Warn("Dispute opened", zap.String("payment_id", p.ID), zap.String("dispute_id", d.ID), zap.String("reason", d.Reason))
	return s.appendEvent(ctx, q, p, domain.PaymentEventDisputeCreated, "Dispute created: "+d.Reason)
}

func (s *Service) enqueueForTransition(ctx context.Context, q domain.Querier, p *domain.Payment, tr domain.Transition) error {
	switch {
	case tr.Completed:
		return s.enqueueCallback(ctx, q, p, domain.OutboxTypePaymentCompleted, event.StatusSuccess)
	case tr.Refunded:
		status := event.StatusRefunded
		if tr.To == domain.PaymentStatusPartiallyRefunded {
			status = event.StatusPartiallyRefunded
		}
		return s.enqueueCallback(ctx, q, p, domain.OutboxTypePaymentRefunded, status)
	}
	return nil
}

func (s *Service) enqueueCallback(ctx context.Context, q domain.Querier, p *domain.Payment, msgType, status string) error {
	now := s.Now()
	payload, err := json.Marshal(event.PaymentStatusUpdateEvent{
		Type:      msgType,
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		UserID:    p.PayerID,
		Amount:    p.Amount.StringFixed(2),
		Currency:  p.Currency,
		Purpose:   string(p.Purpose),
		Status:    status,
		RefundID:  p.RefundID,
		Timestamp: now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal order callback for %s: %w", p.ID, err)
	}
	msg := &domain.OutboxMessage{
		ID:          s.newID(),
		AggregateID: p.ID,
		OrderID:     p.OrderID,
		MessageType: msgType,
		Payload:     payload,
		Status:      domain.OutboxStatusPending,
		CreatedAt:   now,
	}
	if err := s.outboxRepo.CreateMessageTx(ctx, q, msg); err != nil {
		return err
	}
	s.logger.Info("Order callback enqueued",
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.String("type", msgType),
		zap.String("status", status))
	return nil
}

// recordGatewayRefs fills gateway ids the payment does not know yet. Ids that
// are already set are never replaced.
func recordGatewayRefs(p *domain.Payment, snap domain.GatewaySnapshot) bool {
	changed := false
	if id := snap.PaymentIntentID(); id != "" && p.PaymentIntentID == "" {
		p.PaymentIntentID = id
		changed = true
	}
	for _, ch := range snap.Charges() {
		if ch.ID != "" && p.ChargeID == "" {
			p.ChargeID = ch.ID
			changed = true
		}
		if ch.RefundID != "" && p.RefundID == "" {
			p.RefundID = ch.RefundID
			changed = true
		}
	}
	return changed
}

func ensureMetadata(p *domain.Payment) {
	if p.Metadata == nil {
		p.Metadata = domain.Metadata{}
	}
}
