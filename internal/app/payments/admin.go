package payments

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"paylifecycle/internal/domain"
)

// Cancel moves a pending or processing payment to cancelled.
func (s *Service) Cancel(ctx context.Context, id, reason, actor string) (*domain.Payment, error) {
	var out *domain.Payment
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, q domain.Querier) error {
		p, err := s.paymentRepo.GetByIDForUpdateTx(ctx, q, id)
		if err != nil {
			return err
		}
		tr := p.ApplyStatus(domain.PaymentStatusCancelled, s.Now(), "")
		if !tr.Changed {
			return &domain.InvalidTransitionError{PaymentID: p.ID, Current: p.Status, Action: "cancel"}
		}
		ensureMetadata(p)
		p.Metadata.Extend("cancel_reason", reason)
		p.Metadata.Extend("cancelled_by", actor)
		if err := s.paymentRepo.UpdateTx(ctx, q, p); err != nil {
			return err
		}
		out = p
		return s.appendEvent(ctx, q, p, domain.PaymentEventCancelled, "Payment cancelled: "+reason)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Payment cancelled", zap.String("payment_id", id), zap.String("actor", actor))
	return out, nil
}

// MarkProcessingTx records that the payer confirmed and the gateway is working
// on the intent. The caller holds the row lock. Anything past pending is left
// alone, so a late processing notification never moves a payment backwards.
func (s *Service) MarkProcessingTx(ctx context.Context, q domain.Querier, p *domain.Payment, intentID string) (domain.Transition, error) {
	refChanged := false
	if intentID != "" && p.PaymentIntentID == "" {
		p.PaymentIntentID = intentID
		refChanged = true
	}
	now := s.Now()
	tr := p.ApplyStatus(domain.PaymentStatusProcessing, now, "")
	if !tr.Changed {
		if refChanged {
			p.UpdatedAt = now
			return tr, s.paymentRepo.UpdateTx(ctx, q, p)
		}
		return tr, nil
	}
	if err := s.paymentRepo.UpdateTx(ctx, q, p); err != nil {
		return tr, err
	}
	s.logger.Info("Payment processing started", zap.String("payment_id", p.ID), zap.String("payment_intent_id", p.PaymentIntentID))
	return tr, s.appendEvent(ctx, q, p, domain.PaymentEventProcessingStarted, "Payment processing started")
}

// AdminSetStatus bypasses the state machine. Every override is appended to
// metadata.admin_updates and written to the audit trail.
func (s *Service) AdminSetStatus(ctx context.Context, in AdminStatusInput) (*domain.Payment, error) {
	if !in.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, in.Status)
	}
	var out *domain.Payment
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, q domain.Querier) error {
		p, err := s.paymentRepo.GetByIDForUpdateTx(ctx, q, in.PaymentID)
		if err != nil {
			return err
		}
		now := s.Now()
		ensureMetadata(p)
		tr := p.ForceStatus(in.Status, now)
		p.Metadata.Append("admin_updates", map[string]any{
			"previous_status": string(tr.From),
			"new_status":      string(tr.To),
			"note":            in.Note,
			"actor":           in.Actor,
			"updated_at":      now.Format(time.RFC3339),
		})
		if err := s.paymentRepo.UpdateTx(ctx, q, p); err != nil {
			return err
		}
		msg := fmt.Sprintf("Admin %s set status %s -> %s: %s", in.Actor, tr.From, tr.To, in.Note)
		if err := s.appendEvent(ctx, q, p, domain.PaymentEventAdminOverride, msg); err != nil {
			return err
		}
		out = p
		if tr.Completed {
			return s.enqueueForTransition(ctx, q, p, tr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("Payment status overridden by admin",
		zap.String("payment_id", in.PaymentID),
		zap.String("status", string(in.Status)),
		zap.String("actor", in.Actor))
	return out, nil
}
