package payments

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"paylifecycle/internal/domain"
	"paylifecycle/internal/gateway"
)

// Refund issues a full or partial refund for a succeeded payment. The gateway
// call is made without holding the row lock; the result is applied in a
// separate transaction against a freshly locked row.
func (s *Service) Refund(ctx context.Context, in RefundInput) (*RefundOutcome, error) {
	p, err := s.paymentRepo.GetByIDTx(ctx, s.db, in.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentStatusSucceeded {
		return nil, &domain.InvalidTransitionError{PaymentID: p.ID, Current: p.Status, Action: "refund"}
	}
	if p.PaymentIntentID == "" {
		return nil, domain.ErrNoGatewayReference
	}
	if in.Amount != nil {
		if !in.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: refund amount must be greater than zero", domain.ErrInvalidAmount)
		}
		if in.Amount.GreaterThan(p.Amount) {
			return nil, fmt.Errorf("%w: refund %s exceeds payment amount %s", domain.ErrInvalidAmount, in.Amount.StringFixed(2), p.Amount.StringFixed(2))
		}
	}

	res, err := s.gateway.CreateRefund(ctx, gateway.RefundRequest{
		PaymentID:       p.ID,
		PaymentIntentID: p.PaymentIntentID,
		Amount:          in.Amount,
		Reason:          in.Reason,
	})
	if err != nil {
		s.logger.Error("Gateway refund failed", zap.String("payment_id", p.ID), zap.Error(err))
		return nil, err
	}

	out := &RefundOutcome{RefundID: res.RefundID, RefundedAmount: res.RefundedAmount, GatewayStatus: res.Status}
	err = s.transactor.WithinTx(ctx, func(ctx context.Context, q domain.Querier) error {
		locked, err := s.paymentRepo.GetByIDForUpdateTx(ctx, q, in.PaymentID)
		if err != nil {
			return err
		}
		ensureMetadata(locked)
		now := s.Now()

		target := domain.PaymentStatusRefunded
		if in.Amount != nil && in.Amount.LessThan(locked.Amount) {
			target = domain.PaymentStatusPartiallyRefunded
		}

		if locked.RefundID == "" {
			locked.RefundID = res.RefundID
		}
		locked.Metadata.Append("refund_details", map[string]any{
			"refund_id":   res.RefundID,
			"amount":      res.RefundedAmount.StringFixed(2),
			"reason":      in.Reason,
			"actor":       in.Actor,
			"status":      res.Status,
			"refunded_at": now.Format(time.RFC3339),
		})

		tr := locked.ApplyStatus(target, now, "")
		locked.UpdatedAt = now
		if err := s.paymentRepo.UpdateTx(ctx, q, locked); err != nil {
			return err
		}
		out.Payment = locked
		if !tr.Changed {
			out.AlreadyApplied = true
			return nil
		}
		msg := fmt.Sprintf("Refund %s of %s %s", res.RefundID, res.RefundedAmount.StringFixed(2), locked.Currency)
		if err := s.appendEvent(ctx, q, locked, domain.PaymentEventRefunded, msg); err != nil {
			return err
		}
		return s.enqueueForTransition(ctx, q, locked, tr)
	})
	if err != nil {
		// Money has moved at the gateway; the charge.refunded webhook or the
		// poller will bring the row in line.
		s.logger.Error("Refund succeeded at gateway but local update failed",
			zap.String("payment_id", in.PaymentID),
			zap.String("refund_id", res.RefundID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to record refund %s: %w", res.RefundID, err)
	}

	s.logger.Info("Refund recorded",
		zap.String("payment_id", in.PaymentID),
		zap.String("refund_id", res.RefundID),
		zap.String("status", string(out.Payment.Status)),
		zap.Bool("already_applied", out.AlreadyApplied))
	return out, nil
}

// RefundForPayer is the self-service path. A payment that does not belong to
// the caller looks exactly like a missing one.
func (s *Service) RefundForPayer(ctx context.Context, paymentIntentID, payerID string, in RefundInput) (*RefundOutcome, error) {
	p, err := s.paymentRepo.GetByPaymentIntentIDTx(ctx, s.db, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if p.PayerID != payerID {
		s.logger.Warn("Refund requested by non-owner", zap.String("payment_id", p.ID), zap.String("payer_id", payerID))
		return nil, domain.ErrPaymentNotFound
	}
	in.PaymentID = p.ID
	if in.Actor == "" {
		in.Actor = payerID
	}
	return s.Refund(ctx, in)
}
