package payments_http

import (
	"time"

	"github.com/shopspring/decimal"

	"paylifecycle/internal/app/payments"
	"paylifecycle/internal/domain"
)

type CreateCheckoutRequest struct {
	OrderID       string          `json:"order_id" validate:"required,max=100"`
	PayerID       string          `json:"payer_id" validate:"required,max=100"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" validate:"omitempty,len=3,alpha"`
	Description   string          `json:"description" validate:"max=500"`
	CustomerEmail string          `json:"customer_email" validate:"omitempty,email"`
	PaymentType   string          `json:"payment_type" validate:"omitempty,oneof=deposit full_payment final_payment additional_fee refund"`
	SuccessURL    string          `json:"success_url" validate:"omitempty,url"`
	CancelURL     string          `json:"cancel_url" validate:"omitempty,url"`
}

type CheckoutResponse struct {
	PaymentID   string `json:"payment_id"`
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

type PayerRefundRequest struct {
	PaymentIntentID string           `json:"payment_intent_id" validate:"required"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Reason          string           `json:"reason" validate:"max=500"`
}

type AdminRefundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason" validate:"max=500"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type UpdateStatusRequest struct {
	Status    string `json:"status" validate:"required"`
	AdminNote string `json:"admin_note" validate:"required,max=1000"`
}

type PollUntilCompleteRequest struct {
	MaxAttempts      int     `json:"max_attempts" validate:"omitempty,min=1,max=20"`
	BaseDelaySeconds float64 `json:"base_delay_seconds" validate:"omitempty,gt=0,lte=60"`
}

type BulkPollRequest struct {
	PaymentIDs        []string `json:"payment_ids" validate:"required,min=1,max=20,dive,required"`
	PollUntilComplete bool     `json:"poll_until_complete"`
}

type PaymentResponse struct {
	ID                string          `json:"id"`
	OrderID           string          `json:"order_id"`
	PayerID           string          `json:"payer_id"`
	Amount            string          `json:"amount"`
	Currency          string          `json:"currency"`
	PaymentType       string          `json:"payment_type"`
	Status            string          `json:"status"`
	Description       string          `json:"description,omitempty"`
	CheckoutSessionID string          `json:"checkout_session_id,omitempty"`
	PaymentIntentID   string          `json:"payment_intent_id,omitempty"`
	ChargeID          string          `json:"charge_id,omitempty"`
	RefundID          string          `json:"refund_id,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	RefundedAt        *time.Time      `json:"refunded_at,omitempty"`
	Metadata          domain.Metadata `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toPaymentResponse(p *domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:                p.ID,
		OrderID:           p.OrderID,
		PayerID:           p.PayerID,
		Amount:            p.Amount.StringFixed(2),
		Currency:          p.Currency,
		PaymentType:       string(p.Purpose),
		Status:            string(p.Status),
		Description:       p.Description,
		CheckoutSessionID: p.CheckoutSessionID,
		PaymentIntentID:   p.PaymentIntentID,
		ChargeID:          p.ChargeID,
		RefundID:          p.RefundID,
		FailureReason:     p.FailureReason,
		CompletedAt:       p.CompletedAt,
		FailedAt:          p.FailedAt,
		RefundedAt:        p.RefundedAt,
		Metadata:          p.Metadata,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

type PaymentEventResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"event_type"`
	Status    string          `json:"status"`
	Amount    string          `json:"amount"`
	Currency  string          `json:"currency"`
	Message   string          `json:"message,omitempty"`
	Metadata  domain.Metadata `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type PaymentDetailsResponse struct {
	Payment PaymentResponse        `json:"payment"`
	Events  []PaymentEventResponse `json:"events"`
}

func toDetailsResponse(p *domain.Payment, events []domain.PaymentEvent) PaymentDetailsResponse {
	resp := PaymentDetailsResponse{Payment: toPaymentResponse(p), Events: make([]PaymentEventResponse, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, PaymentEventResponse{
			ID:        e.ID,
			Type:      string(e.Type),
			Status:    string(e.Status),
			Amount:    e.Amount.StringFixed(2),
			Currency:  e.Currency,
			Message:   e.Message,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		})
	}
	return resp
}

type SessionStatusResponse struct {
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"payment_status"`
	AmountTotal     string `json:"amount_total"`
	Currency        string `json:"currency"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
}

func toSessionResponse(s *domain.SessionSnapshot) SessionStatusResponse {
	return SessionStatusResponse{
		SessionID:       s.SessionID,
		Status:          s.Status,
		PaymentStatus:   s.PaymentStatus,
		AmountTotal:     domain.FromMinorUnits(s.AmountTotal).StringFixed(2),
		Currency:        s.Currency,
		PaymentIntentID: s.PaymentIntentID,
	}
}

type RefundResponse struct {
	PaymentID      string `json:"payment_id"`
	Status         string `json:"status"`
	RefundID       string `json:"refund_id"`
	RefundedAmount string `json:"refunded_amount"`
	GatewayStatus  string `json:"gateway_status,omitempty"`
	AlreadyApplied bool   `json:"already_applied,omitempty"`
}

func toRefundResponse(out *payments.RefundOutcome, admin bool) RefundResponse {
	resp := RefundResponse{
		PaymentID:      out.Payment.ID,
		Status:         string(out.Payment.Status),
		RefundID:       out.RefundID,
		RefundedAmount: out.RefundedAmount.StringFixed(2),
	}
	if admin {
		resp.GatewayStatus = out.GatewayStatus
		resp.AlreadyApplied = out.AlreadyApplied
	}
	return resp
}

type BucketResponse struct {
	Count    int               `json:"count"`
	Payments []PaymentResponse `json:"payments"`
}

type NeedsPollingResponse struct {
	RecentPending BucketResponse `json:"recent_pending"`
	OldPending    BucketResponse `json:"old_pending"`
	FailedRecent  BucketResponse `json:"failed_recent"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

func toBucket(b payments.PaymentBucket) BucketResponse {
	out := BucketResponse{Count: b.Count, Payments: make([]PaymentResponse, 0, len(b.Payments))}
	for i := range b.Payments {
		out.Payments = append(out.Payments, toPaymentResponse(&b.Payments[i]))
	}
	return out
}

func toNeedsPollingResponse(r *payments.NeedsPollingReport) NeedsPollingResponse {
	return NeedsPollingResponse{
		RecentPending: toBucket(r.RecentPending),
		OldPending:    toBucket(r.OldPending),
		FailedRecent:  toBucket(r.FailedRecent),
		GeneratedAt:   r.GeneratedAt,
	}
}

type StatsResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

func toStatsResponse(counts map[domain.PaymentStatus]int) StatsResponse {
	resp := StatsResponse{ByStatus: make(map[string]int, len(domain.AllPaymentStatuses))}
	for _, st := range domain.AllPaymentStatuses {
		resp.ByStatus[string(st)] = counts[st]
		resp.Total += counts[st]
	}
	return resp
}

type UnprocessedEventsQuery struct {
	MinAgeMinutes int `validate:"gte=0,lte=10080"`
	Limit         int `validate:"gte=1,lte=500"`
}

type LedgerEntryResponse struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	ReceivedAt time.Time `json:"received_at"`
}

type UnprocessedEventsResponse struct {
	Count  int                   `json:"count"`
	Events []LedgerEntryResponse `json:"events"`
}

func toUnprocessedEventsResponse(entries []domain.EventLedgerEntry) UnprocessedEventsResponse {
	resp := UnprocessedEventsResponse{Count: len(entries), Events: make([]LedgerEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Events = append(resp.Events, LedgerEntryResponse{EventID: e.EventID, EventType: e.EventType, ReceivedAt: e.ReceivedAt})
	}
	return resp
}
