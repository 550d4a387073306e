package payments_http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"paylifecycle/internal/app/payments"
	"paylifecycle/internal/app/reconcile"
	"paylifecycle/internal/app/webhook"
	"paylifecycle/internal/domain"
)

// Stripe never sends more than this in one event.
const maxWebhookBody = 65536

type PaymentService interface {
	CreateCheckoutSession(ctx context.Context, in payments.CreateCheckoutInput) (*payments.CheckoutResult, error)
	Get(ctx context.Context, id string) (*domain.Payment, error)
	ListEvents(ctx context.Context, id string) ([]domain.PaymentEvent, error)
	CheckSessionStatus(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error)
	Refund(ctx context.Context, in payments.RefundInput) (*payments.RefundOutcome, error)
	RefundForPayer(ctx context.Context, paymentIntentID, payerID string, in payments.RefundInput) (*payments.RefundOutcome, error)
	Cancel(ctx context.Context, id, reason, actor string) (*domain.Payment, error)
	AdminSetStatus(ctx context.Context, in payments.AdminStatusInput) (*domain.Payment, error)
	NeedsPolling(ctx context.Context) (*payments.NeedsPollingReport, error)
	Stats(ctx context.Context) (map[domain.PaymentStatus]int, error)
}

type Reconciler interface {
	PollOnce(ctx context.Context, paymentID string) (*reconcile.PollResult, error)
	PollUntilTerminal(ctx context.Context, paymentID string, maxAttempts int, baseDelay time.Duration) (*reconcile.PollUntilTerminalResult, error)
	Abort(ctx context.Context, paymentID string) error
	BulkPoll(ctx context.Context, ids []string, untilTerminal bool) (*reconcile.BulkPollResult, error)
}

type WebhookIngestor interface {
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*webhook.Result, error)
	UnprocessedEvents(ctx context.Context, minAge time.Duration, limit int) ([]domain.EventLedgerEntry, error)
}

// PollDefaults apply when a poll-until-complete request leaves them out.
type PollDefaults struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type PaymentHandler struct {
	service    PaymentService
	reconciler Reconciler
	ingestor   WebhookIngestor
	poll       PollDefaults
	validate   *validator.Validate
	logger     *zap.Logger
}

func NewPaymentHandler(s PaymentService, rec Reconciler, ing WebhookIngestor, poll PollDefaults, l *zap.Logger) *PaymentHandler {
	if poll.MaxAttempts < 1 {
		poll.MaxAttempts = 10
	}
	if poll.BaseDelay <= 0 {
		poll.BaseDelay = 2 * time.Second
	}
	return &PaymentHandler{
		service:    s,
		reconciler: rec,
		ingestor:   ing,
		poll:       poll,
		validate:   validator.New(),
		logger:     l,
	}
}

func (h *PaymentHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		writeError(w, h.logger, http.StatusBadRequest, "missing Stripe-Signature header")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("Failed to read webhook body", zap.Error(err))
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.ingestor.HandleWebhook(r.Context(), payload, signature)
	switch {
	case errors.Is(err, domain.ErrSignatureInvalid):
		writeError(w, h.logger, http.StatusBadRequest, "invalid signature")
	case err != nil:
		// Non-2xx makes the gateway redeliver.
		if res == nil {
			writeError(w, h.logger, http.StatusInternalServerError, "webhook processing failed")
			return
		}
		writeJSON(w, h.logger, http.StatusInternalServerError, res)
	default:
		writeJSON(w, h.logger, http.StatusOK, res)
	}
}

func (h *PaymentHandler) CreateCheckoutSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.CreateCheckoutSession(r.Context(), payments.CreateCheckoutInput{
		OrderID:       req.OrderID,
		PayerID:       req.PayerID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
		CustomerEmail: req.CustomerEmail,
		Purpose:       domain.PaymentPurpose(req.PaymentType),
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
		RequestID:     middleware.GetReqID(r.Context()),
		Platform:      r.Header.Get("X-Client-Platform"),
	})
	if err != nil {
		h.writeServiceError(w, err, false)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, CheckoutResponse{
		PaymentID:   res.PaymentID,
		SessionID:   res.SessionID,
		RedirectURL: res.RedirectURL,
	})
}

func (h *PaymentHandler) GetCheckoutSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	snap, err := h.service.CheckSessionStatus(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, err, false)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toSessionResponse(snap))
}

func (h *PaymentHandler) PayerRefundHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	var req PayerRefundRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.service.RefundForPayer(r.Context(), req.PaymentIntentID, claims.Subject, payments.RefundInput{
		Amount: req.Amount,
		Reason: req.Reason,
	})
	if err != nil {
		h.writeServiceError(w, err, false)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toRefundResponse(out, false))
}

func (h *PaymentHandler) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	events, err := h.service.ListEvents(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toDetailsResponse(p, events))
}

func (h *PaymentHandler) PollStatusHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.PollOnce(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, res)
}

func (h *PaymentHandler) PollUntilCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req PollUntilCompleteRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	maxAttempts := h.poll.MaxAttempts
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}
	baseDelay := h.poll.BaseDelay
	if req.BaseDelaySeconds > 0 {
		baseDelay = time.Duration(req.BaseDelaySeconds * float64(time.Second))
	}

	res, err := h.reconciler.PollUntilTerminal(r.Context(), chi.URLParam(r, "id"), maxAttempts, baseDelay)
	if err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, res)
}

func (h *PaymentHandler) PollAbortHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.reconciler.Abort(r.Context(), id); err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, h.logger, http.StatusAccepted, map[string]string{"payment_id": id, "status": "abort_requested"})
}

func (h *PaymentHandler) BulkPollHandler(w http.ResponseWriter, r *http.Request) {
	var req BulkPollRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.reconciler.BulkPoll(r.Context(), req.PaymentIDs, req.PollUntilComplete)
	if err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, res)
}

func (h *PaymentHandler) NeedsPollingHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.NeedsPolling(r.Context())
	if err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toNeedsPollingResponse(report))
}

func (h *PaymentHandler) UnprocessedEventsHandler(w http.ResponseWriter, r *http.Request) {
	q := UnprocessedEventsQuery{MinAgeMinutes: 5, Limit: 50}
	params := []struct {
		name string
		dst  *int
	}{
		{"min_age_minutes", &q.MinAgeMinutes},
		{"limit", &q.Limit},
	}
	for _, p := range params {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, h.logger, http.StatusBadRequest, "invalid query parameter "+p.name)
			return
		}
		*p.dst = n
	}
	if err := h.validate.Struct(q); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, validationMessage(err))
		return
	}

	entries, err := h.ingestor.UnprocessedEvents(r.Context(), time.Duration(q.MinAgeMinutes)*time.Minute, q.Limit)
	if err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toUnprocessedEventsResponse(entries))
}

func (h *PaymentHandler) AdminRefundHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	var req AdminRefundRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	out, err := h.service.Refund(r.Context(), payments.RefundInput{
		PaymentID: chi.URLParam(r, "id"),
		Amount:    req.Amount,
		Reason:    req.Reason,
		Actor:     claims.Subject,
	})
	if err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toRefundResponse(out, true))
}

func (h *PaymentHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	var req CancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	p, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, claims.Subject)
	if err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toPaymentResponse(p))
}

func (h *PaymentHandler) UpdateStatusHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	var req UpdateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.service.AdminSetStatus(r.Context(), payments.AdminStatusInput{
		PaymentID: chi.URLParam(r, "id"),
		Status:    domain.PaymentStatus(req.Status),
		Note:      req.AdminNote,
		Actor:     claims.Subject,
	})
	if err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toPaymentResponse(p))
}

func (h *PaymentHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toStatsResponse(counts))
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *PaymentHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("Invalid request body", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return "invalid field " + verrs[0].Field() + ": failed " + verrs[0].Tag()
	}
	return err.Error()
}

func (h *PaymentHandler) writeServiceError(w http.ResponseWriter, err error, admin bool) {
	var transitionErr *domain.InvalidTransitionError
	var gwErr *domain.GatewayError

	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		writeError(w, h.logger, http.StatusNotFound, "payment not found")
	case errors.As(err, &transitionErr):
		writeJSON(w, h.logger, http.StatusConflict, map[string]string{
			"error":          err.Error(),
			"current_status": string(transitionErr.Current),
		})
	case errors.Is(err, domain.ErrPollInProgress):
		writeError(w, h.logger, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrEmptyBatch),
		errors.Is(err, domain.ErrBatchTooLarge):
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNoGatewayReference):
		writeError(w, h.logger, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &gwErr):
		h.logger.Error("Gateway call failed", zap.Error(err))
		if !admin {
			writeError(w, h.logger, http.StatusBadGateway, "payment processor unavailable")
			return
		}
		writeJSON(w, h.logger, http.StatusBadGateway, map[string]any{
			"error":          "payment processor error",
			"gateway_status": gwErr.StatusCode,
			"gateway_code":   gwErr.Code,
			"gateway_error":  gwErr.Error(),
		})
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads this.
		w.WriteHeader(http.StatusRequestTimeout)
	default:
		h.logger.Error("Request failed", zap.Error(err))
		writeError(w, h.logger, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}
