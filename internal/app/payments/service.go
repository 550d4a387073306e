package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"paylifecycle/internal/domain"
	"paylifecycle/internal/gateway"
	"paylifecycle/internal/infrastructure/database"
	"paylifecycle/internal/repository/outbox_repo"
	"paylifecycle/internal/repository/payment_events_repo"
	"paylifecycle/internal/repository/payments_repo"
	"paylifecycle/internal/util"
)

const (
	recentWindow    = 24 * time.Hour
	oldWindow       = 7 * 24 * time.Hour
	recentPendingN  = 20
	oldPendingN     = 10
	failedRecentN   = 10
	defaultCurrency = "usd"
)

// Service owns every write to the payments table. Webhooks and the poller
// both end up in ApplySnapshot.
type Service struct {
	db          domain.Querier
	transactor  database.Transactor
	paymentRepo payments_repo.PaymentRepository
	eventRepo   payment_events_repo.PaymentEventRepository
	outboxRepo  outbox_repo.OutboxRepository
	gateway     gateway.Client
	clock       clockwork.Clock
	newID       util.IDGenerator
	logger      *zap.Logger
}

func NewService(
	db domain.Querier,
	transactor database.Transactor,
	paymentRepo payments_repo.PaymentRepository,
	eventRepo payment_events_repo.PaymentEventRepository,
	outboxRepo outbox_repo.OutboxRepository,
	gw gateway.Client,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Service {
	return &Service{
		db:          db,
		transactor:  transactor,
		paymentRepo: paymentRepo,
		eventRepo:   eventRepo,
		outboxRepo:  outboxRepo,
		gateway:     gw,
		clock:       clock,
		newID:       util.GenerateUUID,
		logger:      logger.With(zap.String("component", "PaymentService")),
	}
}

// WithIDGenerator replaces the uuid generator. Used by tests.
func (s *Service) WithIDGenerator(gen util.IDGenerator) *Service {
	s.newID = gen
	return s
}

func (s *Service) Now() time.Time {
	return s.clock.Now().UTC()
}

// CreateCheckoutSession opens a hosted checkout and records the pending
// payment. The gateway call happens before the transaction so no row lock is
// held across the network.
func (s *Service) CreateCheckoutSession(ctx context.Context, in CreateCheckoutInput) (*CheckoutResult, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", domain.ErrInvalidAmount)
	}
	if in.Purpose == "" {
		in.Purpose = domain.PaymentPurposeFull
	}
	if !in.Purpose.Valid() {
		return nil, fmt.Errorf("unknown payment type %q", in.Purpose)
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	paymentID := s.newID()
	session, err := s.gateway.CreateCheckoutSession(ctx, gateway.CheckoutRequest{
		PaymentID:     paymentID,
		OrderID:       in.OrderID,
		PayerID:       in.PayerID,
		Amount:        in.Amount,
		Currency:      currency,
		Description:   in.Description,
		CustomerEmail: in.CustomerEmail,
		Purpose:       in.Purpose,
		SuccessURL:    in.SuccessURL,
		CancelURL:     in.CancelURL,
	})
	if err != nil {
		s.logger.Error("Failed to create checkout session", zap.String("order_id", in.OrderID), zap.Error(err))
		return nil, err
	}

	now := s.Now()
	platform := in.Platform
	if platform == "" {
		platform = "web"
	}
	payment := &domain.Payment{
		ID:                paymentID,
		OrderID:           in.OrderID,
		PayerID:           in.PayerID,
		Amount:            in.Amount,
		Currency:          currency,
		Purpose:           in.Purpose,
		Status:            domain.PaymentStatusPending,
		Description:       in.Description,
		CheckoutSessionID: session.SessionID,
		Metadata: domain.Metadata{
			"platform":   platform,
			"request_id": in.RequestID,
			"user_id":    in.PayerID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.transactor.WithinTx(ctx, func(ctx context.Context, q domain.Querier) error {
		if err := s.paymentRepo.CreateTx(ctx, q, payment); err != nil {
			return err
		}
		return s.appendEvent(ctx, q, payment, domain.PaymentEventCreated, "Checkout session created")
	})
	if err != nil {
		// The session exists at the gateway but not here; it expires on its
		// own and any webhook for it ends up unprocessed in the ledger.
		s.logger.Error("Failed to persist payment after checkout session was created",
			zap.String("payment_id", paymentID),
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to persist payment: %w", err)
	}

	s.logger.Info("Payment created",
		zap.String("payment_id", paymentID),
		zap.String("order_id", in.OrderID),
		zap.String("session_id", session.SessionID),
		zap.String("amount", in.Amount.StringFixed(2)))
	return &CheckoutResult{PaymentID: paymentID, SessionID: session.SessionID, RedirectURL: session.RedirectURL}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return s.paymentRepo.GetByIDTx(ctx, s.db, id)
}

func (s *Service) ListEvents(ctx context.Context, id string) ([]domain.PaymentEvent, error) {
	if _, err := s.paymentRepo.GetByIDTx(ctx, s.db, id); err != nil {
		return nil, err
	}
	return s.eventRepo.ListByPaymentTx(ctx, s.db, id)
}

// CheckSessionStatus asks the gateway directly; nothing is written.
func (s *Service) CheckSessionStatus(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	return s.gateway.RetrieveSessionStatus(ctx, sessionID)
}

func (s *Service) NeedsPolling(ctx context.Context) (*NeedsPollingReport, error) {
	now := s.Now()
	report := &NeedsPollingReport{GeneratedAt: now}

	var err error
	if report.RecentPending, err = s.inFlightBucket(ctx, now.Add(-recentWindow), now, recentPendingN); err != nil {
		return nil, err
	}
	if report.OldPending, err = s.inFlightBucket(ctx, now.Add(-oldWindow), now.Add(-recentWindow), oldPendingN); err != nil {
		return nil, err
	}

	since := now.Add(-recentWindow)
	failed, err := s.paymentRepo.ListFailedSince(ctx, s.db, since, failedRecentN)
	if err != nil {
		return nil, err
	}
	failedCount, err := s.paymentRepo.CountFailedSince(ctx, s.db, since)
	if err != nil {
		return nil, err
	}
	report.FailedRecent = PaymentBucket{Count: failedCount, Payments: failed}
	return report, nil
}

func (s *Service) inFlightBucket(ctx context.Context, from, to time.Time, limit int) (PaymentBucket, error) {
	list, err := s.paymentRepo.ListInFlightCreatedBetween(ctx, s.db, from, to, limit)
	if err != nil {
		return PaymentBucket{}, err
	}
	count, err := s.paymentRepo.CountInFlightCreatedBetween(ctx, s.db, from, to)
	if err != nil {
		return PaymentBucket{}, err
	}
	return PaymentBucket{Count: count, Payments: list}, nil
}

// SweepCandidates lists in-flight payments old enough that a webhook should
// already have arrived.
func (s *Service) SweepCandidates(ctx context.Context, minAge time.Duration, limit int) ([]domain.Payment, error) {
	now := s.Now()
	return s.paymentRepo.ListInFlightCreatedBetween(ctx, s.db, now.Add(-oldWindow), now.Add(-minAge), limit)
}

func (s *Service) Stats(ctx context.Context) (map[domain.PaymentStatus]int, error) {
	return s.paymentRepo.CountByStatus(ctx, s.db)
}

func (s *Service) appendEvent(ctx context.Context, q domain.Querier, p *domain.Payment, typ domain.PaymentEventType, message string) error {
	ev := domain.NewPaymentEvent(s.newID(), p, typ, message, s.Now())
	return s.eventRepo.AppendTx(ctx, q, ev)
}
