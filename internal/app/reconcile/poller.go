package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"paylifecycle/internal/domain"
	"paylifecycle/internal/gateway"
	"paylifecycle/internal/infrastructure/database"
	"paylifecycle/internal/repository/payments_repo"
)

const MaxBulkPoll = 20

// PollGuard coordinates poll-until-terminal loops across processes.
type PollGuard interface {
	Acquire(ctx context.Context, paymentID string) (bool, error)
	Release(ctx context.Context, paymentID string) error
	RequestAbort(ctx context.Context, paymentID string) error
	AbortRequested(ctx context.Context, paymentID string) (bool, error)
	ClearAbort(ctx context.Context, paymentID string) error
}

type SnapshotApplier interface {
	ApplySnapshot(ctx context.Context, q domain.Querier, p *domain.Payment, snap domain.GatewaySnapshot) (domain.Transition, error)
}

type Config struct {
	BulkMaxAttempts int
	BulkBaseDelay   time.Duration
	BulkConcurrency int
}

type PollResult struct {
	Success              bool                  `json:"success"`
	PaymentID            string                `json:"payment_id"`
	OriginalStatus       domain.PaymentStatus  `json:"original_status"`
	CurrentStatus        domain.PaymentStatus  `json:"current_status"`
	Changed              bool                  `json:"changed"`
	GatewayStatus        string                `json:"gateway_status"`
	GatewayPaymentStatus string                `json:"gateway_payment_status,omitempty"`
	Source               domain.SnapshotSource `json:"source"`
	Error                string                `json:"error,omitempty"`
}

type PollUntilTerminalResult struct {
	PaymentID       string               `json:"payment_id"`
	FinalStatus     domain.PaymentStatus `json:"final_status"`
	Attempts        int                  `json:"attempts"`
	TerminalReached bool                 `json:"terminal_reached"`
	Aborted         bool                 `json:"aborted"`
	LastError       string               `json:"last_error,omitempty"`
}

type BulkPollItem struct {
	PaymentID     string               `json:"payment_id"`
	Success       bool                 `json:"success"`
	Changed       bool                 `json:"changed"`
	CurrentStatus domain.PaymentStatus `json:"current_status,omitempty"`
	Attempts      int                  `json:"attempts,omitempty"`
	Error         string               `json:"error,omitempty"`
}

type BulkPollResult struct {
	Total           int            `json:"total"`
	SuccessfulPolls int            `json:"successful_polls"`
	Errors          int            `json:"errors"`
	PaymentsUpdated int            `json:"payments_updated"`
	Results         []BulkPollItem `json:"results"`
}

type Poller struct {
	db          domain.Querier
	transactor  database.Transactor
	paymentRepo payments_repo.PaymentRepository
	applier     SnapshotApplier
	gateway     gateway.Client
	guard       PollGuard
	clock       clockwork.Clock
	cfg         Config
	logger      *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewPoller wires the reconciliation poller. guard may be nil, in which case
// locking and abort only work inside this process.
func NewPoller(
	db domain.Querier,
	transactor database.Transactor,
	paymentRepo payments_repo.PaymentRepository,
	applier SnapshotApplier,
	gw gateway.Client,
	guard PollGuard,
	clock clockwork.Clock,
	cfg Config,
	logger *zap.Logger,
) *Poller {
	if cfg.BulkMaxAttempts < 1 {
		cfg.BulkMaxAttempts = 5
	}
	if cfg.BulkBaseDelay <= 0 {
		cfg.BulkBaseDelay = time.Second
	}
	if cfg.BulkConcurrency < 1 {
		cfg.BulkConcurrency = 5
	}
	return &Poller{
		db:          db,
		transactor:  transactor,
		paymentRepo: paymentRepo,
		applier:     applier,
		gateway:     gw,
		guard:       guard,
		clock:       clock,
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "ReconcilePoller")),
		running:     map[string]context.CancelFunc{},
	}
}

// BackoffDelay is the wait after the given 1-based attempt: base * 2^(attempt-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// PollOnce fetches gateway state with no lock held, then applies it under a
// row lock.
func (p *Poller) PollOnce(ctx context.Context, paymentID string) (*PollResult, error) {
	payment, err := p.paymentRepo.GetByIDTx(ctx, p.db, paymentID)
	if err != nil {
		return nil, err
	}
	source, ref, err := payment.GatewayReference()
	if err != nil {
		return nil, err
	}

	var snap domain.GatewaySnapshot
	switch source {
	case domain.SnapshotSourceIntent:
		intent, err := p.gateway.RetrievePaymentIntentStatus(ctx, ref)
		if err != nil {
			return nil, err
		}
		snap = domain.SnapshotFromIntent(intent)
	default:
		session, err := p.gateway.RetrieveSessionStatus(ctx, ref)
		if err != nil {
			return nil, err
		}
		snap = domain.SnapshotFromSession(session)
	}

	var tr domain.Transition
	err = p.transactor.WithinTx(ctx, func(ctx context.Context, q domain.Querier) error {
		locked, err := p.paymentRepo.GetByIDForUpdateTx(ctx, q, paymentID)
		if err != nil {
			return err
		}
		tr, err = p.applier.ApplySnapshot(ctx, q, locked, snap)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Polled payment",
		zap.String("payment_id", paymentID),
		zap.String("source", string(source)),
		zap.String("gateway_status", snap.GatewayStatus()),
		zap.String("status", string(tr.To)),
		zap.Bool("changed", tr.Changed))
	return &PollResult{
		Success:              true,
		PaymentID:            paymentID,
		OriginalStatus:       tr.From,
		CurrentStatus:        tr.To,
		Changed:              tr.Changed,
		GatewayStatus:        snap.GatewayStatus(),
		GatewayPaymentStatus: snap.GatewayPaymentStatus(),
		Source:               source,
	}, nil
}

// PollUntilTerminal repeats PollOnce with exponential backoff until the
// payment reaches a terminal status, attempts run out, ctx is cancelled or an
// operator aborts. Running out of attempts is not an error unless every
// attempt failed.
func (p *Poller) PollUntilTerminal(ctx context.Context, paymentID string, maxAttempts int, baseDelay time.Duration) (*PollUntilTerminalResult, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	log := p.logger.With(zap.String("payment_id", paymentID))

	if p.guard != nil {
		ok, err := p.guard.Acquire(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrPollInProgress
		}
		defer func() {
			if err := p.guard.Release(context.WithoutCancel(ctx), paymentID); err != nil {
				log.Warn("Failed to release poll lock", zap.Error(err))
			}
		}()
		if err := p.guard.ClearAbort(ctx, paymentID); err != nil {
			log.Warn("Failed to clear stale abort flag", zap.Error(err))
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if !p.register(paymentID, cancel) {
		cancel()
		return nil, domain.ErrPollInProgress
	}
	defer p.unregister(paymentID)
	defer cancel()

	res := &PollUntilTerminalResult{PaymentID: paymentID}
	var lastErr error
	failures := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.abortRequested(loopCtx, paymentID) {
			res.Aborted = true
			break
		}
		res.Attempts = attempt

		r, err := p.PollOnce(loopCtx, paymentID)
		switch {
		case err == nil:
			res.FinalStatus = r.CurrentStatus
			if r.CurrentStatus.IsTerminal() {
				res.TerminalReached = true
				log.Info("Payment reached terminal status", zap.String("status", string(r.CurrentStatus)), zap.Int("attempt", attempt))
				return res, nil
			}
		case errors.Is(err, domain.ErrPaymentNotFound), errors.Is(err, domain.ErrNoGatewayReference):
			res.LastError = err.Error()
			return res, err
		case loopCtx.Err() != nil:
			return p.stopped(ctx, res)
		case domain.IsGatewayError(err):
			failures++
			lastErr = err
			res.LastError = err.Error()
			log.Warn("Poll attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		default:
			res.LastError = err.Error()
			return res, err
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-loopCtx.Done():
			return p.stopped(ctx, res)
		case <-p.clock.After(BackoffDelay(baseDelay, attempt)):
		}
	}

	if res.FinalStatus == "" {
		if payment, err := p.paymentRepo.GetByIDTx(context.WithoutCancel(ctx), p.db, paymentID); err == nil {
			res.FinalStatus = payment.Status
		}
	}
	if res.Attempts > 0 && failures == res.Attempts {
		return res, lastErr
	}
	log.Info("Poll loop finished without terminal status",
		zap.Int("attempts", res.Attempts),
		zap.Bool("aborted", res.Aborted),
		zap.String("status", string(res.FinalStatus)))
	return res, nil
}

// stopped distinguishes an operator abort (local cancel) from the caller
// going away.
func (p *Poller) stopped(ctx context.Context, res *PollUntilTerminalResult) (*PollUntilTerminalResult, error) {
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	res.Aborted = true
	if payment, err := p.paymentRepo.GetByIDTx(ctx, p.db, res.PaymentID); err == nil {
		res.FinalStatus = payment.Status
	}
	return res, nil
}

// Abort stops a running poll-until-terminal loop for the payment, here or in
// another process sharing the guard.
func (p *Poller) Abort(ctx context.Context, paymentID string) error {
	p.mu.Lock()
	cancel, ok := p.running[paymentID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	if p.guard != nil {
		return p.guard.RequestAbort(ctx, paymentID)
	}
	return nil
}

// BulkPoll polls each id independently. Per-payment failures are reported in
// the result and never fail the batch.
func (p *Poller) BulkPoll(ctx context.Context, ids []string, untilTerminal bool) (*BulkPollResult, error) {
	if len(ids) == 0 {
		return nil, domain.ErrEmptyBatch
	}
	if len(ids) > MaxBulkPoll {
		return nil, fmt.Errorf("%w: got %d, max %d", domain.ErrBatchTooLarge, len(ids), MaxBulkPoll)
	}

	items := make([]BulkPollItem, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BulkConcurrency)
	for n, id := range ids {
		g.Go(func() error {
			items[n] = p.pollItem(gctx, id, untilTerminal)
			return nil
		})
	}
	_ = g.Wait()

	out := &BulkPollResult{Total: len(ids), Results: items}
	for _, it := range items {
		if it.Success {
			out.SuccessfulPolls++
		} else {
			out.Errors++
		}
		if it.Changed {
			out.PaymentsUpdated++
		}
	}
	p.logger.Info("Bulk poll finished",
		zap.Int("total", out.Total),
		zap.Int("successful", out.SuccessfulPolls),
		zap.Int("errors", out.Errors),
		zap.Int("updated", out.PaymentsUpdated))
	return out, nil
}

func (p *Poller) pollItem(ctx context.Context, id string, untilTerminal bool) BulkPollItem {
	item := BulkPollItem{PaymentID: id}
	if !untilTerminal {
		r, err := p.PollOnce(ctx, id)
		if err != nil {
			item.Error = err.Error()
			return item
		}
		item.Success = true
		item.Changed = r.Changed
		item.CurrentStatus = r.CurrentStatus
		item.Attempts = 1
		return item
	}

	before, err := p.paymentRepo.GetByIDTx(ctx, p.db, id)
	if err != nil {
		item.Error = err.Error()
		return item
	}
	r, err := p.PollUntilTerminal(ctx, id, p.cfg.BulkMaxAttempts, p.cfg.BulkBaseDelay)
	if r != nil {
		item.Attempts = r.Attempts
		item.CurrentStatus = r.FinalStatus
		item.Changed = r.FinalStatus != "" && r.FinalStatus != before.Status
	}
	if err != nil {
		item.Error = err.Error()
		return item
	}
	item.Success = true
	return item
}

func (p *Poller) register(paymentID string, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.running[paymentID]; busy {
		return false
	}
	p.running[paymentID] = cancel
	return true
}

func (p *Poller) unregister(paymentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, paymentID)
}

func (p *Poller) abortRequested(ctx context.Context, paymentID string) bool {
	if p.guard == nil {
		return false
	}
	aborted, err := p.guard.AbortRequested(ctx, paymentID)
	if err != nil {
		p.logger.Warn("Failed to read abort flag", zap.String("payment_id", paymentID), zap.Error(err))
		return false
	}
	return aborted
}
