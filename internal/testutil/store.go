// Package testutil holds in-memory fakes of the repositories, transactor and
// gateway shared by service-level tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"paylifecycle/internal/domain"
)

// Store is an in-memory database. WithinTx serializes transactions and rolls
// back every table when fn fails.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	payments map[string]domain.Payment
	events   []domain.PaymentEvent
	outbox   []domain.OutboxMessage
	ledger   map[string]domain.EventLedgerEntry

	// UpdateErr, when set, is returned by the next payment UpdateTx.
	UpdateErr error
}

func NewStore() *Store {
	return &Store{
		payments: map[string]domain.Payment{},
		ledger:   map[string]domain.EventLedgerEntry{},
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, q domain.Querier) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	defer func() {
		if r := recover(); r != nil {
			s.restore(snap)
			panic(r)
		}
	}()
	if err := fn(ctx, nil); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type storeSnapshot struct {
	payments map[string]domain.Payment
	events   []domain.PaymentEvent
	outbox   []domain.OutboxMessage
	ledger   map[string]domain.EventLedgerEntry
}

func (s *Store) snapshot() storeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := storeSnapshot{
		payments: make(map[string]domain.Payment, len(s.payments)),
		events:   append([]domain.PaymentEvent(nil), s.events...),
		outbox:   append([]domain.OutboxMessage(nil), s.outbox...),
		ledger:   make(map[string]domain.EventLedgerEntry, len(s.ledger)),
	}
	for k, v := range s.payments {
		snap.payments[k] = copyPayment(v)
	}
	for k, v := range s.ledger {
		snap.ledger[k] = v
	}
	return snap
}

func (s *Store) restore(snap storeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = snap.payments
	s.events = snap.events
	s.outbox = snap.outbox
	s.ledger = snap.ledger
}

// Seed inserts a payment directly.
func (s *Store) Seed(p domain.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Metadata == nil {
		p.Metadata = domain.Metadata{}
	}
	s.payments[p.ID] = copyPayment(p)
}

func (s *Store) Payment(id string) domain.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPayment(s.payments[id])
}

func (s *Store) Events(paymentID string) []domain.PaymentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PaymentEvent
	for _, e := range s.events {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) OutboxMessages() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxMessage(nil), s.outbox...)
}

func (s *Store) LedgerEntry(eventID string) (domain.EventLedgerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[eventID]
	return e, ok
}

func copyPayment(p domain.Payment) domain.Payment {
	out := p
	if p.Metadata != nil {
		out.Metadata = deepCopyMetadata(p.Metadata)
	}
	return out
}

func deepCopyMetadata(m domain.Metadata) domain.Metadata {
	out := make(domain.Metadata, len(m))
	for k, v := range m {
		if list, ok := v.([]any); ok {
			out[k] = append([]any(nil), list...)
			continue
		}
		out[k] = v
	}
	return out
}

// PaymentRepo implements payments_repo.PaymentRepository on a Store. The
// ForUpdate variants rely on WithinTx serialization instead of row locks.
type PaymentRepo struct{ S *Store }

func (r PaymentRepo) CreateTx(_ context.Context, _ domain.Querier, p *domain.Payment) error {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	if _, ok := r.S.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	r.S.payments[p.ID] = copyPayment(*p)
	return nil
}

func (r PaymentRepo) find(match func(domain.Payment) bool) (*domain.Payment, error) {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	for _, p := range r.S.payments {
		if match(p) {
			out := copyPayment(p)
			return &out, nil
		}
	}
	return nil, domain.ErrPaymentNotFound
}

func (r PaymentRepo) GetByIDTx(_ context.Context, _ domain.Querier, id string) (*domain.Payment, error) {
	return r.find(func(p domain.Payment) bool { return p.ID == id })
}

func (r PaymentRepo) GetByIDForUpdateTx(ctx context.Context, q domain.Querier, id string) (*domain.Payment, error) {
	return r.GetByIDTx(ctx, q, id)
}

func (r PaymentRepo) GetByCheckoutSessionIDForUpdateTx(_ context.Context, _ domain.Querier, sessionID string) (*domain.Payment, error) {
	return r.find(func(p domain.Payment) bool { return sessionID != "" && p.CheckoutSessionID == sessionID })
}

func (r PaymentRepo) GetByPaymentIntentIDForUpdateTx(ctx context.Context, q domain.Querier, intentID string) (*domain.Payment, error) {
	return r.GetByPaymentIntentIDTx(ctx, q, intentID)
}

func (r PaymentRepo) GetByPaymentIntentIDTx(_ context.Context, _ domain.Querier, intentID string) (*domain.Payment, error) {
	return r.find(func(p domain.Payment) bool { return intentID != "" && p.PaymentIntentID == intentID })
}

func (r PaymentRepo) UpdateTx(_ context.Context, _ domain.Querier, p *domain.Payment) error {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	if err := r.S.UpdateErr; err != nil {
		r.S.UpdateErr = nil
		return err
	}
	existing, ok := r.S.payments[p.ID]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	updated := copyPayment(*p)
	// amount and currency are not writable
	updated.Amount = existing.Amount
	updated.Currency = existing.Currency
	r.S.payments[p.ID] = updated
	return nil
}

func (r PaymentRepo) list(match func(domain.Payment) bool, limit int) []domain.Payment {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.S.payments {
		if match(p) {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func inFlightBetween(from, to time.Time) func(domain.Payment) bool {
	return func(p domain.Payment) bool {
		inFlight := p.Status == domain.PaymentStatusPending || p.Status == domain.PaymentStatusProcessing
		return inFlight && !p.CreatedAt.Before(from) && p.CreatedAt.Before(to)
	}
}

func failedSince(since time.Time) func(domain.Payment) bool {
	return func(p domain.Payment) bool {
		return p.Status == domain.PaymentStatusFailed && p.FailedAt != nil && !p.FailedAt.Before(since)
	}
}

func (r PaymentRepo) ListInFlightCreatedBetween(_ context.Context, _ domain.Querier, from, to time.Time, limit int) ([]domain.Payment, error) {
	return r.list(inFlightBetween(from, to), limit), nil
}

func (r PaymentRepo) CountInFlightCreatedBetween(_ context.Context, _ domain.Querier, from, to time.Time) (int, error) {
	return len(r.list(inFlightBetween(from, to), 0)), nil
}

func (r PaymentRepo) ListFailedSince(_ context.Context, _ domain.Querier, since time.Time, limit int) ([]domain.Payment, error) {
	return r.list(failedSince(since), limit), nil
}

func (r PaymentRepo) CountFailedSince(_ context.Context, _ domain.Querier, since time.Time) (int, error) {
	return len(r.list(failedSince(since), 0)), nil
}

func (r PaymentRepo) CountByStatus(_ context.Context, _ domain.Querier) (map[domain.PaymentStatus]int, error) {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	out := map[domain.PaymentStatus]int{}
	for _, p := range r.S.payments {
		out[p.Status]++
	}
	return out, nil
}

type EventRepo struct{ S *Store }

func (r EventRepo) AppendTx(_ context.Context, _ domain.Querier, e *domain.PaymentEvent) error {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	r.S.events = append(r.S.events, *e)
	return nil
}

func (r EventRepo) ListByPaymentTx(_ context.Context, _ domain.Querier, paymentID string) ([]domain.PaymentEvent, error) {
	return r.S.Events(paymentID), nil
}

type OutboxRepo struct{ S *Store }

func (r OutboxRepo) CreateMessageTx(_ context.Context, _ domain.Querier, msg *domain.OutboxMessage) error {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	r.S.outbox = append(r.S.outbox, *msg)
	return nil
}

func (r OutboxRepo) GetPendingMessagesTx(_ context.Context, _ domain.Querier, limit int) ([]domain.OutboxMessage, error) {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	var out []domain.OutboxMessage
	for _, m := range r.S.outbox {
		if m.Status == domain.OutboxStatusPending {
			out = append(out, m)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r OutboxRepo) update(id string, fn func(*domain.OutboxMessage)) error {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	for i := range r.S.outbox {
		if r.S.outbox[i].ID == id {
			fn(&r.S.outbox[i])
			return nil
		}
	}
	return fmt.Errorf("no outbox message found with id %s", id)
}

func (r OutboxRepo) MarkSentTx(_ context.Context, _ domain.Querier, id string, at time.Time) error {
	return r.update(id, func(m *domain.OutboxMessage) {
		m.Status = domain.OutboxStatusSent
		m.Attempts++
		m.LastError = ""
		t := at
		m.SentAt = &t
	})
}

func (r OutboxRepo) MarkFailedAttemptTx(_ context.Context, _ domain.Querier, id string, lastErr string, maxAttempts int) error {
	return r.update(id, func(m *domain.OutboxMessage) {
		m.Attempts++
		m.LastError = lastErr
		if m.Attempts >= maxAttempts {
			m.Status = domain.OutboxStatusFailed
		}
	})
}

type LedgerRepo struct{ S *Store }

func (r LedgerRepo) GetOrCreateForUpdateTx(_ context.Context, _ domain.Querier, eventID, eventType string, receivedAt time.Time) (*domain.EventLedgerEntry, bool, error) {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	if e, ok := r.S.ledger[eventID]; ok {
		return &e, false, nil
	}
	e := domain.EventLedgerEntry{EventID: eventID, EventType: eventType, ReceivedAt: receivedAt}
	r.S.ledger[eventID] = e
	return &e, true, nil
}

func (r LedgerRepo) MarkProcessedTx(_ context.Context, _ domain.Querier, eventID string, at time.Time) error {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	e, ok := r.S.ledger[eventID]
	if !ok || e.Processed {
		return fmt.Errorf("event %s not found or already processed", eventID)
	}
	e.Processed = true
	t := at
	e.ProcessedAt = &t
	r.S.ledger[eventID] = e
	return nil
}

func (r LedgerRepo) ListUnprocessedTx(_ context.Context, _ domain.Querier, olderThan time.Time, limit int) ([]domain.EventLedgerEntry, error) {
	r.S.mu.Lock()
	defer r.S.mu.Unlock()
	var out []domain.EventLedgerEntry
	for _, e := range r.S.ledger {
		if !e.Processed && e.ReceivedAt.Before(olderThan) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
