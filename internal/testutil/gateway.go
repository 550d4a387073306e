package testutil

import (
	"context"
	"fmt"
	"sync"

	"paylifecycle/internal/domain"
	"paylifecycle/internal/gateway"
)

// FakeGateway is a scripted gateway.Client.
type FakeGateway struct {
	mu sync.Mutex

	Sessions map[string]*domain.SessionSnapshot
	// Intents hold a sequence per id; each retrieve pops the head until one
	// snapshot is left, which then sticks.
	Intents map[string][]*domain.IntentSnapshot
	// Errors, when set for an id, are returned in order before any snapshot.
	Errors map[string][]error

	CheckoutErr error
	RefundErr   error
	// OnRefund runs after the refund succeeds at the gateway and before the
	// caller records it, standing in for a webhook that wins the race.
	OnRefund func(req gateway.RefundRequest)

	Checkouts     []gateway.CheckoutRequest
	Refunds       []gateway.RefundRequest
	RetrieveCalls int
	seq           int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Sessions: map[string]*domain.SessionSnapshot{},
		Intents:  map[string][]*domain.IntentSnapshot{},
		Errors:   map[string][]error{},
	}
}

func (g *FakeGateway) SetIntent(snaps ...*domain.IntentSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range snaps {
		g.Intents[s.PaymentIntentID] = append(g.Intents[s.PaymentIntentID], s)
	}
}

func (g *FakeGateway) SetSession(s *domain.SessionSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Sessions[s.SessionID] = s
}

func (g *FakeGateway) FailNext(id string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Errors[id] = append(g.Errors[id], errs...)
}

func (g *FakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.RetrieveCalls
}

func (g *FakeGateway) CreateCheckoutSession(_ context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CheckoutErr != nil {
		return nil, g.CheckoutErr
	}
	g.seq++
	g.Checkouts = append(g.Checkouts, req)
	id := fmt.Sprintf("cs_test_%d", g.seq)
	return &gateway.CheckoutSession{SessionID: id, RedirectURL: "https://checkout.test/" + id}, nil
}

func (g *FakeGateway) CreateRefund(_ context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	g.mu.Lock()
	if g.RefundErr != nil {
		err := g.RefundErr
		g.mu.Unlock()
		return nil, err
	}
	g.seq++
	g.Refunds = append(g.Refunds, req)
	res := &gateway.RefundResult{RefundID: fmt.Sprintf("re_test_%d", g.seq), Status: "succeeded"}
	if req.Amount != nil {
		res.RefundedAmount = *req.Amount
	}
	hook := g.OnRefund
	g.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return res, nil
}

func (g *FakeGateway) popError(id string) error {
	errs := g.Errors[id]
	if len(errs) == 0 {
		return nil
	}
	g.Errors[id] = errs[1:]
	return errs[0]
}

func (g *FakeGateway) RetrieveSessionStatus(_ context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RetrieveCalls++
	if err := g.popError(sessionID); err != nil {
		return nil, err
	}
	s, ok := g.Sessions[sessionID]
	if !ok {
		return nil, &domain.GatewayError{Op: "retrieve_checkout_session", StatusCode: 404, Code: "resource_missing"}
	}
	out := *s
	return &out, nil
}

func (g *FakeGateway) RetrievePaymentIntentStatus(_ context.Context, intentID string) (*domain.IntentSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RetrieveCalls++
	if err := g.popError(intentID); err != nil {
		return nil, err
	}
	seq := g.Intents[intentID]
	if len(seq) == 0 {
		return nil, &domain.GatewayError{Op: "retrieve_payment_intent", StatusCode: 404, Code: "resource_missing"}
	}
	head := seq[0]
	if len(seq) > 1 {
		g.Intents[intentID] = seq[1:]
	}
	out := *head
	out.Charges = append([]domain.ChargeSnapshot(nil), head.Charges...)
	return &out, nil
}
