package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"paylifecycle/internal/app/payments"
	"paylifecycle/internal/domain"
	"paylifecycle/internal/testutil"
)

const testSecret = "whsec_test_secret"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *testutil.Store
	ingestor *Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewStore()
	clock := clockwork.NewFakeClockAt(t0)
	svc := payments.NewService(nil, store,
		testutil.PaymentRepo{S: store},
		testutil.EventRepo{S: store},
		testutil.OutboxRepo{S: store},
		testutil.NewFakeGateway(), clock, zap.NewNop())
	ing := NewIngestor(store, testutil.LedgerRepo{S: store}, testutil.PaymentRepo{S: store}, svc, testSecret, clock, zap.NewNop())

	store.Seed(domain.Payment{
		ID:                "pay-1",
		OrderID:           "order-1",
		PayerID:           "user-1",
		Amount:            decimal.NewFromInt(100),
		Currency:          "usd",
		Purpose:           domain.PaymentPurposeDeposit,
		Status:            domain.PaymentStatusPending,
		CheckoutSessionID: "cs_1",
		CreatedAt:         t0.Add(-time.Hour),
	})
	return &fixture{store: store, ingestor: ing}
}

func signedEvent(t *testing.T, id, typ string, object map[string]any) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"api_version": "2020-08-27",
		"created":     t0.Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{Payload: body, Secret: testSecret})
	return signed.Payload, signed.Header
}

func sessionCompleted(id string) map[string]any {
	return map[string]any{
		"id":             id,
		"object":         "checkout.session",
		"status":         "complete",
		"payment_status": "paid",
		"payment_intent": "pi_1",
		"amount_total":   10000,
		"currency":       "usd",
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	body, _ := signedEvent(t, "evt_1", EventCheckoutSessionCompleted, sessionCompleted("cs_1"))

	_, err := f.ingestor.HandleWebhook(context.Background(), body, "t=1,v1=deadbeef")
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)

	_, ok := f.store.LedgerEntry("evt_1")
	assert.False(t, ok)
	assert.Equal(t, domain.PaymentStatusPending, f.store.Payment("pay-1").Status)
}

func TestHandleWebhook_CheckoutCompletedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	body, sig := signedEvent(t, "evt_1", EventCheckoutSessionCompleted, sessionCompleted("cs_1"))

	res, err := f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, res.Status)
	assert.Equal(t, "pay-1", res.PaymentID)
	assert.Equal(t, domain.PaymentStatusPending, res.PreviousStatus)
	assert.Equal(t, domain.PaymentStatusSucceeded, res.CurrentStatus)

	p := f.store.Payment("pay-1")
	assert.Equal(t, domain.PaymentStatusSucceeded, p.Status)
	assert.Equal(t, "pi_1", p.PaymentIntentID)
	require.NotNil(t, p.CompletedAt)
	completedAt := *p.CompletedAt

	res, err = f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyProcessed, res.Status)

	assert.Equal(t, completedAt, *f.store.Payment("pay-1").CompletedAt)
	assert.Len(t, f.store.OutboxMessages(), 1)
	assert.Len(t, f.store.Events("pay-1"), 1)

	entry, ok := f.store.LedgerEntry("evt_1")
	require.True(t, ok)
	assert.True(t, entry.Processed)
}

func TestHandleWebhook_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	body, sig := signedEvent(t, "evt_dup", EventCheckoutSessionCompleted, sessionCompleted("cs_1"))

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for n := range results {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := f.ingestor.HandleWebhook(context.Background(), body, sig)
			assert.NoError(t, err)
			results[n] = res
		}(n)
	}
	wg.Wait()

	processed := 0
	for _, r := range results {
		if r.Status == ResultProcessed {
			processed++
		}
	}
	assert.Equal(t, 1, processed)
	assert.Len(t, f.store.OutboxMessages(), 1)
}

func TestHandleWebhook_PaymentNotFoundStaysUnprocessed(t *testing.T) {
	f := newFixture(t)
	body, sig := signedEvent(t, "evt_2", EventCheckoutSessionCompleted, sessionCompleted("cs_unknown"))

	res, err := f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
	assert.Equal(t, ResultError, res.Status)

	entry, ok := f.store.LedgerEntry("evt_2")
	require.True(t, ok)
	assert.False(t, entry.Processed)

	// the redelivery is processed once the payment exists
	f.store.Seed(domain.Payment{ID: "pay-2", OrderID: "order-2", Amount: decimal.NewFromInt(5), Currency: "usd", Status: domain.PaymentStatusPending, CheckoutSessionID: "cs_unknown"})
	res, err = f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, res.Status)
	assert.Equal(t, domain.PaymentStatusSucceeded, f.store.Payment("pay-2").Status)
}

func TestHandleWebhook_IntentFailedUsesMetadataFallback(t *testing.T) {
	f := newFixture(t)
	body, sig := signedEvent(t, "evt_3", EventPaymentIntentFailed, map[string]any{
		"id":       "pi_new",
		"object":   "payment_intent",
		"status":   "requires_payment_method",
		"amount":   10000,
		"currency": "usd",
		"metadata": map[string]any{"payment_id": "pay-1"},
		"last_payment_error": map[string]any{
			"type":    "card_error",
			"code":    "card_declined",
			"message": "Your card was declined.",
		},
	})

	res, err := f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, res.Status)

	p := f.store.Payment("pay-1")
	assert.Equal(t, domain.PaymentStatusFailed, p.Status)
	assert.Equal(t, "Your card was declined.", p.FailureReason)
	assert.Equal(t, "pi_new", p.PaymentIntentID)
	assert.Empty(t, f.store.OutboxMessages())
}

func TestHandleWebhook_ChargeRefundedPartial(t *testing.T) {
	f := newFixture(t)
	p := f.store.Payment("pay-1")
	p.Status = domain.PaymentStatusSucceeded
	p.PaymentIntentID = "pi_1"
	done := t0.Add(-time.Minute)
	p.CompletedAt = &done
	f.store.Seed(p)

	body, sig := signedEvent(t, "evt_4", EventChargeRefunded, map[string]any{
		"id":              "ch_1",
		"object":          "charge",
		"amount":          10000,
		"amount_refunded": 3000,
		"currency":        "usd",
		"payment_intent":  "pi_1",
		"refunds": map[string]any{
			"object": "list",
			"data":   []any{map[string]any{"id": "re_1", "object": "refund", "amount": 3000}},
		},
	})

	res, err := f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartiallyRefunded, res.CurrentStatus)

	got := f.store.Payment("pay-1")
	assert.Equal(t, "ch_1", got.ChargeID)
	assert.Equal(t, "re_1", got.RefundID)
	assert.NotNil(t, got.RefundedAt)
	require.Len(t, f.store.OutboxMessages(), 1)
	assert.Equal(t, domain.OutboxTypePaymentRefunded, f.store.OutboxMessages()[0].MessageType)
}

func TestHandleWebhook_DisputeKeepsStatus(t *testing.T) {
	f := newFixture(t)
	p := f.store.Payment("pay-1")
	p.Status = domain.PaymentStatusSucceeded
	p.PaymentIntentID = "pi_1"
	f.store.Seed(p)

	body, sig := signedEvent(t, "evt_5", EventChargeDisputeCreated, map[string]any{
		"id":             "dp_1",
		"object":         "dispute",
		"amount":         10000,
		"reason":         "fraudulent",
		"created":        t0.Unix(),
		"payment_intent": "pi_1",
		"charge":         "ch_1",
	})

	res, err := f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, res.Status)

	got := f.store.Payment("pay-1")
	assert.Equal(t, domain.PaymentStatusSucceeded, got.Status)
	assert.Equal(t, true, got.Metadata["dispute_created"])
	assert.Equal(t, "fraudulent", got.Metadata["dispute_reason"])
	events := f.store.Events("pay-1")
	require.Len(t, events, 1)
	assert.Equal(t, domain.PaymentEventDisputeCreated, events[0].Type)
}

func TestHandleWebhook_Unhandled(t *testing.T) {
	f := newFixture(t)
	body, sig := signedEvent(t, "evt_6", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})

	res, err := f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, ResultUnhandled, res.Status)
	entry, ok := f.store.LedgerEntry("evt_6")
	require.True(t, ok)
	assert.True(t, entry.Processed)
}

func TestHandleWebhook_IntentProcessing(t *testing.T) {
	f := newFixture(t)
	body, sig := signedEvent(t, "evt_7", EventPaymentIntentProcessing, map[string]any{
		"id":       "pi_1",
		"object":   "payment_intent",
		"status":   "processing",
		"amount":   10000,
		"currency": "usd",
		"metadata": map[string]any{"payment_id": "pay-1"},
	})

	res, err := f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, res.Status)
	assert.Equal(t, domain.PaymentStatusPending, res.PreviousStatus)
	assert.Equal(t, domain.PaymentStatusProcessing, res.CurrentStatus)

	got := f.store.Payment("pay-1")
	assert.Equal(t, domain.PaymentStatusProcessing, got.Status)
	assert.Equal(t, "pi_1", got.PaymentIntentID)
	events := f.store.Events("pay-1")
	require.Len(t, events, 1)
	assert.Equal(t, domain.PaymentEventProcessingStarted, events[0].Type)
	assert.Empty(t, f.store.OutboxMessages())

	// success then a late processing notification
	body, sig = signedEvent(t, "evt_8", EventCheckoutSessionCompleted, sessionCompleted("cs_1"))
	_, err = f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	body, sig = signedEvent(t, "evt_9", EventPaymentIntentProcessing, map[string]any{
		"id":     "pi_1",
		"object": "payment_intent",
		"status": "processing",
	})
	res, err = f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, res.CurrentStatus)
	assert.Equal(t, domain.PaymentStatusSucceeded, f.store.Payment("pay-1").Status)
}

func TestHandleWebhook_RefundWithoutSuccessNotification(t *testing.T) {
	f := newFixture(t)
	body, sig := signedEvent(t, "evt_10", EventChargeRefunded, map[string]any{
		"id":              "ch_1",
		"object":          "charge",
		"amount":          10000,
		"amount_refunded": 10000,
		"currency":        "usd",
		"payment_intent":  "pi_1",
		"metadata":        map[string]any{"payment_id": "pay-1"},
	})

	res, err := f.ingestor.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, res.PreviousStatus)
	assert.Equal(t, domain.PaymentStatusRefunded, res.CurrentStatus)

	got := f.store.Payment("pay-1")
	assert.Equal(t, domain.PaymentStatusRefunded, got.Status)
	assert.NotNil(t, got.CompletedAt)
	msgs := f.store.OutboxMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.OutboxTypePaymentCompleted, msgs[0].MessageType)
	assert.Equal(t, domain.OutboxTypePaymentRefunded, msgs[1].MessageType)
}

func TestUnprocessedEvents(t *testing.T) {
	store := testutil.NewStore()
	clock := clockwork.NewFakeClockAt(t0)
	svc := payments.NewService(nil, store, testutil.PaymentRepo{S: store}, testutil.EventRepo{S: store}, testutil.OutboxRepo{S: store}, testutil.NewFakeGateway(), clock, zap.NewNop())
	ing := NewIngestor(store, testutil.LedgerRepo{S: store}, testutil.PaymentRepo{S: store}, svc, testSecret, clock, zap.NewNop())

	body, sig := signedEvent(t, "evt_lost", EventCheckoutSessionCompleted, sessionCompleted("cs_unknown"))
	_, err := ing.HandleWebhook(context.Background(), body, sig)
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)

	entries, err := ing.UnprocessedEvents(context.Background(), 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	clock.Advance(10 * time.Minute)
	entries, err = ing.UnprocessedEvents(context.Background(), 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt_lost", entries[0].EventID)
	assert.Equal(t, EventCheckoutSessionCompleted, entries[0].EventType)
	assert.False(t, entries[0].Processed)
}
