package payments_http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"paylifecycle/internal/app/payments"
	"paylifecycle/internal/app/reconcile"
	"paylifecycle/internal/app/webhook"
	"paylifecycle/internal/domain"
	"paylifecycle/internal/testutil"
)

const (
	jwtSecret     = "jwt-test-secret"
	webhookSecret = "whsec_test_secret"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type HandlerSuite struct {
	suite.Suite
	store  *testutil.Store
	gw     *testutil.FakeGateway
	clock  *clockwork.FakeClock
	router http.Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.store = testutil.NewStore()
	s.gw = testutil.NewFakeGateway()
	clock := clockwork.NewFakeClockAt(t0)
	s.clock = clock

	svc := payments.NewService(nil, s.store,
		testutil.PaymentRepo{S: s.store},
		testutil.EventRepo{S: s.store},
		testutil.OutboxRepo{S: s.store},
		s.gw, clock, zap.NewNop())
	poller := reconcile.NewPoller(nil, s.store, testutil.PaymentRepo{S: s.store}, svc, s.gw, nil, clock, reconcile.Config{}, zap.NewNop())
	ing := webhook.NewIngestor(s.store, testutil.LedgerRepo{S: s.store}, testutil.PaymentRepo{S: s.store}, svc, webhookSecret, clock, zap.NewNop())

	r := chi.NewRouter()
	RegisterRoutes(r, svc, poller, ing, RouteOptions{
		JWTSecret:      jwtSecret,
		AllowedOrigins: []string{"https://shop.example"},
		Poll:           PollDefaults{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, zap.NewNop())
	s.router = r

	s.store.Seed(domain.Payment{
		ID:                "pay-pending",
		OrderID:           "order-1",
		PayerID:           "user-1",
		Amount:            decimal.NewFromInt(100),
		Currency:          "usd",
		Purpose:           domain.PaymentPurposeDeposit,
		Status:            domain.PaymentStatusPending,
		CheckoutSessionID: "cs_1",
		CreatedAt:         t0.Add(-time.Hour),
	})
	completed := t0.Add(-30 * time.Minute)
	s.store.Seed(domain.Payment{
		ID:              "pay-paid",
		OrderID:         "order-2",
		PayerID:         "user-1",
		Amount:          decimal.NewFromInt(80),
		Currency:        "usd",
		Purpose:         domain.PaymentPurposeFull,
		Status:          domain.PaymentStatusSucceeded,
		PaymentIntentID: "pi_paid",
		CompletedAt:     &completed,
		CreatedAt:       t0.Add(-2 * time.Hour),
	})
}

func token(t require.TestingT, subject, role string) string {
	tkn := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := tkn.SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (s *HandlerSuite) do(method, path, body, bearer string, headers ...string) (*httptest.ResponseRecorder, gjson.Result) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec, gjson.ParseBytes(rec.Body.Bytes())
}

func (s *HandlerSuite) admin() string { return token(s.T(), "ops-1", RoleAdmin) }

func (s *HandlerSuite) TestHealth() {
	rec, _ := s.do(http.MethodGet, "/health/", "", "")
	s.Equal(http.StatusOK, rec.Code)
}

func (s *HandlerSuite) TestCreateCheckoutSession() {
	rec, body := s.do(http.MethodPost, "/payments/checkout-session",
		`{"order_id":"order-9","payer_id":"user-9","amount":"49.99","currency":"USD","description":"Deposit","payment_type":"deposit"}`, "",
		"X-Client-Platform", "ios")

	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	s.Equal("cs_test_1", body.Get("session_id").String())
	s.Equal("https://checkout.test/cs_test_1", body.Get("redirect_url").String())

	p := s.store.Payment(body.Get("payment_id").String())
	s.Equal(domain.PaymentStatusPending, p.Status)
	s.Equal("49.99", p.Amount.StringFixed(2))
	s.Equal("usd", p.Currency)
	s.Equal(domain.PaymentPurposeDeposit, p.Purpose)
	s.Equal("ios", p.Metadata["platform"])
}

func (s *HandlerSuite) TestCreateCheckoutSession_Validation() {
	rec, body := s.do(http.MethodPost, "/payments/checkout-session", `{"payer_id":"user-9","amount":"10"}`, "")
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Contains(body.Get("error").String(), "OrderID")

	rec, _ = s.do(http.MethodPost, "/payments/checkout-session", `{"order_id":"o","payer_id":"u","amount":"0"}`, "")
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, _ = s.do(http.MethodPost, "/payments/checkout-session", `{"order_id":"o","payer_id":"u","amount":"5","payment_type":"tip"}`, "")
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, _ = s.do(http.MethodPost, "/payments/checkout-session", `not json`, "")
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Empty(s.gw.Checkouts)
}

func (s *HandlerSuite) TestCreateCheckoutSession_GatewayErrorHidesDetails() {
	s.gw.CheckoutErr = &domain.GatewayError{Op: "create_checkout_session", StatusCode: 401, Code: "api_key_invalid", Message: "Invalid API Key"}

	rec, body := s.do(http.MethodPost, "/payments/checkout-session", `{"order_id":"o","payer_id":"u","amount":"5"}`, "")
	s.Equal(http.StatusBadGateway, rec.Code)
	s.Equal("payment processor unavailable", body.Get("error").String())
	s.NotContains(rec.Body.String(), "api_key_invalid")
}

func (s *HandlerSuite) TestCheckoutPreflight() {
	rec, _ := s.do(http.MethodOptions, "/payments/checkout-session", "", "",
		"Origin", "https://shop.example",
		"Access-Control-Request-Method", http.MethodPost)
	s.Equal("https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec, _ = s.do(http.MethodOptions, "/payments/checkout-session", "", "",
		"Origin", "https://evil.example",
		"Access-Control-Request-Method", http.MethodPost)
	s.Empty(rec.Header().Get("Access-Control-Allow-Origin"))
}

func (s *HandlerSuite) TestAuth() {
	rec, _ := s.do(http.MethodGet, "/payments/pay-pending", "", "")
	s.Equal(http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(http.MethodGet, "/payments/pay-pending", "", "not-a-jwt")
	s.Equal(http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(http.MethodGet, "/payments/pay-pending", "", token(s.T(), "user-1", "payer"))
	s.Equal(http.StatusForbidden, rec.Code)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}})
	bad, err := forged.SignedString([]byte("other-secret"))
	s.Require().NoError(err)
	rec, _ = s.do(http.MethodGet, "/payments/pay-pending", "", bad)
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *HandlerSuite) TestGetPayment() {
	rec, body := s.do(http.MethodGet, "/payments/pay-paid", "", s.admin())
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("pay-paid", body.Get("payment.id").String())
	s.Equal("80.00", body.Get("payment.amount").String())
	s.Equal("succeeded", body.Get("payment.status").String())
	s.True(body.Get("events").IsArray())

	rec, body = s.do(http.MethodGet, "/payments/missing", "", s.admin())
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal("payment not found", body.Get("error").String())
}

func (s *HandlerSuite) TestGetCheckoutSession() {
	s.gw.SetSession(&domain.SessionSnapshot{SessionID: "cs_1", Status: "open", PaymentStatus: "unpaid", AmountTotal: 10000, Currency: "usd"})

	rec, body := s.do(http.MethodGet, "/payments/checkout-session/cs_1", "", token(s.T(), "user-1", "payer"))
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("unpaid", body.Get("payment_status").String())
	s.Equal("100.00", body.Get("amount_total").String())

	rec, _ = s.do(http.MethodGet, "/payments/checkout-session/cs_unknown", "", token(s.T(), "user-1", "payer"))
	s.Equal(http.StatusBadGateway, rec.Code)
}

func (s *HandlerSuite) TestPayerRefund() {
	rec, _ := s.do(http.MethodPost, "/payments/refund", `{"payment_intent_id":"pi_paid"}`, token(s.T(), "user-2", "payer"))
	s.Equal(http.StatusNotFound, rec.Code)
	s.Empty(s.gw.Refunds)

	rec, body := s.do(http.MethodPost, "/payments/refund", `{"payment_intent_id":"pi_paid","amount":"30","reason":"changed my mind"}`, token(s.T(), "user-1", "payer"))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("partially_refunded", body.Get("status").String())
	s.Equal("30.00", body.Get("refunded_amount").String())
	s.False(body.Get("gateway_status").Exists())

	s.Equal(domain.PaymentStatusPartiallyRefunded, s.store.Payment("pay-paid").Status)
}

func (s *HandlerSuite) TestAdminRefundTooLarge() {
	rec, _ := s.do(http.MethodPost, "/payments/pay-paid/refund", `{"amount":"80.01"}`, s.admin())
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Empty(s.gw.Refunds)

	rec, body := s.do(http.MethodPost, "/payments/pay-paid/refund", "", s.admin())
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("refunded", body.Get("status").String())
	s.Equal("succeeded", body.Get("gateway_status").String())
}

func (s *HandlerSuite) TestCancelConflict() {
	rec, body := s.do(http.MethodPost, "/payments/pay-paid/cancel", `{"reason":"duplicate"}`, s.admin())
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal("succeeded", body.Get("current_status").String())

	rec, body = s.do(http.MethodPost, "/payments/pay-pending/cancel", `{"reason":"duplicate"}`, s.admin())
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("cancelled", body.Get("status").String())
	s.Equal("ops-1", body.Get("metadata.cancelled_by").String())
}

func (s *HandlerSuite) TestUpdateStatus() {
	rec, _ := s.do(http.MethodPatch, "/payments/pay-pending/status", `{"status":"bogus","admin_note":"x"}`, s.admin())
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, _ = s.do(http.MethodPatch, "/payments/pay-pending/status", `{"status":"succeeded"}`, s.admin())
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, body := s.do(http.MethodPatch, "/payments/pay-pending/status", `{"status":"succeeded","admin_note":"confirmed by bank"}`, s.admin())
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("succeeded", body.Get("status").String())
	s.Equal("confirmed by bank", body.Get("metadata.admin_updates.0.note").String())
}

func (s *HandlerSuite) TestPollStatus() {
	s.gw.SetSession(&domain.SessionSnapshot{SessionID: "cs_1", Status: "complete", PaymentStatus: "paid", PaymentIntentID: "pi_1"})

	rec, body := s.do(http.MethodPost, "/payments/pay-pending/poll-status", "", s.admin())
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.True(body.Get("changed").Bool())
	s.Equal("succeeded", body.Get("current_status").String())
	s.Equal("checkout_session", body.Get("source").String())
}

func (s *HandlerSuite) TestPollUntilComplete() {
	s.gw.SetSession(&domain.SessionSnapshot{SessionID: "cs_1", Status: "open", PaymentStatus: "unpaid"})

	rec, body := s.do(http.MethodPost, "/payments/pay-pending/poll-until-complete", "", s.admin())
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal(int64(1), body.Get("attempts").Int())
	s.False(body.Get("terminal_reached").Bool())
	s.Equal("pending", body.Get("final_status").String())

	rec, _ = s.do(http.MethodPost, "/payments/pay-pending/poll-until-complete", `{"max_attempts":50}`, s.admin())
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestPollAbort() {
	rec, body := s.do(http.MethodPost, "/payments/pay-pending/poll-abort", "", s.admin())
	s.Equal(http.StatusAccepted, rec.Code)
	s.Equal("abort_requested", body.Get("status").String())
}

func (s *HandlerSuite) TestBulkPoll() {
	ids := make([]string, 21)
	for i := range ids {
		ids[i] = fmt.Sprintf("%q", fmt.Sprintf("pay-%d", i))
	}
	rec, _ := s.do(http.MethodPost, "/payments/bulk-poll", `{"payment_ids":[`+strings.Join(ids, ",")+`]}`, s.admin())
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, _ = s.do(http.MethodPost, "/payments/bulk-poll", `{"payment_ids":[]}`, s.admin())
	s.Equal(http.StatusBadRequest, rec.Code)

	s.gw.SetIntent(&domain.IntentSnapshot{PaymentIntentID: "pi_paid", Status: domain.IntentStatusSucceeded})
	rec, body := s.do(http.MethodPost, "/payments/bulk-poll", `{"payment_ids":["pay-paid","missing"]}`, s.admin())
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal(int64(2), body.Get("total").Int())
	s.Equal(int64(1), body.Get("successful_polls").Int())
	s.Equal(int64(1), body.Get("errors").Int())
}

func (s *HandlerSuite) TestNeedsPollingAndStats() {
	rec, body := s.do(http.MethodGet, "/payments/needs-polling", "", s.admin())
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(int64(1), body.Get("recent_pending.count").Int())
	s.Equal("pay-pending", body.Get("recent_pending.payments.0.id").String())
	s.Equal(int64(0), body.Get("failed_recent.count").Int())

	rec, body = s.do(http.MethodGet, "/payments/stats", "", s.admin())
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(int64(2), body.Get("total").Int())
	s.Equal(int64(1), body.Get("by_status.pending").Int())
	s.Equal(int64(0), body.Get("by_status.refunded").Int())
}

func signedWebhook(t require.TestingT, id, typ string, object map[string]any) ([]byte, string) {
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"api_version": "2020-08-27",
		"created":     t0.Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{Payload: body, Secret: webhookSecret})
	return signed.Payload, signed.Header
}

func (s *HandlerSuite) postWebhook(body []byte, sig string) (*httptest.ResponseRecorder, gjson.Result) {
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(string(body)))
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec, gjson.ParseBytes(rec.Body.Bytes())
}

func (s *HandlerSuite) TestWebhook() {
	session := func(id string) map[string]any {
		return map[string]any{"id": id, "object": "checkout.session", "status": "complete", "payment_status": "paid", "payment_intent": "pi_1"}
	}

	body, sig := signedWebhook(s.T(), "evt_1", webhook.EventCheckoutSessionCompleted, session("cs_1"))

	rec, _ := s.postWebhook(body, "")
	s.Equal(http.StatusBadRequest, rec.Code)
	rec, _ = s.postWebhook(body, "t=1,v1=deadbeef")
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, res := s.postWebhook(body, sig)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("processed", res.Get("status").String())
	s.Equal("succeeded", res.Get("current_status").String())

	rec, res = s.postWebhook(body, sig)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("already_processed", res.Get("status").String())

	body, sig = signedWebhook(s.T(), "evt_2", webhook.EventCheckoutSessionCompleted, session("cs_unknown"))
	rec, res = s.postWebhook(body, sig)
	s.Equal(http.StatusInternalServerError, rec.Code)
	s.Equal("error", res.Get("status").String())
}

func (s *HandlerSuite) TestUnprocessedWebhookEvents() {
	body, sig := signedWebhook(s.T(), "evt_lost", webhook.EventCheckoutSessionCompleted, map[string]any{
		"id": "cs_unknown", "object": "checkout.session", "status": "complete", "payment_status": "paid",
	})
	rec, _ := s.postWebhook(body, sig)
	s.Require().Equal(http.StatusInternalServerError, rec.Code)

	rec, _ = s.do(http.MethodGet, "/payments/webhook-events/unprocessed", "", token(s.T(), "user-1", ""))
	s.Equal(http.StatusForbidden, rec.Code)

	rec, res := s.do(http.MethodGet, "/payments/webhook-events/unprocessed", "", s.admin())
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal(int64(0), res.Get("count").Int())

	s.clock.Advance(10 * time.Minute)
	rec, res = s.do(http.MethodGet, "/payments/webhook-events/unprocessed?min_age_minutes=5&limit=10", "", s.admin())
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal(int64(1), res.Get("count").Int())
	s.Equal("evt_lost", res.Get("events.0.event_id").String())
	s.Equal(webhook.EventCheckoutSessionCompleted, res.Get("events.0.event_type").String())

	rec, _ = s.do(http.MethodGet, "/payments/webhook-events/unprocessed?limit=abc", "", s.admin())
	s.Equal(http.StatusBadRequest, rec.Code)
	rec, _ = s.do(http.MethodGet, "/payments/webhook-events/unprocessed?limit=0", "", s.admin())
	s.Equal(http.StatusBadRequest, rec.Code)
}

func TestAuthenticator_Parse(t *testing.T) {
	a := NewAuthenticator(jwtSecret, zap.NewNop())

	claims, err := a.Parse(token(t, "user-1", RoleAdmin))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	signed, err := expired.SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	_, err = a.Parse(signed)
	assert.Error(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: RoleAdmin}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	_, err = a.Parse(noSubject)
	assert.Error(t, err)
}
