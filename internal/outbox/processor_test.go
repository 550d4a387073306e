package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paylifecycle/internal/domain"
	"paylifecycle/internal/testutil"
)

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, key string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

func seedMessage(t *testing.T, store *testutil.Store, id string) {
	t.Helper()
	err := testutil.OutboxRepo{S: store}.CreateMessageTx(context.Background(), nil, &domain.OutboxMessage{
		ID:          id,
		AggregateID: "pay-" + id,
		OrderID:     "order-" + id,
		MessageType: domain.OutboxTypePaymentCompleted,
		Payload:     []byte(`{"status":"SUCCESS"}`),
		Status:      domain.OutboxStatusPending,
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)
}

func TestProcessBatch_PublishesAndMarksSent(t *testing.T) {
	store := testutil.NewStore()
	pub := &fakePublisher{}
	p := NewProcessor(store, testutil.OutboxRepo{S: store}, pub, Config{BatchSize: 10, MaxAttempts: 3}, clockwork.NewFakeClock(), zap.NewNop())
	seedMessage(t, store, "m1")
	seedMessage(t, store, "m2")

	sent, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"pay-m1", "pay-m2"}, pub.keys)

	for _, m := range store.OutboxMessages() {
		assert.Equal(t, domain.OutboxStatusSent, m.Status)
		assert.NotNil(t, m.SentAt)
	}

	sent, err = p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestProcessBatch_FailuresParkAfterMaxAttempts(t *testing.T) {
	store := testutil.NewStore()
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	p := NewProcessor(store, testutil.OutboxRepo{S: store}, pub, Config{BatchSize: 10, MaxAttempts: 2}, clockwork.NewFakeClock(), zap.NewNop())
	seedMessage(t, store, "m1")

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	msg := store.OutboxMessages()[0]
	assert.Equal(t, domain.OutboxStatusPending, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	assert.Equal(t, "broker unavailable", msg.LastError)

	_, err = p.ProcessBatch(context.Background())
	require.NoError(t, err)
	msg = store.OutboxMessages()[0]
	assert.Equal(t, domain.OutboxStatusFailed, msg.Status)
	assert.Equal(t, 2, msg.Attempts)

	pub.err = nil
	sent, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestProcessor_StartStop(t *testing.T) {
	store := testutil.NewStore()
	p := NewProcessor(store, testutil.OutboxRepo{S: store}, &fakePublisher{}, Config{PollInterval: time.Second}, clockwork.NewFakeClock(), zap.NewNop())

	p.Start(context.Background())
	p.Stop()
	p.Stop()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestProcessor_StopsOnContextCancel(t *testing.T) {
	store := testutil.NewStore()
	clock := clockwork.NewFakeClock()
	pub := &fakePublisher{}
	p := NewProcessor(store, testutil.OutboxRepo{S: store}, pub, Config{PollInterval: time.Second}, clock, zap.NewNop())
	seedMessage(t, store, "m1")

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return store.OutboxMessages()[0].Status == domain.OutboxStatusSent
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
