package outbox_repo

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paylifecycle/internal/domain"
)

func TestCreateMessageTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewOutboxRepository(db)
	now := time.Now()

	msg := &domain.OutboxMessage{
		ID:          "msg-1",
		AggregateID: "pay-1",
		OrderID:     "order-1",
		MessageType: domain.OutboxTypePaymentCompleted,
		Payload:     []byte(`{"status":"SUCCESS"}`),
		Status:      domain.OutboxStatusPending,
		CreatedAt:   now,
	}
	mock.ExpectExec(`INSERT INTO outbox_messages`).
		WithArgs("msg-1", "pay-1", "order-1", "payment.completed", msg.Payload, "PENDING", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateMessageTx(context.Background(), db, msg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPendingMessagesTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewOutboxRepository(db)
	now := time.Now()

	cols := []string{"id", "aggregate_id", "order_id", "message_type", "payload", "status", "attempts", "last_error", "created_at", "sent_at"}
	mock.ExpectQuery(`FROM outbox_messages WHERE status = \$1 ORDER BY created_at ASC LIMIT \$2 FOR UPDATE SKIP LOCKED`).
		WithArgs("PENDING", 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("msg-1", "pay-1", "order-1", "payment.completed", []byte(`{}`), "PENDING", 2, "broker down", now, nil))

	msgs, err := repo.GetPendingMessagesTx(context.Background(), db, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].Attempts)
	assert.Equal(t, "broker down", msgs[0].LastError)
	assert.Equal(t, domain.OutboxStatusPending, msgs[0].Status)
	assert.Nil(t, msgs[0].SentAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSentTx_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewOutboxRepository(db)
	now := time.Now()

	mock.ExpectExec(`UPDATE outbox_messages SET status = \$1, sent_at = \$2`).
		WithArgs("SENT", now, "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE outbox_messages`).
		WithArgs("SENT", now, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkSentTx(context.Background(), db, "msg-1", now))
	assert.Error(t, repo.MarkSentTx(context.Background(), db, "missing", now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedAttemptTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewOutboxRepository(db)

	mock.ExpectExec(`UPDATE outbox_messages SET attempts = attempts \+ 1`).
		WithArgs("kafka: timeout", 5, "FAILED", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkFailedAttemptTx(context.Background(), db, "msg-1", "kafka: timeout", 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}
