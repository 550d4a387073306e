package event_ledger_repo

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ledgerColumns = []string{"event_id", "event_type", "processed", "processed_at", "received_at"}

func TestGetOrCreate_NewEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewEventLedgerRepository(db)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO event_ledger (.+) ON CONFLICT \(event_id\) DO NOTHING`).
		WithArgs("evt_1", "payment_intent.succeeded", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM event_ledger WHERE event_id = \$1 FOR UPDATE`).
		WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows(ledgerColumns).AddRow("evt_1", "payment_intent.succeeded", false, nil, now))

	entry, created, err := repo.GetOrCreateForUpdateTx(context.Background(), db, "evt_1", "payment_intent.succeeded", now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, entry.Processed)
	assert.Nil(t, entry.ProcessedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreate_AlreadyProcessed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewEventLedgerRepository(db)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO event_ledger`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM event_ledger`).
		WillReturnRows(sqlmock.NewRows(ledgerColumns).AddRow("evt_1", "payment_intent.succeeded", true, now, now))

	entry, created, err := repo.GetOrCreateForUpdateTx(context.Background(), db, "evt_1", "payment_intent.succeeded", now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, entry.Processed)
	require.NotNil(t, entry.ProcessedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreate_UniqueViolationFallsThrough(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewEventLedgerRepository(db)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO event_ledger`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(`SELECT (.+) FROM event_ledger`).
		WillReturnRows(sqlmock.NewRows(ledgerColumns).AddRow("evt_1", "charge.refunded", false, nil, now))

	entry, created, err := repo.GetOrCreateForUpdateTx(context.Background(), db, "evt_1", "charge.refunded", now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "charge.refunded", entry.EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewEventLedgerRepository(db)
	now := time.Now()

	mock.ExpectExec(`UPDATE event_ledger SET processed = TRUE, processed_at = \$1 WHERE event_id = \$2 AND processed = FALSE`).
		WithArgs(now, "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE event_ledger`).
		WithArgs(now, "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkProcessedTx(context.Background(), db, "evt_1", now))
	assert.Error(t, repo.MarkProcessedTx(context.Background(), db, "evt_1", now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnprocessedTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewEventLedgerRepository(db)
	cutoff := time.Now()

	mock.ExpectQuery(`WHERE processed = FALSE AND received_at < \$1`).
		WithArgs(cutoff, 50).
		WillReturnRows(sqlmock.NewRows(ledgerColumns).
			AddRow("evt_1", "checkout.session.completed", false, nil, cutoff.Add(-time.Hour)))

	entries, err := repo.ListUnprocessedTx(context.Background(), db, cutoff, 50)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt_1", entries[0].EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
