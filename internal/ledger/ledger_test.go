package ledger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notifierSpy struct {
	calls []struct {
		userID  string
		balance int
		change  int
		reason  string
	}
}

func (n *notifierSpy) TokenBalanceUpdated(userID string, balance, change int, reason string) {
	n.calls = append(n.calls, struct {
		userID  string
		balance int
		change  int
		reason  string
	}{userID, balance, change, reason})
}

func newMockService(t *testing.T) (Service, sqlmock.Sqlmock, *notifierSpy) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	spy := &notifierSpy{}
	svc := NewService(sqlx.NewDb(db, "sqlmock"), slog.Default(), spy)
	return svc, mock, spy
}

func balanceRows(balance, earned, spent int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "balance", "total_earned", "total_spent"}).
		AddRow("user-1", balance, earned, spent)
}

func Test_Credit(t *testing.T) {
	svc, mock, spy := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_token_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(balanceRows(100, 150, 50))
	mock.ExpectExec("UPDATE user_token_balances").
		WithArgs("user-1", 160, 210, 50).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO token_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := svc.Credit(context.Background(), "user-1", 60, EntryOptions{ReasonCode: ReasonAdminTopup})
	require.NoError(t, err)
	assert.False(t, entry.Replayed)
	assert.Equal(t, TypeCredit, entry.Transaction.Type)
	assert.Equal(t, 60, entry.Transaction.Amount)
	assert.Equal(t, 160, entry.Transaction.BalanceAfter)
	assert.Equal(t, 160, entry.Balance.Balance)
	assert.Equal(t, 60, entry.Change())

	require.Len(t, spy.calls, 1)
	assert.Equal(t, "user-1", spy.calls[0].userID)
	assert.Equal(t, 160, spy.calls[0].balance)
	assert.Equal(t, 60, spy.calls[0].change)
	assert.Equal(t, ReasonAdminTopup, spy.calls[0].reason)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_Debit_insufficient(t *testing.T) {
	svc, mock, spy := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_token_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(balanceRows(50, 100, 50))
	mock.ExpectRollback()

	entry, err := svc.Debit(context.Background(), "user-1", 100, EntryOptions{ReasonCode: ReasonSpendGeneration})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Nil(t, entry)
	assert.Empty(t, spy.calls)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_Debit_idempotentReplay(t *testing.T) {
	svc, mock, spy := newMockService(t)

	createdAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	existing := sqlmock.NewRows([]string{
		"id", "user_id", "type", "amount", "balance_after", "reason_code",
		"reference_type", "reference_id", "notes", "admin_id", "created_at",
	}).AddRow("tx-1", "user-1", "debit", 100, 400, ReasonSpendGeneration,
		"generation", "gen-1", []byte(`{"idempotencyKey":"gen-1"}`), nil, createdAt)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_token_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(balanceRows(400, 500, 100))
	mock.ExpectQuery("FROM token_transactions").
		WithArgs("user-1", "gen-1").
		WillReturnRows(existing)
	mock.ExpectCommit()

	entry, err := svc.Debit(context.Background(), "user-1", 100, EntryOptions{
		ReasonCode:     ReasonSpendGeneration,
		IdempotencyKey: "gen-1",
	})
	require.NoError(t, err)
	assert.True(t, entry.Replayed)
	assert.Equal(t, "tx-1", entry.Transaction.ID)
	assert.Equal(t, 400, entry.Balance.Balance)

	// A replay applies nothing, so no balance event goes out.
	assert.Empty(t, spy.calls)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_GrantSignupBonus_once(t *testing.T) {
	svc, mock, spy := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_token_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(balanceRows(0, 0, 0))
	mock.ExpectQuery("FROM token_transactions").
		WithArgs("user-1", ReasonSignupBonus).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// The probe found nothing, so apply locks again and writes the credit.
	mock.ExpectExec("INSERT INTO user_token_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(balanceRows(0, 0, 0))
	mock.ExpectExec("UPDATE user_token_balances").
		WithArgs("user-1", 500, 500, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO token_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := svc.GrantSignupBonus(context.Background(), "user-1", 500)
	require.NoError(t, err)
	assert.False(t, entry.Replayed)
	assert.Equal(t, 500, entry.Balance.Balance)
	assert.Equal(t, ReasonSignupBonus, entry.Transaction.ReasonCode)
	require.Len(t, spy.calls, 1)
	assert.Equal(t, 500, spy.calls[0].balance)

	assert.NoError(t, mock.ExpectationsWereMet())
}
