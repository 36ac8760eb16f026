// Package ledger maintains the per-user token balance as an append-only
// double-entry log. Every mutation locks the user's balance row, so all
// transactions for one user are linearized and balanceAfter values form a
// strictly monotonic sequence matching insertion order.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/honam867/tasty-banana-v2-sub001/internal/cursor"
)

type TransactionType string

const (
	TypeCredit TransactionType = "credit"
	TypeDebit  TransactionType = "debit"
)

const (
	ReasonSignupBonus     = "signup_bonus"
	ReasonAdminTopup      = "admin_topup"
	ReasonAdminCorrection = "admin_correction"
	ReasonSpendGeneration = "spend_generation"
	ReasonRefund          = "refund"
)

// ErrInsufficientBalance is returned when a debit would take the balance
// below zero.
var ErrInsufficientBalance = errors.New("insufficient_balance")

// ErrInvalidAmount is returned for non-positive amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

type Balance struct {
	UserID      string `db:"user_id" json:"userId"`
	Balance     int    `db:"balance" json:"balance"`
	TotalEarned int    `db:"total_earned" json:"totalEarned"`
	TotalSpent  int    `db:"total_spent" json:"totalSpent"`
}

type Transaction struct {
	ID            string          `db:"id" json:"id"`
	UserID        string          `db:"user_id" json:"userId"`
	Type          TransactionType `db:"type" json:"type"`
	Amount        int             `db:"amount" json:"amount"`
	BalanceAfter  int             `db:"balance_after" json:"balanceAfter"`
	ReasonCode    string          `db:"reason_code" json:"reasonCode"`
	ReferenceType sql.NullString  `db:"reference_type" json:"referenceType,omitempty"`
	ReferenceID   sql.NullString  `db:"reference_id" json:"referenceId,omitempty"`
	Notes         json.RawMessage `db:"notes" json:"notes"`
	AdminID       sql.NullString  `db:"admin_id" json:"adminId,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}

// EntryOptions carries the bookkeeping attributes of a credit or debit.
type EntryOptions struct {
	ReasonCode     string
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	AdminID        string
	Notes          map[string]any
}

// Entry is the outcome of a committed (or replayed) ledger mutation.
type Entry struct {
	Transaction Transaction
	Balance     Balance
	// Replayed is true when an idempotency key matched an existing row and
	// no new transaction was applied.
	Replayed bool
}

// Change is the signed amount the entry applied to the balance.
func (e *Entry) Change() int {
	if e.Transaction.Type == TypeDebit {
		return -e.Transaction.Amount
	}
	return e.Transaction.Amount
}

// Notifier receives a post-commit callback for every applied mutation. The
// realtime fabric implements it to push token_balance_updated events.
type Notifier interface {
	TokenBalanceUpdated(userID string, balance, change int, reason string)
}

type ListQuery struct {
	Limit      int
	Cursor     string
	Type       string
	ReasonCode string
}

type Service interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Credit(ctx context.Context, userID string, amount int, opts EntryOptions) (*Entry, error)
	Debit(ctx context.Context, userID string, amount int, opts EntryOptions) (*Entry, error)
	// DebitTx applies a debit inside a caller-owned transaction. The caller
	// must commit and then invoke NotifyApplied so balance events are never
	// emitted for rolled-back work.
	DebitTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int, opts EntryOptions) (*Entry, error)
	NotifyApplied(entry *Entry)
	ListTransactions(ctx context.Context, userID string, q ListQuery) ([]Transaction, string, error)
	GrantSignupBonus(ctx context.Context, userID string, amount int) (*Entry, error)
}

type service struct {
	db       *sqlx.DB
	logger   *slog.Logger
	notifier Notifier
}

func NewService(db *sqlx.DB, logger *slog.Logger, notifier Notifier) Service {
	return &service{db: db, logger: logger, notifier: notifier}
}

// lockBalance ensures the balance row exists and acquires a row-level
// exclusive lock on it for the duration of the transaction.
func lockBalance(ctx context.Context, tx *sqlx.Tx, userID string) (*Balance, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_token_balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure balance row: %w", err)
	}
	var b Balance
	if err := tx.GetContext(ctx, &b, `
		SELECT user_id, balance, total_earned, total_spent
		FROM user_token_balances
		WHERE user_id = $1
		FOR UPDATE
	`, userID); err != nil {
		return nil, fmt.Errorf("failed to lock balance row: %w", err)
	}
	return &b, nil
}

func findByIdempotencyKey(ctx context.Context, tx *sqlx.Tx, userID, key string) (*Transaction, error) {
	var t Transaction
	err := tx.GetContext(ctx, &t, `
		SELECT id, user_id, type, amount, balance_after, reason_code,
		       reference_type, reference_id, notes, admin_id, created_at
		FROM token_transactions
		WHERE user_id = $1 AND notes ->> 'idempotencyKey' = $2
	`, userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// apply runs the mutation algorithm of the ledger against a locked balance
// row: idempotency probe, underflow check, balance update, transaction
// insert. It never commits; the caller owns the transaction.
func (s *service) apply(ctx context.Context, tx *sqlx.Tx, userID string, txType TransactionType, amount int, opts EntryOptions) (*Entry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	balance, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if opts.IdempotencyKey != "" {
		existing, err := findByIdempotencyKey(ctx, tx, userID, opts.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to probe idempotency key: %w", err)
		}
		if existing != nil {
			return &Entry{Transaction: *existing, Balance: *balance, Replayed: true}, nil
		}
	}

	after := *balance
	switch txType {
	case TypeCredit:
		after.Balance += amount
		after.TotalEarned += amount
	case TypeDebit:
		if balance.Balance < amount {
			return nil, ErrInsufficientBalance
		}
		after.Balance -= amount
		after.TotalSpent += amount
	default:
		return nil, fmt.Errorf("unknown transaction type %q", txType)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_token_balances
		SET balance = $2, total_earned = $3, total_spent = $4, updated_at = now()
		WHERE user_id = $1
	`, userID, after.Balance, after.TotalEarned, after.TotalSpent); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	notes := map[string]any{}
	for k, v := range opts.Notes {
		notes[k] = v
	}
	if opts.IdempotencyKey != "" {
		notes["idempotencyKey"] = opts.IdempotencyKey
	}
	notesJSON, err := json.Marshal(notes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notes: %w", err)
	}

	row := Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: after.Balance,
		ReasonCode:   opts.ReasonCode,
		Notes:        notesJSON,
		CreatedAt:    time.Now().UTC(),
	}
	if opts.ReferenceType != "" {
		row.ReferenceType = sql.NullString{String: opts.ReferenceType, Valid: true}
	}
	if opts.ReferenceID != "" {
		row.ReferenceID = sql.NullString{String: opts.ReferenceID, Valid: true}
	}
	if opts.AdminID != "" {
		row.AdminID = sql.NullString{String: opts.AdminID, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO token_transactions
		    (id, user_id, type, amount, balance_after, reason_code,
		     reference_type, reference_id, notes, admin_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, row.ID, row.UserID, row.Type, row.Amount, row.BalanceAfter, row.ReasonCode,
		row.ReferenceType, row.ReferenceID, row.Notes, row.AdminID, row.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	return &Entry{Transaction: row, Balance: after}, nil
}

// mutate wraps apply in its own transaction and notifies after commit.
func (s *service) mutate(ctx context.Context, userID string, txType TransactionType, amount int, opts EntryOptions) (*Entry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.apply(ctx, tx, userID, txType, amount, opts)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.NotifyApplied(entry)
	return entry, nil
}

func (s *service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	var b Balance
	err := s.db.GetContext(ctx, &b, `
		SELECT user_id, balance, total_earned, total_spent
		FROM user_token_balances
		WHERE user_id = $1
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		// Lazily provision the zero row on first sight of a user.
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO user_token_balances (user_id) VALUES ($1)
			ON CONFLICT (user_id) DO NOTHING
		`, userID); err != nil {
			return nil, fmt.Errorf("failed to create balance row: %w", err)
		}
		return &Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return &b, nil
}

func (s *service) Credit(ctx context.Context, userID string, amount int, opts EntryOptions) (*Entry, error) {
	return s.mutate(ctx, userID, TypeCredit, amount, opts)
}

func (s *service) Debit(ctx context.Context, userID string, amount int, opts EntryOptions) (*Entry, error) {
	return s.mutate(ctx, userID, TypeDebit, amount, opts)
}

func (s *service) DebitTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int, opts EntryOptions) (*Entry, error) {
	return s.apply(ctx, tx, userID, TypeDebit, amount, opts)
}

func (s *service) NotifyApplied(entry *Entry) {
	if entry == nil || entry.Replayed || s.notifier == nil {
		return
	}
	s.notifier.TokenBalanceUpdated(
		entry.Transaction.UserID,
		entry.Balance.Balance,
		entry.Change(),
		entry.Transaction.ReasonCode,
	)
}

func (s *service) GrantSignupBonus(ctx context.Context, userID string, amount int) (*Entry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := lockBalance(ctx, tx, userID); err != nil {
		return nil, err
	}
	var existing Transaction
	err = tx.GetContext(ctx, &existing, `
		SELECT id, user_id, type, amount, balance_after, reason_code,
		       reference_type, reference_id, notes, admin_id, created_at
		FROM token_transactions
		WHERE user_id = $1 AND reason_code = $2
	`, userID, ReasonSignupBonus)
	if err == nil {
		// Bonus already granted; refuse the second credit.
		var b Balance
		if err := tx.GetContext(ctx, &b, `
			SELECT user_id, balance, total_earned, total_spent
			FROM user_token_balances WHERE user_id = $1
		`, userID); err != nil {
			return nil, err
		}
		return &Entry{Transaction: existing, Balance: b, Replayed: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to probe signup bonus: %w", err)
	}

	entry, err := s.apply(ctx, tx, userID, TypeCredit, amount, EntryOptions{ReasonCode: ReasonSignupBonus})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.NotifyApplied(entry)
	return entry, nil
}

func (s *service) ListTransactions(ctx context.Context, userID string, q ListQuery) ([]Transaction, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	afterTime, afterID, err := cursor.Decode(q.Cursor)
	if err != nil {
		return nil, "", err
	}

	query := `
		SELECT id, user_id, type, amount, balance_after, reason_code,
		       reference_type, reference_id, notes, admin_id, created_at
		FROM token_transactions
		WHERE user_id = $1`
	args := []any{userID}
	if !afterTime.IsZero() {
		args = append(args, afterTime, afterID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	if q.Type != "" {
		args = append(args, q.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if q.ReasonCode != "" {
		args = append(args, q.ReasonCode)
		query += fmt.Sprintf(" AND reason_code = $%d", len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	var rows []Transaction
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, "", fmt.Errorf("failed to list transactions: %w", err)
	}

	next := ""
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next = cursor.Encode(last.CreatedAt, last.ID)
	}
	return rows, next, nil
}
