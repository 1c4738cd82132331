package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// CreditPerPose is what a single pose generation costs.
const CreditPerPose = 30

// ErrInsufficientCredits is returned when a charge would take the
// balance below zero.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger records credit movements. Refunds write a transaction row and
// restore the user balance atomically in one database transaction.
type Ledger struct {
	db *sql.DB
}

func NewLedger(connectionString string) (*Ledger, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Charge deducts credits up front for a generation request. The balance
// check and the deduction are a single guarded UPDATE, so concurrent
// requests cannot overdraw.
func (l *Ledger) Charge(ctx context.Context, userID uuid.UUID, amount int, reason string, referenceID uuid.UUID) error {
	if amount <= 0 {
		return fmt.Errorf("charge amount must be positive, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE users
		SET credit_balance = credit_balance - $1, updated_at = NOW()
		WHERE id = $2 AND credit_balance >= $1
	`, amount, userID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to deduct balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to deduct balance: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, reason, reference_id)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), userID, -amount, reason, referenceID); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record charge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit charge: %w", err)
	}
	return nil
}

// Refund credits a user back for failed work, referencing the
// generation that triggered it.
func (l *Ledger) Refund(ctx context.Context, userID uuid.UUID, amount int, reason string, referenceID uuid.UUID) error {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be positive, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, reason, reference_id)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), userID, amount, reason, referenceID); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record refund: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET credit_balance = credit_balance + $1, updated_at = NOW()
		WHERE id = $2
	`, amount, userID); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to restore balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit refund: %w", err)
	}
	return nil
}

// Balance returns the user's current credit balance.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	var balance int
	err := l.db.QueryRowContext(ctx,
		`SELECT credit_balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}
