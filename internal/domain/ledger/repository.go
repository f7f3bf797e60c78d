package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

const entryColumns = `id, user_id, type, amount_millicredits, reference_type, reference_id, metadata, created_at`

// Repository provides the append-only journal and the materialized balance.
// The balance row is the derived aggregate; every write updates both inside
// the caller's transaction so balance = sum(entries) always holds.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// WithinTransaction runs fn inside one database transaction. Rolls back on
// error or panic, commits otherwise.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return nil
}

// ApplyEntryTx appends one journal row and moves the materialized balance
// within the caller's transaction. The balance row is locked FOR UPDATE so
// concurrent writers for the same user serialize.
func (r *Repository) ApplyEntryTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amountMillicredits int64, meta EntryMeta) (*Entry, error) {
	if amountMillicredits == 0 {
		return nil, ErrInvalidAmount
	}
	if !validEntryType(meta.Type) {
		return nil, ErrInvalidEntryType
	}

	// Ensure the balance row exists before locking it.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, balance_millicredits)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("%w: ensure balance row", ErrInternal)
	}

	var balance int64
	err := tx.QueryRowContext(ctx, `
		SELECT balance_millicredits FROM credit_balances WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("%w: lock balance row", ErrInternal)
	}

	newBalance := balance + amountMillicredits
	if newBalance < 0 && !meta.AllowNegative {
		return nil, ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances
		SET balance_millicredits = $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, newBalance); err != nil {
		return nil, fmt.Errorf("%w: update balance", ErrInternal)
	}

	var entry Entry
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO credit_ledger (id, user_id, type, amount_millicredits, reference_type, reference_id, metadata)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		RETURNING `+entryColumns+`
	`, userID, meta.Type, amountMillicredits, meta.ReferenceType, meta.ReferenceID, meta.Metadata).StructScan(&entry)
	if err != nil {
		return nil, fmt.Errorf("%w: insert ledger entry", ErrInternal)
	}

	return &entry, nil
}

// SumDebitsSince returns the total millicredits consumed by debit entries
// since the given timestamp, as a positive number.
func (r *Repository) SumDebitsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var total int64
	err := r.db.GetContext(ctx2, &total, `
		SELECT COALESCE(SUM(-amount_millicredits), 0)
		FROM credit_ledger
		WHERE user_id = $1 AND type = $2 AND created_at >= $3
	`, userID, EntryTypeDebit, since)
	if err != nil {
		return 0, fmt.Errorf("%w: sum debits", ErrInternal)
	}

	return total, nil
}

// FindRefundsForPurchase returns every refund entry that references the
// purchase. Duplicate-refund detection is a pure scan of immutable entries.
func (r *Repository) FindRefundsForPurchase(ctx context.Context, purchaseID uuid.UUID) ([]Entry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	entries := make([]Entry, 0)
	err := r.db.SelectContext(ctx2, &entries, `
		SELECT `+entryColumns+`
		FROM credit_ledger
		WHERE type = $1 AND metadata->>'originalPurchaseId' = $2
		ORDER BY created_at ASC
	`, EntryTypeRefund, purchaseID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: find refunds", ErrInternal)
	}

	return entries, nil
}

// Balance returns the user's current balance in millicredits, zero for
// users with no balance row yet.
func (r *Repository) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var balance int64
	err := r.db.GetContext(ctx2, &balance, `
		SELECT balance_millicredits FROM credit_balances WHERE user_id = $1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: get balance", ErrInternal)
	}

	return balance, nil
}

// ListEntries returns the user's journal, newest first.
func (r *Repository) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Entry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	entries := make([]Entry, 0)
	err := r.db.SelectContext(ctx2, &entries, `
		SELECT `+entryColumns+`
		FROM credit_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries", ErrInternal)
	}

	return entries, nil
}

// ListRefunds returns the user's refund entries, newest first.
func (r *Repository) ListRefunds(ctx context.Context, userID uuid.UUID, limit int) ([]Entry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	entries := make([]Entry, 0)
	err := r.db.SelectContext(ctx2, &entries, `
		SELECT `+entryColumns+`
		FROM credit_ledger
		WHERE user_id = $1 AND type = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, EntryTypeRefund, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list refunds", ErrInternal)
	}

	return entries, nil
}

func validEntryType(t EntryType) bool {
	switch t {
	case EntryTypeCredit, EntryTypeDebit, EntryTypeAdjustment, EntryTypeReversal, EntryTypeRefund:
		return true
	}
	return false
}
