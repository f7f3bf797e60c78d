package purchase

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

const purchaseColumns = `id, user_id, package_code, total_credits, price_usd_cents, status, payment_reference, checkout_session, created_at, paid_at`

// Repository persists purchases in Postgres.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a pending purchase for a package.
func (r *Repository) Create(ctx context.Context, userID uuid.UUID, pkg Package, checkoutSession string) (*Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Purchase
	err := r.db.QueryRowxContext(ctx2, `
		INSERT INTO purchases (id, user_id, package_code, total_credits, price_usd_cents, status, checkout_session)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		RETURNING `+purchaseColumns+`
	`, userID, pkg.Code, pkg.Credits, pkg.PriceUSDCents, StatusPending, checkoutSession).StructScan(&p)
	if err != nil {
		return nil, fmt.Errorf("%w: create purchase", ErrInternal)
	}

	return &p, nil
}

// Find returns a purchase by id.
func (r *Repository) Find(ctx context.Context, id uuid.UUID) (*Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Purchase
	err := r.db.GetContext(ctx2, &p, `
		SELECT `+purchaseColumns+` FROM purchases WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: find purchase", ErrInternal)
	}

	return &p, nil
}

// FindForUser returns a purchase by id scoped to its owner.
func (r *Repository) FindForUser(ctx context.Context, userID, id uuid.UUID) (*Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Purchase
	err := r.db.GetContext(ctx2, &p, `
		SELECT `+purchaseColumns+` FROM purchases WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: find purchase", ErrInternal)
	}

	return &p, nil
}

// FindByCheckoutSession returns a purchase by its checkout session id.
func (r *Repository) FindByCheckoutSession(ctx context.Context, sessionID string) (*Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Purchase
	err := r.db.GetContext(ctx2, &p, `
		SELECT `+purchaseColumns+` FROM purchases WHERE checkout_session = $1
	`, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: find purchase by session", ErrInternal)
	}

	return &p, nil
}

// ListForUser returns the user's purchases, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	purchases := make([]Purchase, 0)
	err := r.db.SelectContext(ctx2, &purchases, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list purchases", ErrInternal)
	}

	return purchases, nil
}

// MarkPaidTx flips a pending purchase to paid within the caller's
// transaction. Returns ErrNotPending when the row already left pending, which
// makes webhook redelivery a no-op for the caller.
func (r *Repository) MarkPaidTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, paymentReference string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE purchases
		SET status = $2, payment_reference = $3, paid_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, StatusPaid, paymentReference, StatusPending)
	if err != nil {
		return fmt.Errorf("%w: mark paid", ErrInternal)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: mark paid", ErrInternal)
	}
	if rows == 0 {
		return ErrNotPending
	}

	return nil
}

// MarkFailed flips a pending purchase to failed when its checkout session
// expires. A purchase that already left pending is left alone.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx2, `
		UPDATE purchases
		SET status = $2
		WHERE id = $1 AND status = $3
	`, id, StatusFailed, StatusPending); err != nil {
		return fmt.Errorf("%w: mark failed", ErrInternal)
	}

	return nil
}
