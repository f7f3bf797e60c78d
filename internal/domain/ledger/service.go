package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Service is the credit ledger contract consumed by the refund engine and
// the purchase flow.
type Service interface {
	// WithinTransaction runs fn inside one atomic transaction; every
	// ApplyEntryTx call inside fn commits or rolls back together.
	WithinTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error

	// ApplyEntry appends one signed entry in its own transaction.
	ApplyEntry(ctx context.Context, userID uuid.UUID, amountMillicredits int64, meta EntryMeta) (*Entry, error)

	// ApplyEntryTx appends one signed entry within the caller's transaction.
	ApplyEntryTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amountMillicredits int64, meta EntryMeta) (*Entry, error)

	// SumDebitsSince reports millicredits consumed since a timestamp
	// (positive number). Used for refund edge-case classification.
	SumDebitsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)

	// FindRefundsForPurchase returns prior refund entries for a purchase.
	FindRefundsForPurchase(ctx context.Context, purchaseID uuid.UUID) ([]Entry, error)

	// ChargeForUsage debits consumed credits (amount is positive millicredits).
	ChargeForUsage(ctx context.Context, userID uuid.UUID, amountMillicredits int64, referenceID string, metadata Metadata) (*Entry, error)

	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Entry, error)
	ListRefunds(ctx context.Context, userID uuid.UUID, limit int) ([]Entry, error)
}

type service struct {
	repo *Repository
}

// NewService creates the ledger service backed by Postgres.
func NewService(db *sqlx.DB) Service {
	return &service{repo: NewRepository(db)}
}

func (s *service) WithinTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.repo.WithinTransaction(ctx, fn)
}

func (s *service) ApplyEntry(ctx context.Context, userID uuid.UUID, amountMillicredits int64, meta EntryMeta) (*Entry, error) {
	var entry *Entry
	err := s.repo.WithinTransaction(ctx, func(tx *sqlx.Tx) error {
		var err error
		entry, err = s.repo.ApplyEntryTx(ctx, tx, userID, amountMillicredits, meta)
		return err
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (s *service) ApplyEntryTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amountMillicredits int64, meta EntryMeta) (*Entry, error) {
	return s.repo.ApplyEntryTx(ctx, tx, userID, amountMillicredits, meta)
}

func (s *service) SumDebitsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	return s.repo.SumDebitsSince(ctx, userID, since)
}

func (s *service) FindRefundsForPurchase(ctx context.Context, purchaseID uuid.UUID) ([]Entry, error) {
	return s.repo.FindRefundsForPurchase(ctx, purchaseID)
}

func (s *service) ChargeForUsage(ctx context.Context, userID uuid.UUID, amountMillicredits int64, referenceID string, metadata Metadata) (*Entry, error) {
	if amountMillicredits <= 0 {
		return nil, ErrInvalidAmount
	}

	entry, err := s.ApplyEntry(ctx, userID, -amountMillicredits, EntryMeta{
		Type:          EntryTypeDebit,
		ReferenceType: ReferenceSystem,
		ReferenceID:   referenceID,
		Metadata:      metadata,
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("user_id", userID.String()).
		Int64("amount_millicredits", amountMillicredits).
		Str("reference_id", referenceID).
		Msg("usage charge applied")

	return entry, nil
}

func (s *service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.Balance(ctx, userID)
}

func (s *service) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Entry, error) {
	return s.repo.ListEntries(ctx, userID, limit, offset)
}

func (s *service) ListRefunds(ctx context.Context, userID uuid.UUID, limit int) ([]Entry, error) {
	return s.repo.ListRefunds(ctx, userID, limit)
}
