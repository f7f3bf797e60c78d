package purchase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/meritmatch/meritmatch-api/internal/domain/ledger"
	"github.com/meritmatch/meritmatch-api/internal/pkg/stripe"
	"github.com/meritmatch/meritmatch-api/internal/reliability"
)

// CheckoutClient is the processor surface the purchase flow needs.
type CheckoutClient interface {
	CreateCheckoutSession(ctx context.Context, req stripe.CheckoutRequest) (*stripe.CheckoutSession, error)
}

// Protector routes external calls through a named circuit breaker.
type Protector interface {
	ExecuteWithProtection(ctx context.Context, name string, op reliability.Operation, fallback reliability.Fallback) (any, error)
}

// Config holds checkout redirect targets.
type Config struct {
	SuccessURL string
	CancelURL  string
}

// Service drives the purchase flow: checkout session creation and webhook
// confirmation that grants credits.
type Service struct {
	repo      *Repository
	ledger    ledger.Service
	processor CheckoutClient
	protector Protector
	config    Config
}

func NewService(db *sqlx.DB, ledgerSvc ledger.Service, processor CheckoutClient, protector Protector, cfg Config) *Service {
	return &Service{
		repo:      NewRepository(db),
		ledger:    ledgerSvc,
		processor: processor,
		protector: protector,
		config:    cfg,
	}
}

// Packages returns the purchasable catalog.
func (s *Service) Packages() []Package {
	return Catalog()
}

// CheckoutResult is what the client needs to complete payment.
type CheckoutResult struct {
	Purchase    *Purchase `json:"purchase"`
	CheckoutURL string    `json:"checkout_url"`
}

// Checkout creates a pending purchase and a hosted payment session for it.
// The processor call goes through the stripe circuit breaker; checkout has no
// fallback, an unavailable processor surfaces as an error.
func (s *Service) Checkout(ctx context.Context, userID uuid.UUID, packageCode string) (*CheckoutResult, error) {
	pkg, ok := FindPackage(packageCode)
	if !ok {
		return nil, ErrUnknownPackage
	}

	out, err := s.protector.ExecuteWithProtection(ctx, reliability.ServiceStripe, func(ctx context.Context) (any, error) {
		return s.processor.CreateCheckoutSession(ctx, stripe.CheckoutRequest{
			AmountCents: pkg.PriceUSDCents,
			ProductName: fmt.Sprintf("%s package (%d credits)", pkg.Name, pkg.Credits),
			SuccessURL:  s.config.SuccessURL,
			CancelURL:   s.config.CancelURL,
			Metadata: map[string]string{
				"userId":      userID.String(),
				"packageCode": pkg.Code,
			},
		})
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	session := out.(*stripe.CheckoutSession)

	p, err := s.repo.Create(ctx, userID, pkg, session.ID)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("purchase_id", p.ID.String()).
		Str("user_id", userID.String()).
		Str("package", pkg.Code).
		Msg("checkout session created")

	return &CheckoutResult{Purchase: p, CheckoutURL: session.URL}, nil
}

// ConfirmCheckout marks the purchase paid and grants its credits in one
// transaction. Safe under webhook redelivery: a purchase that already left
// pending is skipped without a second credit grant.
func (s *Service) ConfirmCheckout(ctx context.Context, sessionID, paymentReference string) error {
	p, err := s.repo.FindByCheckoutSession(ctx, sessionID)
	if err != nil {
		return err
	}

	err = s.ledger.WithinTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := s.repo.MarkPaidTx(ctx, tx, p.ID, paymentReference); err != nil {
			return err
		}

		_, err := s.ledger.ApplyEntryTx(ctx, tx, p.UserID, p.TotalMillicredits(), ledger.EntryMeta{
			Type:          ledger.EntryTypeCredit,
			ReferenceType: ledger.ReferenceStripe,
			ReferenceID:   paymentReference,
			Metadata:      ledger.Metadata{ledger.MetadataKeyPurchase: p.ID.String()},
		})
		return err
	})
	if errors.Is(err, ErrNotPending) {
		log.Info().
			Str("purchase_id", p.ID.String()).
			Msg("checkout confirmation replayed, purchase already settled")
		return nil
	}
	if err != nil {
		return err
	}

	log.Info().
		Str("purchase_id", p.ID.String()).
		Str("user_id", p.UserID.String()).
		Int64("credits", p.TotalCredits).
		Msg("purchase paid, credits granted")

	return nil
}

// ExpireCheckout marks the purchase behind an expired checkout session as
// failed. Unknown sessions are ignored so replayed events stay harmless.
func (s *Service) ExpireCheckout(ctx context.Context, sessionID string) error {
	p, err := s.repo.FindByCheckoutSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	return s.repo.MarkFailed(ctx, p.ID)
}

// FindForUser returns one purchase scoped to its owner.
func (s *Service) FindForUser(ctx context.Context, userID, id uuid.UUID) (*Purchase, error) {
	return s.repo.FindForUser(ctx, userID, id)
}

// ListForUser returns the user's purchase history.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Purchase, error) {
	return s.repo.ListForUser(ctx, userID, limit, offset)
}
