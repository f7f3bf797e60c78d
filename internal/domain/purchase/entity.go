package purchase

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/meritmatch/meritmatch-api/internal/domain/ledger"
)

// Status represents purchase lifecycle state
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Purchase represents one credit package purchase. Immutable once paid;
// refunds never mutate the row, they only append ledger entries, so "has
// this purchase been refunded" is always answered from the journal.
type Purchase struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	UserID           uuid.UUID      `db:"user_id" json:"user_id"`
	PackageCode      string         `db:"package_code" json:"package_code"`
	TotalCredits     int64          `db:"total_credits" json:"total_credits"`
	PriceUSDCents    int64          `db:"price_usd_cents" json:"price_usd_cents"`
	Status           Status         `db:"status" json:"status"`
	PaymentReference sql.NullString `db:"payment_reference" json:"payment_reference,omitempty"`
	CheckoutSession  sql.NullString `db:"checkout_session" json:"-"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	PaidAt           sql.NullTime   `db:"paid_at" json:"paid_at,omitempty"`
}

// TotalMillicredits is the granted amount in ledger units.
func (p *Purchase) TotalMillicredits() int64 {
	return p.TotalCredits * ledger.MillicreditsPerCredit
}

// Package is a purchasable credit bundle
type Package struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	Credits       int64  `json:"credits"`
	PriceUSDCents int64  `json:"price_usd_cents"`
}

// Catalog returns the purchasable packages in display order.
func Catalog() []Package {
	return []Package{
		{Code: "starter", Name: "Starter", Credits: 1000, PriceUSDCents: 1000},
		{Code: "basic", Name: "Basic", Credits: 5000, PriceUSDCents: 4500},
		{Code: "pro", Name: "Pro", Credits: 15000, PriceUSDCents: 12000},
		{Code: "business", Name: "Business", Credits: 50000, PriceUSDCents: 35000},
	}
}

// FindPackage looks a package up by code.
func FindPackage(code string) (Package, bool) {
	for _, p := range Catalog() {
		if p.Code == code {
			return p, true
		}
	}
	return Package{}, false
}
