package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MillicreditsPerCredit is the integer scale used for all credit math.
// 1 credit = 1000 millicredits; balances and amounts are always int64.
const MillicreditsPerCredit = 1000

// EntryType defines supported ledger entry types.
type EntryType string

const (
	EntryTypeCredit     EntryType = "credit"
	EntryTypeDebit      EntryType = "debit"
	EntryTypeAdjustment EntryType = "adjustment"
	EntryTypeReversal   EntryType = "reversal"
	EntryTypeRefund     EntryType = "refund"
)

// ReferenceType identifies the system that originated an entry.
type ReferenceType string

const (
	ReferenceStripe ReferenceType = "stripe"
	ReferenceSystem ReferenceType = "system"
	ReferenceAdmin  ReferenceType = "admin"
)

// MetadataKeyPurchase is the metadata key linking refund entries back to the
// purchase they reverse. Duplicate-refund detection scans on it.
const MetadataKeyPurchase = "originalPurchaseId"

// Metadata is an opaque key/value blob stored as JSONB.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported metadata type: %T", src)
	}
}

// Entry is one immutable journal row. Entries are never updated or deleted;
// a user's balance is the signed sum of amount_millicredits.
type Entry struct {
	ID                uuid.UUID     `db:"id" json:"id"`
	UserID            uuid.UUID     `db:"user_id" json:"user_id"`
	Type              EntryType     `db:"type" json:"type"`
	AmountMillicredit int64         `db:"amount_millicredits" json:"amount_millicredits"`
	ReferenceType     ReferenceType `db:"reference_type" json:"reference_type"`
	ReferenceID       string        `db:"reference_id" json:"reference_id"`
	Metadata          Metadata      `db:"metadata" json:"metadata,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
}

// EntryMeta describes the entry to append alongside a signed amount.
type EntryMeta struct {
	Type          EntryType
	ReferenceType ReferenceType
	ReferenceID   string
	Metadata      Metadata

	// AllowNegative permits the balance to go below zero. Refund debits set
	// it: a credits-fully-used refund legitimately overdraws the account.
	AllowNegative bool
}
