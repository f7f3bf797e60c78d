package refund

import (
	"github.com/google/uuid"
)

// Type is the requested refund scope
type Type string

const (
	TypeFull    Type = "full"
	TypePartial Type = "partial"
)

// Strategy is how a refund is executed. Exactly one strategy runs per refund.
type Strategy string

const (
	// StrategyCreditOnly moves no cash; the user is made whole in credits.
	StrategyCreditOnly Strategy = "credit_only"
	// StrategyFullStripe refunds the full purchase price through the
	// processor and debits all granted credits.
	StrategyFullStripe Strategy = "stripe_refund"
	// StrategyMixed refunds cash for the unused fraction and debits only the
	// unused credits.
	StrategyMixed Strategy = "mixed"
)

// Status of an executed refund
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// EdgeCaseType classifies conditions that change which strategy is legal
type EdgeCaseType string

const (
	EdgeCreditsPartiallyUsed EdgeCaseType = "credits_partially_used"
	EdgeCreditsFullyUsed     EdgeCaseType = "credits_fully_used"
	EdgePurchaseTooOld       EdgeCaseType = "purchase_too_old"
	EdgeAlreadyRefunded      EdgeCaseType = "already_refunded"
	EdgeInsufficientRefund   EdgeCaseType = "insufficient_stripe_refund"
)

// Severity of an edge case
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// EdgeCase is one detected condition on a refund request.
type EdgeCase struct {
	Type                 EdgeCaseType `json:"type"`
	Severity             Severity     `json:"severity"`
	Description          string       `json:"description"`
	RequiresManualReview bool         `json:"requires_manual_review"`
}

// Request is a refund request. UserID is taken from the session for user
// requests and overwritten after decoding; admins supply it in the body.
type Request struct {
	UserID     uuid.UUID `json:"user_id"`
	PurchaseID uuid.UUID `json:"purchase_id" validate:"required"`
	Type       Type      `json:"type" validate:"required,oneof=full partial"`
	Reason     string    `json:"reason" validate:"max=500"`
}

// AdminRequest is the privileged override path. ForceStrategy skips normal
// strategy selection; OverrideAlreadyRefunded is the only way past the
// duplicate-refund hard stop and is audit-logged under the admin's identity.
type AdminRequest struct {
	Request
	ForceStrategy           *Strategy `json:"force_strategy,omitempty" validate:"omitempty,oneof=credit_only stripe_refund mixed"`
	AmountCents             *int64    `json:"amount_cents,omitempty" validate:"omitempty,gt=0"`
	OverrideAlreadyRefunded bool      `json:"override_already_refunded,omitempty"`
}

// Result is the outcome of one refund. Persisted only as ledger entries plus
// the audit log line; the id is generated internally so it stays stable even
// when the processor call fails and the refund is later reconciled.
type Result struct {
	RefundID             string     `json:"refund_id"`
	PurchaseID           uuid.UUID  `json:"purchase_id"`
	Status               Status     `json:"status"`
	RefundType           Strategy   `json:"refund_type"`
	CreditRefundAmount   int64      `json:"credit_refund_amount"` // signed millicredits journaled
	CashRefundAmount     int64      `json:"cash_refund_amount"`   // cents, zero for credit_only
	ProcessorRefundID    string     `json:"processor_refund_id,omitempty"`
	Message              string     `json:"message"`
	EdgeCaseHandled      string     `json:"edge_case_handled,omitempty"`
	EdgeCases            []EdgeCase `json:"edge_cases,omitempty"`
	RequiresManualReview bool       `json:"requires_manual_review"`
}
