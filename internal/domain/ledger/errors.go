package ledger

import "errors"

var (
	// ErrInsufficientCredits is returned when a debit would overdraw the
	// balance and the entry does not allow negative balances.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned when amount is zero or has the wrong sign
	// for the entry type.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidEntryType is returned for entry types outside the journal enum.
	ErrInvalidEntryType = errors.New("invalid ledger entry type")

	ErrInternal = errors.New("internal error")
)
