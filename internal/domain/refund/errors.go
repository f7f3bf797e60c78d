package refund

import "errors"

var (
	// ErrAlreadyRefunded is the duplicate-refund hard stop. Not retriable.
	ErrAlreadyRefunded = errors.New("purchase already refunded")

	// ErrQueued is raised when the processor is unavailable during a cash
	// refund. The refund is never silently downgraded to credits because a
	// duplicate cash refund might still land.
	ErrQueued = errors.New("payment processing temporarily unavailable, refund queued for manual processing")

	// ErrInProgress is returned when another request holds the per-purchase
	// refund lock.
	ErrInProgress = errors.New("a refund for this purchase is already being processed")

	ErrUnknownStrategy = errors.New("unknown refund strategy")
)
