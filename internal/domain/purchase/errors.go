package purchase

import "errors"

var (
	ErrNotFound       = errors.New("purchase not found")
	ErrUnknownPackage = errors.New("unknown package code")
	ErrNotPending     = errors.New("purchase is not pending")
	ErrNotPaid        = errors.New("purchase is not in a refundable state")
	ErrInternal       = errors.New("internal error")
)
