package ledger

import "errors"

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrDuplicateAccount    = errors.New("account already exists")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrSameAccount         = errors.New("source and destination accounts must differ")

	// ErrDuplicateRequest means the request key was already used; the original
	// transaction id can be recovered with Store.Replay.
	ErrDuplicateRequest = errors.New("request already processed")
)

// IsBusiness reports whether err is a validation failure rather than an
// infrastructure fault. Business failures are final and never retried.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrDuplicateAccount) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSameAccount)
}
