package domain

import "errors"

// The error taxonomy surfaced by every core operation. Callers match
// with errors.Is; messages added at wrap sites carry the detail.
var (
	// Validation.
	ErrInvalidCIDR       = errors.New("invalid cidr")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidRange      = errors.New("invalid range")
	ErrInvalidTransition = errors.New("invalid state transition")

	// Not found.
	ErrSubnetNotFound      = errors.New("subnet not found")
	ErrAddressNotFound     = errors.New("address not found")
	ErrReservationNotFound = errors.New("reservation not found")

	// Conflict.
	ErrOverlap          = errors.New("subnet overlaps existing subnet")
	ErrAlreadyAllocated = errors.New("address already allocated")
	ErrAlreadyReserved  = errors.New("address already reserved")
	ErrContainsAssigned = errors.New("subnet contains allocated or reserved addresses")
	ErrNotEmpty         = errors.New("subnet not empty")

	// Capacity.
	ErrNoCapacity = errors.New("no available address")
	ErrTooLarge   = errors.New("subnet exceeds host ceiling")

	// Concurrency. Both are retryable.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	ErrServiceBusy = errors.New("too many in-flight operations for subnet")

	// Internal. Always wraps the underlying store error.
	ErrStore = errors.New("store failure")
)

// Retryable reports whether the caller may retry the operation as-is.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrServiceBusy)
}
