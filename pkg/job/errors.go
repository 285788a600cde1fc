package job

import "fmt"

// TransferError records one failed fetch attempt for a sub-item.
//
// Transfer errors are retried up to the per-item attempt bound and then
// absorbed into item state; they are never propagated to callers of other
// jobs.
type TransferError struct {
	// Key is the resource locator that failed.
	Key string

	// Attempt is the 1-based attempt number.
	Attempt int

	// Err is the underlying error.
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s (attempt %d): %v", e.Key, e.Attempt, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
