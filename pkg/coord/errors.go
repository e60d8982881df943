package coord

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable marks transient failures talking to the store.
	// Callers retry with backoff.
	ErrStoreUnavailable = errors.New("coordination store unavailable")
	// ErrSessionExpired means the lease is gone along with everything it
	// owned: registrations and locks.
	ErrSessionExpired = errors.New("coordination session expired")
)

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
