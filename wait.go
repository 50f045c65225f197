package ethdrv

import (
	"errors"
	"time"
)

// PollUntil calls done up to attempts times, sleeping interval between calls,
// until it reports true. When attempts are exhausted ErrNoResponse is returned,
// joined with the last error done returned, if any.
func PollUntil(attempts int, interval time.Duration, done func() (bool, error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		ok, err := done()
		if err == nil && ok {
			return nil
		}
		lastErr = err
		if interval > 0 && i < attempts-1 {
			time.Sleep(interval)
		}
	}
	if lastErr != nil {
		return errors.Join(ErrNoResponse, lastErr)
	}
	return ErrNoResponse
}
