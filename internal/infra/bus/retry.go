package bus

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError marks a handler error as retryable for buses that support
// explicit ack/nak semantics (NATS JetStream).
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("retry: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfter wraps err with a redelivery delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &RetryableError{Err: err, Delay: delay}
}

// RetryDelay extracts the redelivery delay when err is retryable.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryableError
	if !errors.As(err, &re) {
		return 0, false
	}
	if re.Delay < 0 {
		return 0, true
	}
	return re.Delay, true
}
