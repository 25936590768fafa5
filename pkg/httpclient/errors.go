package httpclient

import (
	"fmt"
	"time"
)

// RetriesExhaustedError reports a request abandoned after the retry budget
// ran out. RetryAfter carries the delay the next attempt would have waited.
type RetriesExhaustedError struct {
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *RetriesExhaustedError) Error() string {
	msg := fmt.Sprintf("giving up after %d attempts", e.Attempts)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s, last status %d", msg, e.StatusCode)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s, server asks to wait %v", msg, e.RetryAfter)
	}
	return msg
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}
