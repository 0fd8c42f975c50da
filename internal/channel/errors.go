package channel

import (
	"errors"
	"fmt"
	"net/http"
)

// PermanentError is a provider rejection that no retry can fix, such as an
// invalid recipient or a message the provider refuses.
type PermanentError struct {
	Channel string
	Err     error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Channel, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// TransientError is a failure worth retrying: timeouts, throttling,
// provider outages.
type TransientError struct {
	Channel string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Channel, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a *PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// classifyStatus maps an HTTP provider response to an error class.
// 408 and 429 are retried with the 5xx family; other 4xx are permanent.
func classifyStatus(channel string, status int, detail string) error {
	err := fmt.Errorf("provider returned %d: %s", status, detail)
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &TransientError{Channel: channel, Err: err}
	case status >= 400:
		return &PermanentError{Channel: channel, Err: err}
	default:
		return &TransientError{Channel: channel, Err: err}
	}
}
