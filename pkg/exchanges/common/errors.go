package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a non-2xx reply from the venue.
type APIError struct {
	Method   string
	Endpoint string
	Status   int
	Code     int
	Msg      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d code %d: %s", e.Method, e.Endpoint, e.Status, e.Code, e.Msg)
}

// Venue codes that are safe to retry on the next cycle.
const (
	codeUnknownError = -1001 // internal error; unable to process
	codeTooManyReqs  = -1003
)

// IsRetryable reports whether err is a transient venue or network failure.
// Permanent errors (bad parameters, insufficient margin, auth) return false.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status >= http.StatusInternalServerError:
			return true
		case apiErr.Status == http.StatusTooManyRequests || apiErr.Status == 418:
			return true
		case apiErr.Code == codeUnknownError || apiErr.Code == codeTooManyReqs:
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
