package provider

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoImage is returned when the model reply contains no inline image part.
var ErrNoImage = errors.New("no_image_in_response")

// ErrRateLimited is returned when the per-user sliding window is exhausted;
// the adapter refuses fast without calling the model.
var ErrRateLimited = errors.New("rate_limited")

// ErrPermanent wraps provider failures that must not be retried.
var ErrPermanent = errors.New("permanent provider error")

// permanentError unwraps to ErrPermanent and carries the original message
// returned by the model API.
type permanentError struct {
	message string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("%v: %s", ErrPermanent, e.message)
}

func (e *permanentError) Unwrap() error {
	return ErrPermanent
}

var transientMarkers = []string{
	"rate limit",
	"timeout",
	"network",
	"connection",
	"temporary",
	"service unavailable",
	"quota exceeded",
}

var permanentMarkers = []string{
	"invalid api key",
	"permission denied",
	"not found",
	"invalid request",
	"bad request",
	"unsupported",
}

// isTransient classifies a model error by message. Substring matching is
// what the upstream SDK surface gives us today; anything matching neither
// list is treated as transient so retries get a chance.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return true
}
