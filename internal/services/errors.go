package services

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/ajramos/gizreply/internal/gmail"
)

// Pipeline errors. Callers wrap them with context using %w; the HTTP layer
// maps them to status codes.
var (
	// ErrAccountNotFound: no account matches the notification or id
	ErrAccountNotFound = errors.New("account not found")
	// ErrAuth: credential missing, invalid or unrefreshable
	ErrAuth = errors.New("authentication failed")
	// ErrMalformedNotification: push envelope could not be decoded
	ErrMalformedNotification = errors.New("malformed notification")
	// ErrStaleHistoryCursor: the provider rejected the history range, a full resync is required
	ErrStaleHistoryCursor = errors.New("history cursor expired, full resync required")
	// ErrProvider: any other mail provider failure
	ErrProvider = errors.New("mail provider error")
	// ErrGeneration: the reply generator failed
	ErrGeneration = errors.New("reply generation failed")
)

type temporary interface {
	Temporary() bool
}

// IsRetryableError determines if an error is transient and the single call
// that produced it may be attempted again
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleHistoryCursor) || errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrMalformedNotification) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	switch code := gmail.StatusCode(err); {
	case code == http.StatusTooManyRequests, code >= 500:
		return true
	case code != 0:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t temporary
	if errors.As(err, &t) && t.Temporary() {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
