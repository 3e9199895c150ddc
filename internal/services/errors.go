package services

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Typed failures returned by the ledger, offer registry and order engine.
// Handlers map these to HTTP status codes; none of them ever leaves a
// partially applied mutation behind (transaction rollback guarantees that).
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidState           = errors.New("invalid state")
	ErrOfferUnavailable       = errors.New("offer unavailable")
	ErrLimitViolation         = errors.New("amount outside offer limits")
	ErrOfferHasOpenOrders     = errors.New("offer has open orders")
	ErrDeadlineExpired        = errors.New("payment deadline expired")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrNotParticipant         = errors.New("not an order participant")
	ErrNotFound               = errors.New("not found")
	ErrSelfTrade              = errors.New("cannot trade with yourself")
)

// StatusForError maps a service failure to an HTTP status code.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrDeadlineExpired),
		errors.Is(err, ErrOfferHasOpenOrders):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrOfferUnavailable), errors.Is(err, ErrLimitViolation),
		errors.Is(err, ErrSelfTrade):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

const (
	maxRetries   = 3
	retryBackoff = 25 * time.Millisecond
)

// withRetry reruns fn while it fails with ErrConcurrentModification, up to
// maxRetries attempts. Every other error is returned immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = fn(); !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff << attempt):
		}
	}
	return err
}
