package db

import (
	"context"
	"time"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
)

const DefaultReadRetries = 3

// RetryBaseDelay is the first backoff step; each retry waits one step longer.
var RetryBaseDelay = 50 * time.Millisecond

// RetryRead runs a read-only operation, retrying transient store errors with
// incremental backoff. Any other error is returned immediately. Must not be
// used around compare-and-set writes. Inside a transaction op runs once: a
// failed statement aborts the transaction, so the caller's retry decides.
func RetryRead[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	if TxFromContext(ctx) != nil {
		return op(ctx)
	}
	var (
		out T
		err error
	)
	for attempt := 0; attempt <= DefaultReadRetries; attempt++ {
		out, err = op(ctx)
		if err == nil || !apperr.IsTransient(err) || attempt == DefaultReadRetries {
			return out, err
		}
		select {
		case <-ctx.Done():
			return out, err
		case <-time.After(time.Duration(attempt+1) * RetryBaseDelay):
		}
	}
	return out, err
}
