package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const busyRetries = 4

// isBusy matches SQLITE_BUSY / SQLITE_LOCKED as reported by modernc.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_locked")
}

// withRetry runs op, retrying only lock contention with exponential backoff.
// Every other error is returned as is.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	var last error
	err := backoff.Retry(func() error {
		last = op()
		if last != nil && !isBusy(last) {
			return backoff.Permanent(last)
		}
		return last
	}, backoff.WithContext(backoff.WithMaxRetries(bo, busyRetries), ctx))
	if err != nil && last != nil {
		return last
	}
	return err
}
