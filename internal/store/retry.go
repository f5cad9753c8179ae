// ABOUTME: Bounded retry with backoff for transient SQLite contention errors.
// ABOUTME: Non-transient errors (including ErrETagMismatch) return immediately.

package store

import (
	"errors"
	"math/rand"
	"strings"
	"time"
)

const (
	retryMaxAttempts = 3
	retryBaseDelay   = 50 * time.Millisecond
	retryMaxDelay    = 500 * time.Millisecond
)

// isTransientSQLiteErr reports whether the error is contention that a retry
// can resolve. The busy_timeout pragma covers SQLITE_BUSY at the connection
// level; table locks and WAL short reads still surface here.
func isTransientSQLiteErr(err error) bool {
	if err == nil || errors.Is(err, ErrETagMismatch) {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryTransient runs fn, retrying transient errors with exponential backoff
// plus jitter up to retryMaxAttempts additional times.
func retryTransient(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= retryMaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < retryMaxAttempts {
			time.Sleep(backoffDelay(attempt))
		}
	}
	return lastErr
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << uint(attempt)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(retryBaseDelay)))
}
