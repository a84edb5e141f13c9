package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

const retryAttempts = 5

func wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf("store: "+format+": %w", append(args, err)...)
}

// isTransient reports whether err looks like store contention rather than a
// persistent failure: a locked sqlite file or a postgres serialization
// failure. Everything else propagates without retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"database is locked", "busy", "deadlock", "could not serialize"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// withRetry runs op, retrying transient contention errors with exponential
// backoff (5 attempts, 100ms * 2^attempt). Persistent failures return
// immediately.
func withRetry(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if attempt >= retryAttempts || !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(b, retryAttempts-1))
}
