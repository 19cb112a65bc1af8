// Package retry runs an operation up to a bounded number of attempts with exponential backoff.
package retry

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go/v4"
)

// Policy bounds the attempts of one operation.
type Policy struct {
	MaxAttempts uint
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Do runs operation until it succeeds, returns an unrecoverable error, the
// context ends or the attempts are exhausted. It reports the attempts used
// and the last error.
func Do(ctx context.Context, policy Policy, operation func(context.Context) error) (uint, error) {
	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	var used uint
	options := []retrygo.Option{
		retrygo.Context(ctx),
		retrygo.Attempts(attempts),
		retrygo.Delay(policy.Backoff),
		retrygo.DelayType(retrygo.BackOffDelay),
		retrygo.LastErrorOnly(true),
	}
	if policy.MaxBackoff > 0 {
		options = append(options, retrygo.MaxDelay(policy.MaxBackoff))
	}

	err := retrygo.Do(func() error {
		used++
		return operation(ctx)
	}, options...)
	return used, err
}

// Permanent marks err so that Do stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return retrygo.Unrecoverable(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return err != nil && !retrygo.IsRecoverable(err)
}
