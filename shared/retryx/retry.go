package retryx

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrConflict marks a write that lost a race and is safe to replay.
var ErrConflict = errors.New("concurrency conflict")

type Policy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
	// Retryable decides whether an error is replayed. Nil means only
	// ErrConflict is retried.
	Retryable func(error) bool
}

func DefaultPolicy(maxRetries int) Policy {
	return Policy{MaxRetries: maxRetries, Initial: 25 * time.Millisecond, Max: time.Second}
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts the
// retry budget or ctx ends. Delays grow exponentially with jitter.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 25 * time.Millisecond
	}
	eb.MaxInterval = p.Max
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = time.Second
	}
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	retryable := p.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return errors.Is(err, ErrConflict) }
	}
	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
