// Package txretry replays transactions that failed with a transient
// database error.
package txretry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/logging/fields"
	"github.com/ssvlabs/slashing-protector/slashingdb"
)

const (
	backoffMultiplier    = 2
	backoffRandomization = 0.5
)

// Options configures the retry policy.
type Options struct {
	MaxRetries int           `yaml:"MaxRetries" env:"SP_DB_MAX_RETRIES" env-default:"3" env-description:"Number of times a transaction failing with a serialization error is replayed"`
	Delay      time.Duration `yaml:"Delay" env:"SP_DB_RETRY_DELAY" env-default:"100ms" env-description:"Delay before the first transaction replay, doubled with jitter for each further one"`
	MaxDelay   time.Duration `yaml:"MaxDelay" env:"SP_DB_RETRY_MAX_DELAY" env-default:"2s" env-description:"Upper bound of the delay between transaction replays"`
}

// DefaultOptions returns the default retry policy.
func DefaultOptions() Options {
	return Options{MaxRetries: 3, Delay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// RetriesExhaustedError is returned when every attempt failed transiently.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("transaction max retries %d reached, not retrying transaction: %v", e.Attempts-1, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// Retryer runs units of work in transactions of a slashingdb.Database.
type Retryer struct {
	logger     *zap.Logger
	db         slashingdb.Database
	maxRetries int
	delay      time.Duration
	maxDelay   time.Duration
}

func New(logger *zap.Logger, db slashingdb.Database, opts Options) *Retryer {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxDelay < opts.Delay {
		opts.MaxDelay = opts.Delay
	}
	return &Retryer{
		logger:     logger.Named(logging.NameTxRetryer),
		db:         db,
		maxRetries: opts.MaxRetries,
		delay:      opts.Delay,
		maxDelay:   opts.MaxDelay,
	}
}

// newBackOff returns the replay schedule of one WithTransaction call. The
// jitter keeps transactions that failed together from replaying together.
func (r *Retryer) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.delay
	b.MaxInterval = r.maxDelay
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = backoffRandomization
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// WithTransaction runs work in a fresh transaction per attempt. Work must be
// safe to replay: it is called again from scratch after a transient failure.
func (r *Retryer) WithTransaction(ctx context.Context, isolation slashingdb.Isolation, work func(slashingdb.Tx) error) error {
	attempts := r.maxRetries + 1
	schedule := r.newBackOff()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = r.db.Update(ctx, isolation, work)
		if err == nil {
			return nil
		}
		if !slashingdb.IsTransient(err) {
			return fmt.Errorf("unable to retry transaction: %w", err)
		}
		if attempt == attempts {
			break
		}

		delay := schedule.NextBackOff()
		r.logger.Debug("retrying transaction",
			fields.Attempt(attempt),
			fields.Isolation(isolation.String()),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("unable to retry transaction: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	r.logger.Warn("transaction retries exhausted", fields.Attempt(attempts), zap.Error(err))
	return &RetriesExhaustedError{Attempts: attempts, Err: err}
}

// Do is WithTransaction for work that produces a value.
func Do[T any](ctx context.Context, r *Retryer, isolation slashingdb.Isolation, work func(slashingdb.Tx) (T, error)) (T, error) {
	var result T
	err := r.WithTransaction(ctx, isolation, func(tx slashingdb.Tx) error {
		var err error
		result, err = work(tx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
