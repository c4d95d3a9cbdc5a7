package txretry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/slashingdb"
)

// scriptedDB fails the first len(errs) transactions with the given errors.
type scriptedDB struct {
	errs  []error
	calls int
}

func (d *scriptedDB) Update(_ context.Context, _ slashingdb.Isolation, fn func(slashingdb.Tx) error) error {
	d.calls++
	if d.calls <= len(d.errs) {
		return d.errs[d.calls-1]
	}
	return fn(nil)
}

func (d *scriptedDB) Close() error { return nil }

func transient() error {
	return slashingdb.MarkTransient(errors.New("could not serialize access"))
}

func TestWithTransaction(t *testing.T) {
	opts := Options{MaxRetries: 3, Delay: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		db := &scriptedDB{errs: []error{transient(), transient()}}
		r := New(logging.TestLogger(t), db, opts)

		ran := 0
		err := r.WithTransaction(t.Context(), slashingdb.Serializable, func(slashingdb.Tx) error {
			ran++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, db.calls)
		require.Equal(t, 1, ran)
	})

	t.Run("exhausts retries", func(t *testing.T) {
		db := &scriptedDB{errs: []error{transient(), transient(), transient(), transient(), transient()}}
		r := New(logging.TestLogger(t), db, opts)

		err := r.WithTransaction(t.Context(), slashingdb.Serializable, func(slashingdb.Tx) error { return nil })
		require.Error(t, err)

		var exhausted *RetriesExhaustedError
		require.ErrorAs(t, err, &exhausted)
		require.Equal(t, 4, exhausted.Attempts)
		require.Equal(t, 4, db.calls)
		require.True(t, slashingdb.IsTransient(err))
		require.Contains(t, err.Error(), "transaction max retries 3 reached, not retrying transaction")
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		boom := errors.New("boom")
		db := &scriptedDB{errs: []error{boom}}
		r := New(logging.TestLogger(t), db, opts)

		err := r.WithTransaction(t.Context(), slashingdb.Serializable, func(slashingdb.Tx) error { return nil })
		require.ErrorIs(t, err, boom)
		require.Contains(t, err.Error(), "unable to retry transaction")
		require.Equal(t, 1, db.calls)
	})

	t.Run("zero retries runs once", func(t *testing.T) {
		db := &scriptedDB{errs: []error{transient()}}
		r := New(logging.TestLogger(t), db, Options{})

		err := r.WithTransaction(t.Context(), slashingdb.Serializable, func(slashingdb.Tx) error { return nil })
		var exhausted *RetriesExhaustedError
		require.ErrorAs(t, err, &exhausted)
		require.Equal(t, 1, exhausted.Attempts)
		require.Equal(t, 1, db.calls)
	})

	t.Run("cancelled context stops waiting", func(t *testing.T) {
		db := &scriptedDB{errs: []error{transient(), transient()}}
		r := New(logging.TestLogger(t), db, Options{MaxRetries: 3, Delay: time.Hour})

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		err := r.WithTransaction(ctx, slashingdb.Serializable, func(slashingdb.Tx) error { return nil })
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, db.calls)
	})
}

func TestDo(t *testing.T) {
	db := &scriptedDB{errs: []error{transient()}}
	r := New(logging.TestLogger(t), db, Options{MaxRetries: 1, Delay: time.Millisecond})

	v, err := Do(t.Context(), r, slashingdb.ReadCommitted, func(slashingdb.Tx) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)

	_, err = Do(t.Context(), r, slashingdb.ReadCommitted, func(slashingdb.Tx) (int, error) {
		return 0, errors.New("failed")
	})
	require.Error(t, err)
}

func TestBackOffGrowsWithJitter(t *testing.T) {
	r := New(logging.TestLogger(t), &scriptedDB{}, Options{MaxRetries: 3, Delay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond})

	firstDelays := make(map[time.Duration]struct{})
	for i := 0; i < 20; i++ {
		schedule := r.newBackOff()

		first := schedule.NextBackOff()
		require.GreaterOrEqual(t, first, 50*time.Millisecond)
		require.LessOrEqual(t, first, 150*time.Millisecond)
		firstDelays[first] = struct{}{}

		second := schedule.NextBackOff()
		require.GreaterOrEqual(t, second, 100*time.Millisecond)
		require.LessOrEqual(t, second, 300*time.Millisecond)

		// capped at MaxDelay before jitter
		for j := 0; j < 5; j++ {
			require.LessOrEqual(t, schedule.NextBackOff(), 450*time.Millisecond)
		}
	}
	require.Greater(t, len(firstDelays), 1, "replays must not be scheduled in lockstep")
}
