package kvstore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/slashingdb/dbtest"
	"github.com/ssvlabs/slashing-protector/slashingdb/kvstore"
	"github.com/ssvlabs/slashing-protector/storage/basedb"
	"github.com/ssvlabs/slashing-protector/storage/kv"
	"github.com/ssvlabs/slashing-protector/storage/pebble"
)

func TestBadgerConformance(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) slashingdb.Database {
		return dbtest.NewInMemory(t)
	})
}

func TestPebbleConformance(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) slashingdb.Database {
		logger := logging.TestLogger(t)
		db, err := pebble.NewInMemory(logger)
		require.NoError(t, err)
		store := kvstore.New(logger, db)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestBadgerConflictIsTransient(t *testing.T) {
	logger := logging.TestLogger(t)
	db, err := kv.NewInMemory(logger, basedb.Options{})
	require.NoError(t, err)
	store := kvstore.New(logger, db)
	defer store.Close()
	// other shares the engine but not the writer gate, like a second process would.
	other := kvstore.New(logger, db)

	id := dbtest.Register(t, store, dbtest.RandomKey())
	root := dbtest.RandomRoot()

	// The inner transaction commits a block the outer one has already looked
	// for, so the outer commit loses.
	err = store.Update(t.Context(), slashingdb.Serializable, func(outer slashingdb.Tx) error {
		existing, err := outer.FindBlock(id, 1)
		require.NoError(t, err)
		require.Nil(t, existing)

		require.NoError(t, other.Update(t.Context(), slashingdb.Serializable, func(inner slashingdb.Tx) error {
			return inner.InsertBlock(slashing.SignedBlock{ValidatorID: id, Slot: 1, SigningRoot: &root})
		}))

		return outer.InsertBlock(slashing.SignedBlock{ValidatorID: id, Slot: 1, SigningRoot: &root})
	})
	require.True(t, slashingdb.IsTransient(err), "got %v", err)
}

func TestUpdatesDoNotOverlap(t *testing.T) {
	store := dbtest.NewInMemory(t)

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update(t.Context(), slashingdb.Serializable, func(tx slashingdb.Tx) error {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				// every transaction bumps the shared id sequence
				_, err := tx.RegisterValidators([]phase0.BLSPubKey{dbtest.RandomKey()})
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), peak.Load())
	var list []slashing.Validator
	require.NoError(t, store.Update(t.Context(), slashingdb.ReadCommitted, func(tx slashingdb.Tx) (err error) {
		list, err = tx.ListValidators()
		return err
	}))
	require.Len(t, list, 32)
}

func TestUpdateWaitRespectsContext(t *testing.T) {
	store := dbtest.NewInMemory(t)
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Update(t.Context(), slashingdb.Serializable, func(slashingdb.Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := store.Update(ctx, slashingdb.Serializable, func(slashingdb.Tx) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
	<-done
}

func TestCancelledContext(t *testing.T) {
	store := dbtest.NewInMemory(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := store.Update(ctx, slashingdb.Serializable, func(slashingdb.Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
