package pruner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/slashingdb/dbtest"
	"github.com/ssvlabs/slashing-protector/txretry"
)

var testOptions = Options{
	Enabled:       true,
	EpochsToKeep:  2,
	SlotsPerEpoch: 10,
	Interval:      time.Hour,
	Concurrency:   2,
}

func newPruner(t *testing.T, db slashingdb.Database, opts Options) *Pruner {
	t.Helper()
	logger := logging.TestLogger(t)
	p, err := New(logger, txretry.New(logger, db, txretry.DefaultOptions()), opts)
	require.NoError(t, err)
	return p
}

func update(t *testing.T, db slashingdb.Database, fn func(tx slashingdb.Tx) error) {
	t.Helper()
	require.NoError(t, db.Update(t.Context(), slashingdb.Serializable, fn))
}

func insertBlocks(t *testing.T, db slashingdb.Database, id int64, slots ...phase0.Slot) {
	t.Helper()
	update(t, db, func(tx slashingdb.Tx) error {
		for _, slot := range slots {
			err := tx.InsertBlock(slashing.SignedBlock{ValidatorID: id, Slot: slot, SigningRoot: slashing.RootPtr(dbtest.RandomRoot())})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func insertAttestations(t *testing.T, db slashingdb.Database, id int64, targets ...phase0.Epoch) {
	t.Helper()
	update(t, db, func(tx slashingdb.Tx) error {
		for _, target := range targets {
			err := tx.InsertAttestation(slashing.SignedAttestation{
				ValidatorID: id,
				SourceEpoch: target - 1,
				TargetEpoch: target,
				SigningRoot: slashing.RootPtr(dbtest.RandomRoot()),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func state(t *testing.T, db slashingdb.Database, id int64) (wm *slashing.LowWatermark, blocks []slashing.SignedBlock, atts []slashing.SignedAttestation) {
	t.Helper()
	update(t, db, func(tx slashingdb.Tx) (err error) {
		if wm, err = tx.LowWatermark(id); err != nil {
			return err
		}
		if blocks, err = tx.ListBlocks(id, nil); err != nil {
			return err
		}
		atts, err = tx.ListAttestations(id, nil, nil)
		return err
	})
	return wm, blocks, atts
}

func slotRange(from, to phase0.Slot) []phase0.Slot {
	var out []phase0.Slot
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

func epochRange(from, to phase0.Epoch) []phase0.Epoch {
	var out []phase0.Epoch
	for e := from; e <= to; e++ {
		out = append(out, e)
	}
	return out
}

func TestPrune(t *testing.T) {
	db := dbtest.NewInMemory(t)
	id := dbtest.Register(t, db, dbtest.RandomKey())
	insertBlocks(t, db, id, slotRange(0, 99)...)
	insertAttestations(t, db, id, epochRange(1, 50)...)

	p := newPruner(t, db, testOptions)
	summary, err := p.Prune(t.Context())
	require.NoError(t, err)
	require.Equal(t, Summary{Validators: 1, BlocksDeleted: 80, AttestationsDeleted: 48}, summary)

	wm, blocks, atts := state(t, db, id)
	require.Equal(t, phase0.Slot(80), *wm.Slot)
	require.Equal(t, phase0.Epoch(48), *wm.SourceEpoch)
	require.Equal(t, phase0.Epoch(49), *wm.TargetEpoch)
	require.Len(t, blocks, 20)
	require.Equal(t, phase0.Slot(80), blocks[0].Slot)
	require.Len(t, atts, 2)

	// a second pass has nothing left to remove
	summary, err = p.Prune(t.Context())
	require.NoError(t, err)
	require.Zero(t, summary.BlocksDeleted)
	require.Zero(t, summary.AttestationsDeleted)
}

func TestPruneAnchorsOnNearestRow(t *testing.T) {
	db := dbtest.NewInMemory(t)
	id := dbtest.Register(t, db, dbtest.RandomKey())
	insertBlocks(t, db, id, 10, 50, 100)

	summary, err := newPruner(t, db, testOptions).Prune(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 2, summary.BlocksDeleted)

	wm, blocks, _ := state(t, db, id)
	require.Equal(t, phase0.Slot(100), *wm.Slot)
	require.Len(t, blocks, 1)
	require.False(t, wm.HasEpochs())
}

func TestPruneKeepsShortHistory(t *testing.T) {
	db := dbtest.NewInMemory(t)
	id := dbtest.Register(t, db, dbtest.RandomKey())
	insertBlocks(t, db, id, 3, 5)

	summary, err := newPruner(t, db, testOptions).Prune(t.Context())
	require.NoError(t, err)
	require.Zero(t, summary.BlocksDeleted)

	wm, blocks, _ := state(t, db, id)
	require.Equal(t, phase0.Slot(3), *wm.Slot)
	require.Len(t, blocks, 2)
}

func TestPruneNeverLowersWatermark(t *testing.T) {
	db := dbtest.NewInMemory(t)
	id := dbtest.Register(t, db, dbtest.RandomKey())
	insertBlocks(t, db, id, slotRange(0, 99)...)
	insertAttestations(t, db, id, epochRange(1, 50)...)
	update(t, db, func(tx slashingdb.Tx) error {
		return tx.SetLowWatermark(slashing.LowWatermark{
			ValidatorID: id,
			Slot:        slashing.SlotPtr(95),
			SourceEpoch: slashing.EpochPtr(49),
			TargetEpoch: slashing.EpochPtr(50),
		})
	})

	summary, err := newPruner(t, db, testOptions).Prune(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 95, summary.BlocksDeleted)
	require.EqualValues(t, 49, summary.AttestationsDeleted)

	wm, _, _ := state(t, db, id)
	require.Equal(t, phase0.Slot(95), *wm.Slot)
	require.Equal(t, phase0.Epoch(49), *wm.SourceEpoch)
	require.Equal(t, phase0.Epoch(50), *wm.TargetEpoch)
}

func TestPruneSkipsValidatorsWithoutHistory(t *testing.T) {
	db := dbtest.NewInMemory(t)
	id := dbtest.Register(t, db, dbtest.RandomKey())
	dbtest.Register(t, db, dbtest.RandomKey())
	insertBlocks(t, db, id, slotRange(0, 30)...)

	summary, err := newPruner(t, db, testOptions).Prune(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Validators)
	require.EqualValues(t, 11, summary.BlocksDeleted)
}

func TestInvalidOptions(t *testing.T) {
	db := dbtest.NewInMemory(t)
	logger := logging.TestLogger(t)
	retryer := txretry.New(logger, db, txretry.DefaultOptions())

	for _, opts := range []Options{
		{EpochsToKeep: 0, SlotsPerEpoch: 32},
		{EpochsToKeep: 10, SlotsPerEpoch: 0},
	} {
		_, err := New(logger, retryer, opts)
		require.ErrorIs(t, err, slashing.ErrInvalidPruningConfig)
	}
}

func TestStart(t *testing.T) {
	db := dbtest.NewInMemory(t)
	id := dbtest.Register(t, db, dbtest.RandomKey())
	insertBlocks(t, db, id, slotRange(0, 40)...)

	opts := testOptions
	opts.Interval = 10 * time.Millisecond
	p := newPruner(t, db, opts)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		_, blocks, _ := state(t, db, id)
		return len(blocks) == 20
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pruner did not stop")
	}
}

type lockCall struct {
	validatorID int64
	lockType    slashingdb.LockType
}

// lockRecorder remembers which transactions took a validator lock before
// touching a low watermark.
type lockRecorder struct {
	slashingdb.Database

	mu    sync.Mutex
	calls []lockCall
	// unlockedUpdates counts watermark writes made without a lock in the same transaction.
	unlockedUpdates int
}

func (r *lockRecorder) Update(ctx context.Context, isolation slashingdb.Isolation, fn func(slashingdb.Tx) error) error {
	return r.Database.Update(ctx, isolation, func(tx slashingdb.Tx) error {
		return fn(&recordingTx{Tx: tx, recorder: r})
	})
}

type recordingTx struct {
	slashingdb.Tx
	recorder *lockRecorder
	locked   map[slashingdb.LockType]bool
}

func (tx *recordingTx) LockValidator(validatorID int64, lockType slashingdb.LockType) error {
	tx.recorder.mu.Lock()
	tx.recorder.calls = append(tx.recorder.calls, lockCall{validatorID, lockType})
	tx.recorder.mu.Unlock()
	if tx.locked == nil {
		tx.locked = make(map[slashingdb.LockType]bool)
	}
	tx.locked[lockType] = true
	return tx.Tx.LockValidator(validatorID, lockType)
}

func (tx *recordingTx) UpdateSlotWatermark(validatorID int64, slot phase0.Slot) error {
	tx.checkLocked(slashingdb.LockBlock)
	return tx.Tx.UpdateSlotWatermark(validatorID, slot)
}

func (tx *recordingTx) UpdateEpochWatermark(validatorID int64, source, target phase0.Epoch) error {
	tx.checkLocked(slashingdb.LockAttestation)
	return tx.Tx.UpdateEpochWatermark(validatorID, source, target)
}

func (tx *recordingTx) checkLocked(lockType slashingdb.LockType) {
	if tx.locked[lockType] {
		return
	}
	tx.recorder.mu.Lock()
	tx.recorder.unlockedUpdates++
	tx.recorder.mu.Unlock()
}

func TestPruneLocksValidator(t *testing.T) {
	db := dbtest.NewInMemory(t)
	id := dbtest.Register(t, db, dbtest.RandomKey())
	insertBlocks(t, db, id, slotRange(0, 99)...)
	insertAttestations(t, db, id, epochRange(1, 50)...)

	recorder := &lockRecorder{Database: db}
	_, err := newPruner(t, recorder, testOptions).Prune(t.Context())
	require.NoError(t, err)

	require.ElementsMatch(t, []lockCall{{id, slashingdb.LockBlock}, {id, slashingdb.LockAttestation}}, recorder.calls)
	require.Zero(t, recorder.unlockedUpdates)
}
