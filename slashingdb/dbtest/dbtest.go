// Package dbtest holds helpers and a conformance suite for slashingdb.Database
// implementations.
package dbtest

import (
	"context"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/slashingdb/kvstore"
	"github.com/ssvlabs/slashing-protector/storage/basedb"
	"github.com/ssvlabs/slashing-protector/storage/kv"
)

// NewInMemory returns an in-memory badger backed database closed with the test.
func NewInMemory(t testing.TB) slashingdb.Database {
	t.Helper()
	logger := logging.TestLogger(t)
	db, err := kv.NewInMemory(logger, basedb.Options{})
	require.NoError(t, err)
	store := kvstore.New(logger, db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// RandomKey returns a random validator public key.
func RandomKey() phase0.BLSPubKey {
	var key phase0.BLSPubKey
	for i := range key {
		key[i] = gofakeit.Uint8()
	}
	return key
}

// RandomRoot returns a random non-zero root.
func RandomRoot() phase0.Root {
	var root phase0.Root
	for i := range root {
		root[i] = gofakeit.Uint8()
	}
	root[0] |= 1
	return root
}

// Register inserts key and returns its id.
func Register(t testing.TB, db slashingdb.Database, key phase0.BLSPubKey) int64 {
	t.Helper()
	var id int64
	update(t, db, func(tx slashingdb.Tx) error {
		vs, err := tx.RegisterValidators([]phase0.BLSPubKey{key})
		if err != nil {
			return err
		}
		id = vs[0].ID
		return nil
	})
	return id
}

func update(t testing.TB, db slashingdb.Database, fn func(slashingdb.Tx) error) {
	t.Helper()
	require.NoError(t, db.Update(context.Background(), slashingdb.Serializable, fn))
}

// Run exercises every data access operation against a fresh database
// returned by open.
func Run(t *testing.T, open func(t *testing.T) slashingdb.Database) {
	t.Run("validators", func(t *testing.T) { testValidators(t, open(t)) })
	t.Run("metadata", func(t *testing.T) { testMetadata(t, open(t)) })
	t.Run("blocks", func(t *testing.T) { testBlocks(t, open(t)) })
	t.Run("attestations", func(t *testing.T) { testAttestations(t, open(t)) })
	t.Run("watermarks", func(t *testing.T) { testWatermarks(t, open(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, open(t)) })
}

func testValidators(t *testing.T, db slashingdb.Database) {
	a, b := RandomKey(), RandomKey()

	update(t, db, func(tx slashingdb.Tx) error {
		vs, err := tx.RegisterValidators([]phase0.BLSPubKey{a})
		require.NoError(t, err)
		require.Len(t, vs, 1)
		require.True(t, vs[0].Enabled)

		vs2, err := tx.RegisterValidators([]phase0.BLSPubKey{a, b})
		require.NoError(t, err)
		require.Len(t, vs2, 2)

		byKey := map[phase0.BLSPubKey]int64{}
		for _, v := range vs2 {
			byKey[v.PublicKey] = v.ID
		}
		require.Equal(t, vs[0].ID, byKey[a])
		require.NotEqual(t, byKey[a], byKey[b])
		return nil
	})

	update(t, db, func(tx slashingdb.Tx) error {
		require.NoError(t, tx.SetEnabled([]phase0.BLSPubKey{b}, false))

		found, err := tx.FindValidators([]phase0.BLSPubKey{b, RandomKey()})
		require.NoError(t, err)
		require.Len(t, found, 1)
		require.False(t, found[0].Enabled)

		enabled, ok, err := tx.IsEnabled(found[0].ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.False(t, enabled)

		_, ok, err = tx.IsEnabled(found[0].ID + 1000)
		require.NoError(t, err)
		require.False(t, ok)

		all, err := tx.ListValidators()
		require.NoError(t, err)
		require.Len(t, all, 2)
		return nil
	})
}

func testMetadata(t *testing.T, db slashingdb.Database) {
	root := RandomRoot()

	update(t, db, func(tx slashingdb.Tx) error {
		gvr, err := tx.GenesisValidatorsRoot()
		require.NoError(t, err)
		require.Nil(t, gvr)

		err = tx.UpdateHighWatermark(slashing.HighWatermark{Slot: slashing.SlotPtr(10)})
		require.ErrorIs(t, err, slashing.ErrNoGenesisValidatorsRoot)
		return nil
	})

	update(t, db, func(tx slashingdb.Tx) error {
		return tx.InsertGenesisValidatorsRoot(root)
	})

	err := db.Update(context.Background(), slashingdb.Serializable, func(tx slashingdb.Tx) error {
		return tx.InsertGenesisValidatorsRoot(RandomRoot())
	})
	require.True(t, slashingdb.IsUniqueViolation(err), "got %v", err)

	update(t, db, func(tx slashingdb.Tx) error {
		gvr, err := tx.GenesisValidatorsRoot()
		require.NoError(t, err)
		require.Equal(t, root, *gvr)

		hw, err := tx.HighWatermark()
		require.NoError(t, err)
		require.Nil(t, hw)

		require.NoError(t, tx.UpdateHighWatermark(slashing.HighWatermark{Slot: slashing.SlotPtr(100), Epoch: slashing.EpochPtr(3)}))
		hw, err = tx.HighWatermark()
		require.NoError(t, err)
		require.Equal(t, phase0.Slot(100), *hw.Slot)
		require.Equal(t, phase0.Epoch(3), *hw.Epoch)

		require.NoError(t, tx.DeleteHighWatermark())
		hw, err = tx.HighWatermark()
		require.NoError(t, err)
		require.Nil(t, hw)
		return nil
	})
}

func testBlocks(t *testing.T, db slashingdb.Database) {
	id := Register(t, db, RandomKey())
	other := Register(t, db, RandomKey())
	root := RandomRoot()

	update(t, db, func(tx slashingdb.Tx) error {
		require.NoError(t, tx.InsertBlock(slashing.SignedBlock{ValidatorID: id, Slot: 10, SigningRoot: &root}))
		require.NoError(t, tx.InsertBlock(slashing.SignedBlock{ValidatorID: id, Slot: 20}))
		require.NoError(t, tx.InsertBlock(slashing.SignedBlock{ValidatorID: id, Slot: 30, SigningRoot: &root}))
		require.NoError(t, tx.InsertBlock(slashing.SignedBlock{ValidatorID: other, Slot: 5, SigningRoot: &root}))
		return nil
	})

	err := db.Update(context.Background(), slashingdb.Serializable, func(tx slashingdb.Tx) error {
		return tx.InsertBlock(slashing.SignedBlock{ValidatorID: id, Slot: 10, SigningRoot: &root})
	})
	require.True(t, slashingdb.IsUniqueViolation(err), "got %v", err)

	update(t, db, func(tx slashingdb.Tx) error {
		b, err := tx.FindBlock(id, 10)
		require.NoError(t, err)
		require.NotNil(t, b)
		require.True(t, slashing.SameRoot(b.SigningRoot, &root))

		b, err = tx.FindBlock(id, 20)
		require.NoError(t, err)
		require.Nil(t, b.SigningRoot)

		b, err = tx.FindBlock(id, 11)
		require.NoError(t, err)
		require.Nil(t, b)

		b, err = tx.NearestBlockAtOrAbove(id, 11)
		require.NoError(t, err)
		require.Equal(t, phase0.Slot(20), b.Slot)

		b, err = tx.NearestBlockAtOrAbove(id, 31)
		require.NoError(t, err)
		require.Nil(t, b)

		blocks, err := tx.ListBlocks(id, slashing.SlotPtr(20))
		require.NoError(t, err)
		require.Len(t, blocks, 2)

		hp, err := tx.Highpoint(id)
		require.NoError(t, err)
		require.Equal(t, phase0.Slot(30), *hp.MaxSlot)
		require.Nil(t, hp.MaxTargetEpoch)

		n, err := tx.DeleteBlocksBelow(id, 30)
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		blocks, err = tx.ListBlocks(id, nil)
		require.NoError(t, err)
		require.Len(t, blocks, 1)

		blocks, err = tx.ListBlocks(other, nil)
		require.NoError(t, err)
		require.Len(t, blocks, 1)
		return nil
	})
}

func testAttestations(t *testing.T, db slashingdb.Database) {
	id := Register(t, db, RandomKey())
	root := RandomRoot()
	att := func(source, target phase0.Epoch) slashing.SignedAttestation {
		return slashing.SignedAttestation{ValidatorID: id, SourceEpoch: source, TargetEpoch: target, SigningRoot: &root}
	}

	update(t, db, func(tx slashingdb.Tx) error {
		require.NoError(t, tx.InsertAttestation(att(2, 5)))
		require.NoError(t, tx.InsertAttestation(att(5, 7)))
		require.NoError(t, tx.InsertAttestation(att(7, 9)))
		return nil
	})

	err := db.Update(context.Background(), slashingdb.Serializable, func(tx slashingdb.Tx) error {
		return tx.InsertAttestation(att(2, 5))
	})
	require.True(t, slashingdb.IsUniqueViolation(err), "got %v", err)

	update(t, db, func(tx slashingdb.Tx) error {
		atts, err := tx.FindAttestationsForTarget(id, 5)
		require.NoError(t, err)
		require.Len(t, atts, 1)
		require.Equal(t, phase0.Epoch(2), atts[0].SourceEpoch)

		a, err := tx.FindSurroundingAttestation(id, 3, 4)
		require.NoError(t, err)
		require.NotNil(t, a)
		require.Equal(t, phase0.Epoch(5), a.TargetEpoch)

		a, err = tx.FindSurroundingAttestation(id, 2, 5)
		require.NoError(t, err)
		require.Nil(t, a)

		a, err = tx.FindSurroundedAttestation(id, 1, 6)
		require.NoError(t, err)
		require.NotNil(t, a)
		require.Equal(t, phase0.Epoch(2), a.SourceEpoch)

		a, err = tx.FindSurroundedAttestation(id, 5, 7)
		require.NoError(t, err)
		require.Nil(t, a)

		a, err = tx.NearestAttestationAtOrAbove(id, 6)
		require.NoError(t, err)
		require.Equal(t, phase0.Epoch(7), a.TargetEpoch)

		atts, err = tx.ListAttestations(id, slashing.EpochPtr(5), slashing.EpochPtr(6))
		require.NoError(t, err)
		require.Len(t, atts, 2)

		hp, err := tx.Highpoint(id)
		require.NoError(t, err)
		require.Equal(t, phase0.Epoch(7), *hp.MaxSourceEpoch)
		require.Equal(t, phase0.Epoch(9), *hp.MaxTargetEpoch)
		require.Nil(t, hp.MaxSlot)

		n, err := tx.DeleteAttestationsBelow(id, 7)
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		atts, err = tx.ListAttestations(id, nil, nil)
		require.NoError(t, err)
		require.Len(t, atts, 2)
		return nil
	})
}

func testWatermarks(t *testing.T, db slashingdb.Database) {
	id := Register(t, db, RandomKey())

	update(t, db, func(tx slashingdb.Tx) error {
		wm, err := tx.LowWatermark(id)
		require.NoError(t, err)
		require.Nil(t, wm)

		hp, err := tx.Highpoint(id)
		require.NoError(t, err)
		require.Nil(t, hp)

		require.NoError(t, tx.UpdateSlotWatermark(id, 10))
		require.NoError(t, tx.UpdateEpochWatermark(id, 2, 3))

		wm, err = tx.LowWatermark(id)
		require.NoError(t, err)
		require.Equal(t, phase0.Slot(10), *wm.Slot)
		require.Equal(t, phase0.Epoch(2), *wm.SourceEpoch)
		require.Equal(t, phase0.Epoch(3), *wm.TargetEpoch)

		require.NoError(t, tx.UpdateSlotWatermark(id, 11))
		wm, err = tx.LowWatermark(id)
		require.NoError(t, err)
		require.Equal(t, phase0.Slot(11), *wm.Slot)
		require.Equal(t, phase0.Epoch(3), *wm.TargetEpoch)

		require.NoError(t, tx.SetLowWatermark(slashing.LowWatermark{ValidatorID: id, Slot: slashing.SlotPtr(1)}))
		wm, err = tx.LowWatermark(id)
		require.NoError(t, err)
		require.Equal(t, phase0.Slot(1), *wm.Slot)
		require.False(t, wm.HasEpochs())

		all, err := tx.ListLowWatermarks()
		require.NoError(t, err)
		require.Len(t, all, 1)

		require.NoError(t, tx.LockValidator(id, slashingdb.LockBlock))
		require.NoError(t, tx.LockValidator(id, slashingdb.LockAttestation))
		return nil
	})
}

func testRollback(t *testing.T, db slashingdb.Database) {
	id := Register(t, db, RandomKey())
	root := RandomRoot()

	err := db.Update(context.Background(), slashingdb.Serializable, func(tx slashingdb.Tx) error {
		require.NoError(t, tx.InsertBlock(slashing.SignedBlock{ValidatorID: id, Slot: 1, SigningRoot: &root}))
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	update(t, db, func(tx slashingdb.Tx) error {
		b, err := tx.FindBlock(id, 1)
		require.NoError(t, err)
		require.Nil(t, b)
		return nil
	})
}
