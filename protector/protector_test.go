package protector

import (
	"context"
	"sync"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/registry"
	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/slashingdb/dbtest"
	"github.com/ssvlabs/slashing-protector/slashingdb/postgres"
	"github.com/ssvlabs/slashing-protector/slashingdb/postgres/pgtest"
	"github.com/ssvlabs/slashing-protector/txretry"
)

var gvr = phase0.Root{0x04, 0x70, 0x00, 0x1d}

func root(b byte) phase0.Root {
	return phase0.Root{b}
}

func pubKey(b byte) phase0.BLSPubKey {
	return phase0.BLSPubKey{b}
}

func newProtector(t *testing.T, db slashingdb.Database, opts txretry.Options) *SlashingProtector {
	logger := logging.TestLogger(t)
	retryer := txretry.New(logger, db, opts)
	return New(logger, retryer, registry.New(logger, retryer))
}

func newTestProtector(t *testing.T) (*SlashingProtector, slashingdb.Database) {
	db := dbtest.NewInMemory(t)
	return newProtector(t, db, txretry.DefaultOptions()), db
}

func blocks(t *testing.T, db slashingdb.Database, sp *SlashingProtector, key phase0.BLSPubKey) []slashing.SignedBlock {
	t.Helper()
	id, err := sp.registry.MustGetValidatorID(key)
	require.NoError(t, err)
	var out []slashing.SignedBlock
	require.NoError(t, db.Update(context.Background(), slashingdb.ReadCommitted, func(tx slashingdb.Tx) error {
		out, err = tx.ListBlocks(id, nil)
		return err
	}))
	return out
}

func attestations(t *testing.T, db slashingdb.Database, sp *SlashingProtector, key phase0.BLSPubKey) []slashing.SignedAttestation {
	t.Helper()
	id, err := sp.registry.MustGetValidatorID(key)
	require.NoError(t, err)
	var out []slashing.SignedAttestation
	require.NoError(t, db.Update(context.Background(), slashingdb.ReadCommitted, func(tx slashingdb.Tx) error {
		out, err = tx.ListAttestations(id, nil, nil)
		return err
	}))
	return out
}

func TestMaySignBlockScenario(t *testing.T) {
	sp, db := newTestProtector(t)
	ctx := t.Context()
	v := pubKey(0x42)

	ok, err := sp.MaySignBlock(ctx, v, root(0xAA), 100, gvr)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sp.MaySignBlock(ctx, v, root(0xBB), 100, gvr)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = sp.MaySignBlock(ctx, v, root(0xAA), 100, gvr)
	require.NoError(t, err)
	require.True(t, ok)

	stored := blocks(t, db, sp, v)
	require.Len(t, stored, 1)
	require.Equal(t, root(0xAA), *stored[0].SigningRoot)
}

func TestMaySignBlockLowWatermark(t *testing.T) {
	sp, db := newTestProtector(t)
	ctx := t.Context()
	v := pubKey(1)

	require.NoError(t, sp.UpdateLowWatermark(ctx, v, slashing.SlotPtr(20000), nil, nil))

	ok, err := sp.MaySignBlock(ctx, v, root(1), 19999, gvr)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, blocks(t, db, sp, v))

	ok, err = sp.MaySignBlock(ctx, v, root(1), 20000, gvr)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMaySignBlockHighWatermark(t *testing.T) {
	sp, _ := newTestProtector(t)
	ctx := t.Context()
	v := pubKey(1)

	ok, err := sp.MaySignBlock(ctx, v, root(1), 10, gvr)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, sp.UpdateHighWatermark(ctx, slashing.HighWatermark{Slot: slashing.SlotPtr(50)}))

	ok, err = sp.MaySignBlock(ctx, v, root(1), 50, gvr)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = sp.MaySignBlock(ctx, v, root(1), 49, gvr)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, sp.DeleteHighWatermark(ctx))
	ok, err = sp.MaySignBlock(ctx, v, root(1), 51, gvr)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMaySignBlockStoredNullRoot(t *testing.T) {
	sp, db := newTestProtector(t)
	ctx := t.Context()
	v := pubKey(1)

	require.NoError(t, sp.registry.RegisterValidators(ctx, []phase0.BLSPubKey{v}))
	id, err := sp.registry.MustGetValidatorID(v)
	require.NoError(t, err)
	require.NoError(t, db.Update(ctx, slashingdb.Serializable, func(tx slashingdb.Tx) error {
		return tx.InsertBlock(slashing.SignedBlock{ValidatorID: id, Slot: 5})
	}))

	ok, err := sp.MaySignBlock(ctx, v, root(1), 5, gvr)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChainIdentity(t *testing.T) {
	sp, db := newTestProtector(t)
	ctx := t.Context()

	ok, err := sp.MaySignBlock(ctx, pubKey(1), root(1), 1, gvr)
	require.NoError(t, err)
	require.True(t, ok)

	other := phase0.Root{0xff}
	_, err = sp.MaySignBlock(ctx, pubKey(1), root(1), 2, other)
	require.True(t, slashing.IsChainIdentityMismatch(err))

	// a fresh instance reads the bound root from the store
	fresh := newProtector(t, db, txretry.DefaultOptions())
	_, err = fresh.MaySignAttestation(ctx, pubKey(2), root(1), 1, 2, other)
	require.True(t, slashing.IsChainIdentityMismatch(err))

	// the failed request does not poison later ones
	ok, err = fresh.MaySignAttestation(ctx, pubKey(2), root(1), 1, 2, gvr)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDisabledValidator(t *testing.T) {
	sp, db := newTestProtector(t)
	ctx := t.Context()
	v := pubKey(1)

	require.NoError(t, sp.registry.RegisterValidators(ctx, []phase0.BLSPubKey{v}))
	require.NoError(t, db.Update(ctx, slashingdb.Serializable, func(tx slashingdb.Tx) error {
		return tx.SetEnabled([]phase0.BLSPubKey{v}, false)
	}))

	ok, err := sp.MaySignBlock(ctx, v, root(1), 1, gvr)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = sp.MaySignAttestation(ctx, v, root(1), 1, 2, gvr)
	require.NoError(t, err)
	require.False(t, ok)

	enabled, err := sp.IsEnabled(ctx, v)
	require.NoError(t, err)
	require.False(t, enabled)
}

func TestMaySignAttestation(t *testing.T) {
	tests := []struct {
		name           string
		source, target phase0.Epoch
		root           phase0.Root
		allowed        bool
	}{
		{name: "surrounds", source: 1, target: 6, root: root(2), allowed: false},
		{name: "surrounded", source: 3, target: 4, root: root(2), allowed: false},
		{name: "double vote", source: 2, target: 5, root: root(2), allowed: false},
		{name: "double vote other source", source: 3, target: 5, root: root(2), allowed: false},
		{name: "repeated", source: 2, target: 5, root: root(1), allowed: true},
		{name: "next", source: 5, target: 7, root: root(2), allowed: true},
		{name: "adjacent", source: 2, target: 6, root: root(2), allowed: true},
		{name: "equal epochs", source: 6, target: 6, root: root(2), allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp, _ := newTestProtector(t)
			ctx := t.Context()
			v := pubKey(7)

			ok, err := sp.MaySignAttestation(ctx, v, root(1), 2, 5, gvr)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = sp.MaySignAttestation(ctx, v, tt.root, tt.source, tt.target, gvr)
			require.NoError(t, err)
			require.Equal(t, tt.allowed, ok)
		})
	}
}

func TestMaySignAttestationNoHistory(t *testing.T) {
	sp, db := newTestProtector(t)
	ctx := t.Context()
	v := pubKey(1)

	for i := phase0.Epoch(0); i < 5; i++ {
		ok, err := sp.MaySignAttestation(ctx, pubKey(byte(10+i)), root(1), i, i+1+i, gvr)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := sp.MaySignAttestation(ctx, v, root(1), 2, 5, gvr)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = sp.MaySignAttestation(ctx, v, root(1), 2, 5, gvr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, attestations(t, db, sp, v), 1)
}

func TestMaySignAttestationInvalidOrdering(t *testing.T) {
	sp, db := newTestProtector(t)

	_, err := sp.MaySignAttestation(t.Context(), pubKey(1), root(1), 5, 4, gvr)
	require.ErrorIs(t, err, slashing.ErrInvalidEpochOrdering)
	require.Empty(t, attestations(t, db, sp, pubKey(1)))
}

func TestMaySignAttestationWatermarks(t *testing.T) {
	sp, _ := newTestProtector(t)
	ctx := t.Context()
	v := pubKey(1)

	require.NoError(t, sp.UpdateLowWatermark(ctx, v, nil, slashing.EpochPtr(10), slashing.EpochPtr(12)))

	ok, err := sp.MaySignAttestation(ctx, v, root(1), 9, 13, gvr)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = sp.MaySignAttestation(ctx, v, root(1), 10, 11, gvr)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = sp.MaySignAttestation(ctx, v, root(1), 10, 12, gvr)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, sp.UpdateHighWatermark(ctx, slashing.HighWatermark{Epoch: slashing.EpochPtr(20)}))
	ok, err = sp.MaySignAttestation(ctx, v, root(1), 12, 20, gvr)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = sp.MaySignAttestation(ctx, v, root(1), 12, 19, gvr)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUpdateHighWatermarkBelowLow(t *testing.T) {
	sp, _ := newTestProtector(t)
	ctx := t.Context()

	_, err := sp.MaySignBlock(ctx, pubKey(1), root(1), 1, gvr)
	require.NoError(t, err)
	require.NoError(t, sp.UpdateLowWatermark(ctx, pubKey(1), slashing.SlotPtr(100), slashing.EpochPtr(3), slashing.EpochPtr(4)))

	err = sp.UpdateHighWatermark(ctx, slashing.HighWatermark{Slot: slashing.SlotPtr(99)})
	require.ErrorIs(t, err, slashing.ErrHighWatermarkBelowLow)

	err = sp.UpdateHighWatermark(ctx, slashing.HighWatermark{Epoch: slashing.EpochPtr(3)})
	require.ErrorIs(t, err, slashing.ErrHighWatermarkBelowLow)

	require.NoError(t, sp.UpdateHighWatermark(ctx, slashing.HighWatermark{Slot: slashing.SlotPtr(100), Epoch: slashing.EpochPtr(4)}))
	hw, err := sp.HighWatermark(ctx)
	require.NoError(t, err)
	require.Equal(t, phase0.Slot(100), *hw.Slot)
	require.Equal(t, phase0.Epoch(4), *hw.Epoch)
}

func TestUpdateLowWatermarkValidation(t *testing.T) {
	sp, _ := newTestProtector(t)
	ctx := t.Context()

	require.Error(t, sp.UpdateLowWatermark(ctx, pubKey(1), nil, slashing.EpochPtr(1), nil))
	require.ErrorIs(t, sp.UpdateLowWatermark(ctx, pubKey(1), nil, slashing.EpochPtr(2), slashing.EpochPtr(1)), slashing.ErrInvalidEpochOrdering)

	// force-set may lower an existing watermark
	require.NoError(t, sp.UpdateLowWatermark(ctx, pubKey(1), slashing.SlotPtr(10), nil, nil))
	require.NoError(t, sp.UpdateLowWatermark(ctx, pubKey(1), slashing.SlotPtr(5), nil, nil))
	wm, err := sp.LowWatermark(ctx, pubKey(1))
	require.NoError(t, err)
	require.Equal(t, phase0.Slot(5), *wm.Slot)
}

func runConcurrentDecisions(t *testing.T, db slashingdb.Database) {
	const n = 32
	opts := txretry.DefaultOptions()
	instances := []*SlashingProtector{newProtector(t, db, opts), newProtector(t, db, opts)}
	ctx := t.Context()
	for _, sp := range instances {
		require.NoError(t, sp.verifyChainIdentity(ctx, gvr))
	}

	t.Run("first use of distinct validators", func(t *testing.T) {
		var wg sync.WaitGroup
		results := make([]bool, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := instances[i%2].MaySignBlock(ctx, pubKey(byte(0x40+i)), root(1), 100, gvr)
				assert.NoError(t, err)
				results[i] = ok
			}(i)
		}
		wg.Wait()

		for i, ok := range results {
			require.True(t, ok, "validator %d", i)
			require.Len(t, blocks(t, db, instances[i%2], pubKey(byte(0x40+i))), 1)
		}
	})

	t.Run("identical blocks", func(t *testing.T) {
		v := pubKey(0x10)
		var wg sync.WaitGroup
		results := make([]bool, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := instances[i%2].MaySignBlock(ctx, v, root(1), 100, gvr)
				assert.NoError(t, err)
				results[i] = ok
			}(i)
		}
		wg.Wait()

		for _, ok := range results {
			require.True(t, ok)
		}
		require.Len(t, blocks(t, db, instances[0], v), 1)
	})

	t.Run("conflicting blocks", func(t *testing.T) {
		v := pubKey(0x11)
		var wg sync.WaitGroup
		results := make([]bool, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := instances[i%2].MaySignBlock(ctx, v, root(byte(i+1)), 100, gvr)
				assert.NoError(t, err)
				results[i] = ok
			}(i)
		}
		wg.Wait()

		approved := 0
		for _, ok := range results {
			if ok {
				approved++
			}
		}
		require.Equal(t, 1, approved)
		require.Len(t, blocks(t, db, instances[0], v), 1)
	})

	t.Run("conflicting attestations", func(t *testing.T) {
		v := pubKey(0x12)
		var wg sync.WaitGroup
		results := make([]bool, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// every pair of these ranges is a double vote or a surround
				source := phase0.Epoch(n - i)
				target := phase0.Epoch(n + 1 + i)
				ok, err := instances[i%2].MaySignAttestation(ctx, v, root(byte(i+1)), source, target, gvr)
				assert.NoError(t, err)
				results[i] = ok
			}(i)
		}
		wg.Wait()

		approved := 0
		for _, ok := range results {
			if ok {
				approved++
			}
		}
		require.Equal(t, 1, approved)
		require.Len(t, attestations(t, db, instances[0], v), 1)
	})
}

func TestConcurrentDecisions(t *testing.T) {
	runConcurrentDecisions(t, dbtest.NewInMemory(t))
}

func TestConcurrentDecisionsPostgres(t *testing.T) {
	db, err := postgres.Open(t.Context(), logging.TestLogger(t), postgres.Options{
		DSN:          pgtest.NewDatabase(t),
		MaxOpenConns: 20,
		MaxIdleConns: 5,
		Migrate:      true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runConcurrentDecisions(t, db)
}
