package validators

import (
	"errors"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/registry"
	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/slashingdb/dbtest"
	"github.com/ssvlabs/slashing-protector/txretry"
)

type testEnv struct {
	db       slashingdb.Database
	registry *registry.Registry
	storage  *MockKeyStorage
	manager  *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	ctrl := gomock.NewController(t)
	logger := logging.TestLogger(t)
	db := dbtest.NewInMemory(t)
	retryer := txretry.New(logger, db, txretry.DefaultOptions())
	reg := registry.New(logger, retryer)
	storage := NewMockKeyStorage(ctrl)

	return &testEnv{
		db:       db,
		registry: reg,
		storage:  storage,
		manager:  NewManager(logger, retryer, reg, storage),
	}
}

func (e *testEnv) validator(t *testing.T, key phase0.BLSPubKey) *slashing.Validator {
	t.Helper()
	var found []slashing.Validator
	require.NoError(t, e.db.Update(t.Context(), slashingdb.ReadCommitted, func(tx slashingdb.Tx) (err error) {
		found, err = tx.FindValidators([]phase0.BLSPubKey{key})
		return err
	}))
	if len(found) == 0 {
		return nil
	}
	return &found[0]
}

func TestAddValidator(t *testing.T) {
	env := newTestEnv(t)
	key := dbtest.RandomKey()

	env.storage.EXPECT().AddKey(gomock.Any(), key, "keystore.json", "password.txt").Return(nil)
	require.NoError(t, env.manager.AddValidator(t.Context(), key, "keystore.json", "password.txt"))

	v := env.validator(t, key)
	require.NotNil(t, v)
	require.True(t, v.Enabled)

	id, err := env.registry.MustGetValidatorID(key)
	require.NoError(t, err)
	require.Equal(t, v.ID, id)
}

func TestAddValidatorStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	key := dbtest.RandomKey()

	env.storage.EXPECT().AddKey(gomock.Any(), key, gomock.Any(), gomock.Any()).Return(errors.New("disk full"))
	err := env.manager.AddValidator(t.Context(), key, "keystore.json", "password.txt")
	require.ErrorIs(t, err, ErrKeyStorage)
	require.ErrorContains(t, err, "disk full")

	require.Nil(t, env.validator(t, key))
	_, err = env.registry.MustGetValidatorID(key)
	require.ErrorIs(t, err, slashing.ErrUnregisteredValidator)
}

func TestAddValidatorStorageFailureKeepsDisabled(t *testing.T) {
	env := newTestEnv(t)
	key := dbtest.RandomKey()
	dbtest.Register(t, env.db, key)
	require.NoError(t, env.db.Update(t.Context(), slashingdb.ReadCommitted, func(tx slashingdb.Tx) error {
		return tx.SetEnabled([]phase0.BLSPubKey{key}, false)
	}))

	env.storage.EXPECT().AddKey(gomock.Any(), key, gomock.Any(), gomock.Any()).Return(errors.New("denied"))
	require.ErrorIs(t, env.manager.AddValidator(t.Context(), key, "a", "b"), ErrKeyStorage)

	v := env.validator(t, key)
	require.NotNil(t, v)
	require.False(t, v.Enabled)
}

func TestDeleteValidator(t *testing.T) {
	env := newTestEnv(t)
	key := dbtest.RandomKey()

	env.storage.EXPECT().AddKey(gomock.Any(), key, gomock.Any(), gomock.Any()).Return(nil)
	require.NoError(t, env.manager.AddValidator(t.Context(), key, "a", "b"))

	env.storage.EXPECT().DeleteKey(gomock.Any(), key).Return(nil)
	require.NoError(t, env.manager.DeleteValidator(t.Context(), key))

	v := env.validator(t, key)
	require.NotNil(t, v, "validators are kept after deletion")
	require.False(t, v.Enabled)
}

func TestDeleteValidatorStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	key := dbtest.RandomKey()

	env.storage.EXPECT().AddKey(gomock.Any(), key, gomock.Any(), gomock.Any()).Return(nil)
	require.NoError(t, env.manager.AddValidator(t.Context(), key, "a", "b"))

	env.storage.EXPECT().DeleteKey(gomock.Any(), key).Return(errors.New("remote down"))
	require.ErrorIs(t, env.manager.DeleteValidator(t.Context(), key), ErrKeyStorage)

	v := env.validator(t, key)
	require.NotNil(t, v)
	require.True(t, v.Enabled)
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	a, b := dbtest.RandomKey(), dbtest.RandomKey()

	env.storage.EXPECT().AddKey(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)
	require.NoError(t, env.manager.AddValidator(t.Context(), a, "a", "a"))
	require.NoError(t, env.manager.AddValidator(t.Context(), b, "b", "b"))

	list, err := env.manager.List(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 2)

	keys := []phase0.BLSPubKey{list[0].PublicKey, list[1].PublicKey}
	require.ElementsMatch(t, []phase0.BLSPubKey{a, b}, keys)
}
