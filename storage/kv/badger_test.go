package kv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/storage/basedb"
	"github.com/ssvlabs/slashing-protector/storage/basedb/basedbtest"
)

func TestBadgerContract(t *testing.T) {
	db, err := NewInMemory(logging.TestLogger(t), basedb.Options{})
	require.NoError(t, err)
	defer db.Close()

	basedbtest.Run(t, db)
}

func TestBadgerConflict(t *testing.T) {
	db, err := NewInMemory(logging.TestLogger(t), basedb.Options{})
	require.NoError(t, err)
	defer db.Close()

	prefix := []byte("c/")
	first := db.Begin()
	defer first.Discard()
	second := db.Begin()
	defer second.Discard()

	_, _, err = first.Get(prefix, []byte("k"))
	require.NoError(t, err)
	_, _, err = second.Get(prefix, []byte("k"))
	require.NoError(t, err)

	require.NoError(t, first.Set(prefix, []byte("k"), []byte("1")))
	require.NoError(t, second.Set(prefix, []byte("k"), []byte("2")))

	require.NoError(t, first.Commit())
	require.ErrorIs(t, second.Commit(), basedb.ErrConflict)
}
