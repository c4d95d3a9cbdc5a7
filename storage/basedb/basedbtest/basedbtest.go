// Package basedbtest checks the ordered access contract of basedb.Database
// implementations.
package basedbtest

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/slashing-protector/storage/basedb"
)

var errRollback = errors.New("rollback")

func key(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func collect(t *testing.T, txn basedb.Txn, prefix, from, to []byte, reverse bool) []uint64 {
	t.Helper()
	var out []uint64
	err := txn.Range(prefix, from, to, reverse, func(obj basedb.Obj) (bool, error) {
		out = append(out, binary.BigEndian.Uint64(obj.Key))
		return true, nil
	})
	require.NoError(t, err)
	return out
}

// Run exercises Get, Set, Delete, GetAll and Range on db.
func Run(t *testing.T, db basedb.Database) {
	prefix := []byte("range/")
	neighbour := []byte("rangf/")

	require.NoError(t, db.Update(func(txn basedb.Txn) error {
		for _, v := range []uint64{1, 3, 5, 7, 9} {
			if err := txn.Set(prefix, key(v), key(v*10)); err != nil {
				return err
			}
		}
		return txn.Set(neighbour, key(2), nil)
	}))

	t.Run("get", func(t *testing.T) {
		require.NoError(t, db.Update(func(txn basedb.Txn) error {
			obj, found, err := txn.Get(prefix, key(3))
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, key(30), obj.Value)

			_, found, err = txn.Get(prefix, key(4))
			require.NoError(t, err)
			require.False(t, found)
			return nil
		}))
	})

	t.Run("range", func(t *testing.T) {
		require.NoError(t, db.Update(func(txn basedb.Txn) error {
			require.Equal(t, []uint64{1, 3, 5, 7, 9}, collect(t, txn, prefix, nil, nil, false))
			require.Equal(t, []uint64{9, 7, 5, 3, 1}, collect(t, txn, prefix, nil, nil, true))
			require.Equal(t, []uint64{3, 5}, collect(t, txn, prefix, key(3), key(7), false))
			require.Equal(t, []uint64{5, 3}, collect(t, txn, prefix, key(3), key(7), true))
			require.Equal(t, []uint64{5, 7, 9}, collect(t, txn, prefix, key(4), nil, false))
			require.Empty(t, collect(t, txn, prefix, key(10), nil, false))
			return nil
		}))
	})

	t.Run("range stops early", func(t *testing.T) {
		require.NoError(t, db.Update(func(txn basedb.Txn) error {
			var seen []uint64
			err := txn.Range(prefix, key(2), nil, false, func(obj basedb.Obj) (bool, error) {
				seen = append(seen, binary.BigEndian.Uint64(obj.Key))
				return false, nil
			})
			require.NoError(t, err)
			require.Equal(t, []uint64{3}, seen)
			return nil
		}))
	})

	t.Run("get all", func(t *testing.T) {
		require.NoError(t, db.Update(func(txn basedb.Txn) error {
			count := 0
			err := txn.GetAll(prefix, func(i int, obj basedb.Obj) error {
				require.Equal(t, count, i)
				count++
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, 5, count)
			return nil
		}))
	})

	t.Run("delete and read own writes", func(t *testing.T) {
		require.NoError(t, db.Update(func(txn basedb.Txn) error {
			require.NoError(t, txn.Delete(prefix, key(5)))
			require.NoError(t, txn.Set(prefix, key(6), nil))
			require.Equal(t, []uint64{1, 3, 6, 7, 9}, collect(t, txn, prefix, nil, nil, false))
			return nil
		}))
	})

	t.Run("rollback on error", func(t *testing.T) {
		err := db.Update(func(txn basedb.Txn) error {
			require.NoError(t, txn.Set(prefix, key(100), nil))
			return errRollback
		})
		require.ErrorIs(t, err, errRollback)

		require.NoError(t, db.Update(func(txn basedb.Txn) error {
			_, found, err := txn.Get(prefix, key(100))
			require.NoError(t, err)
			require.False(t, found)
			return nil
		}))
	})
}
