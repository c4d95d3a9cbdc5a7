package kv

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/ssvlabs/slashing-protector/storage/basedb"
)

type badgerTxn struct {
	txn *badger.Txn
}

func newTxn(txn *badger.Txn) basedb.Txn {
	return &badgerTxn{txn: txn}
}

func (t *badgerTxn) Commit() error {
	err := t.txn.Commit()
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %w", basedb.ErrConflict, err)
	}
	return err
}

func (t *badgerTxn) Discard() {
	t.txn.Discard()
}

func (t *badgerTxn) Set(prefix []byte, key []byte, value []byte) error {
	return t.txn.Set(basedb.Join(prefix, key), value)
}

func (t *badgerTxn) Get(prefix []byte, key []byte) (basedb.Obj, bool, error) {
	item, err := t.txn.Get(basedb.Join(prefix, key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) { // in order to couple the not found errors together
			return basedb.Obj{}, false, nil
		}
		return basedb.Obj{}, true, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return basedb.Obj{}, true, err
	}
	return basedb.Obj{Key: key, Value: value}, true, nil
}

func (t *badgerTxn) GetAll(prefix []byte, handler func(int, basedb.Obj) error) error {
	i := 0
	return t.Range(prefix, nil, nil, false, func(obj basedb.Obj) (bool, error) {
		if err := handler(i, obj); err != nil {
			return false, err
		}
		i++
		return true, nil
	})
}

func (t *badgerTxn) Range(prefix, from, to []byte, reverse bool, fn func(basedb.Obj) (bool, error)) error {
	lower := basedb.Join(prefix, from)
	var upper []byte
	if to != nil {
		upper = basedb.Join(prefix, to)
	} else {
		upper = basedb.UpperBound(prefix)
	}

	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	it := t.txn.NewIterator(opts)
	defer it.Close()

	if reverse {
		if upper == nil {
			it.Rewind()
		} else {
			it.Seek(upper)
		}
	} else {
		it.Seek(lower)
	}

	for ; it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.Key()
		if upper != nil && bytes.Compare(k, upper) >= 0 {
			if !reverse {
				break
			}
			// reverse seek lands on the upper bound itself when it exists
			continue
		}
		if bytes.Compare(k, lower) < 0 {
			break
		}

		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		key := make([]byte, len(k)-len(prefix))
		copy(key, k[len(prefix):])

		cont, err := fn(basedb.Obj{Key: key, Value: value})
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (t *badgerTxn) Delete(prefix []byte, key []byte) error {
	return t.txn.Delete(basedb.Join(prefix, key))
}
