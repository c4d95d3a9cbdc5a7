package pebble

import (
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/ssvlabs/slashing-protector/storage/basedb"
)

type pebbleTxn struct {
	batch *pebble.Batch
	db    *DB

	once sync.Once
}

func newTxn(db *DB, batch *pebble.Batch) basedb.Txn {
	return &pebbleTxn{
		batch: batch,
		db:    db,
	}
}

func (t *pebbleTxn) Commit() error {
	if t.batch == nil {
		return errors.New("transaction already finished")
	}
	err := t.batch.Commit(t.db.writeOptions())
	t.release()
	return err
}

func (t *pebbleTxn) Discard() {
	t.release()
}

func (t *pebbleTxn) release() {
	t.once.Do(func() {
		_ = t.batch.Close()
		t.batch = nil
		t.db.writeMu.Unlock()
	})
}

func (t *pebbleTxn) Set(prefix []byte, key []byte, value []byte) error {
	return t.batch.Set(basedb.Join(prefix, key), value, nil)
}

func (t *pebbleTxn) Get(prefix []byte, key []byte) (basedb.Obj, bool, error) {
	value, closer, err := t.batch.Get(basedb.Join(prefix, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return basedb.Obj{}, false, nil
		}
		return basedb.Obj{}, true, err
	}

	valCopy := make([]byte, len(value))
	copy(valCopy, value)
	if err := closer.Close(); err != nil {
		return basedb.Obj{}, true, err
	}
	return basedb.Obj{
		Key:   key,
		Value: valCopy,
	}, true, nil
}

func (t *pebbleTxn) GetAll(prefix []byte, fn func(int, basedb.Obj) error) error {
	i := 0
	return t.Range(prefix, nil, nil, false, func(obj basedb.Obj) (bool, error) {
		if err := fn(i, obj); err != nil {
			return false, err
		}
		i++
		return true, nil
	})
}

func (t *pebbleTxn) Range(prefix, from, to []byte, reverse bool, fn func(basedb.Obj) (bool, error)) error {
	upper := basedb.UpperBound(prefix)
	if to != nil {
		upper = basedb.Join(prefix, to)
	}
	iter, err := makeRangeIter(t.batch, basedb.Join(prefix, from), upper)
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }() // returns the same 'accumulated' error as iter.Error()

	valid, step := iter.First, iter.Next
	if reverse {
		valid, step = iter.Last, iter.Prev
	}
	for ok := valid(); ok; ok = step() {
		v, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		key := make([]byte, len(iter.Key())-len(prefix))
		copy(key, iter.Key()[len(prefix):])

		val := make([]byte, len(v))
		copy(val, v)

		cont, err := fn(basedb.Obj{Key: key, Value: val})
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}

	return iter.Error()
}

func (t *pebbleTxn) Delete(prefix []byte, key []byte) error {
	return t.batch.Delete(basedb.Join(prefix, key), nil)
}
