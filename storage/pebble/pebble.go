package pebble

import (
	"context"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/storage/basedb"
)

var (
	_ basedb.Database         = &DB{}
	_ basedb.GarbageCollector = &DB{}
)

// DB is a basedb.Database backed by Pebble. Pebble has no optimistic
// transactions, so read-write transactions are serialized in-process.
type DB struct {
	*pebble.DB
	logger *zap.Logger
	sync   bool

	writeMu sync.Mutex
}

// New opens (or creates) a pebble database at options.Path.
func New(logger *zap.Logger, options basedb.Options) (*DB, error) {
	opts := &pebble.Options{}
	path := options.Path
	if options.InMemory {
		opts.FS = vfs.NewMem()
		if path == "" {
			path = "slashing-protection"
		}
	}
	pdb, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open pebble")
	}

	db := &DB{
		DB:     pdb,
		logger: logger.Named(logging.NamePebbleDB),
		sync:   options.SyncWrites,
	}
	db.logger.Info("pebble db initialized", zap.Bool("in_memory", options.InMemory), zap.String("path", options.Path))
	return db, nil
}

// NewInMemory creates an in-memory DB instance.
func NewInMemory(logger *zap.Logger) (*DB, error) {
	return New(logger, basedb.Options{InMemory: true})
}

func (pdb *DB) Close() error {
	return pdb.DB.Close()
}

// Begin starts a read-write transaction. It blocks until every other
// transaction of this DB has committed or been discarded.
func (pdb *DB) Begin() basedb.Txn {
	pdb.writeMu.Lock()
	return newTxn(pdb, pdb.NewIndexedBatch())
}

func (pdb *DB) Update(fn func(basedb.Txn) error) error {
	txn := pdb.Begin()
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

func (pdb *DB) writeOptions() *pebble.WriteOptions {
	if pdb.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func makeRangeIter(reader pebble.Reader, lower, upper []byte) (*pebble.Iterator, error) {
	return reader.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
}

func (pdb *DB) QuickGC(context.Context) error {
	return nil // pebble db does not require periodic gc
}

func (pdb *DB) FullGC(context.Context) error {
	iter, err := pdb.NewIter(nil)
	if err != nil {
		return err
	}

	var first, last []byte
	if iter.First() {
		first = append(first, iter.Key()...)
	}
	if iter.Last() {
		last = append(last, iter.Key()...)
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if first == nil {
		return nil
	}

	return pdb.Compact(first, basedb.UpperBound(last), true)
}
