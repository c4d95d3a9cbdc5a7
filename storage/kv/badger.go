package kv

import (
	"context"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/storage/basedb"
)

var (
	_ basedb.Database         = &BadgerDB{}
	_ basedb.GarbageCollector = &BadgerDB{}
)

// BadgerDB is a basedb.Database backed by BadgerDB with serializable
// snapshot isolation.
type BadgerDB struct {
	logger *zap.Logger
	db     *badger.DB

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	gcMutex  sync.Mutex
	inMemory bool
}

// New opens (or creates) a badger database at options.Path.
func New(logger *zap.Logger, options basedb.Options) (*BadgerDB, error) {
	return createDB(logger, options, options.InMemory)
}

// NewInMemory creates an in-memory DB instance.
func NewInMemory(logger *zap.Logger, options basedb.Options) (*BadgerDB, error) {
	return createDB(logger, options, true)
}

func createDB(logger *zap.Logger, options basedb.Options, inMemory bool) (*BadgerDB, error) {
	var opt badger.Options
	if inMemory {
		opt = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opt = badger.DefaultOptions(options.Path)
	}
	opt.Logger = newLogger(logger)
	opt.SyncWrites = options.SyncWrites
	opt.NumVersionsToKeep = 1

	db, err := badger.Open(opt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger")
	}

	parent := options.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	b := &BadgerDB{
		logger:   logger.Named(logging.NameBadgerDB),
		db:       db,
		ctx:      ctx,
		cancel:   cancel,
		inMemory: inMemory,
	}

	if options.GCInterval > 0 && !inMemory {
		b.wg.Add(1)
		go b.periodicallyCollectGarbage(options.GCInterval)
	}

	b.logger.Info("badger db initialized", zap.Bool("in_memory", inMemory), zap.String("path", options.Path))
	return b, nil
}

// Begin starts a read-write transaction.
func (b *BadgerDB) Begin() basedb.Txn {
	return newTxn(b.db.NewTransaction(true))
}

// Update runs fn inside a read-write transaction and commits it.
// A commit that loses a conflict returns basedb.ErrConflict.
func (b *BadgerDB) Update(fn func(basedb.Txn) error) error {
	txn := b.Begin()
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// Close stops background routines and closes the database.
func (b *BadgerDB) Close() error {
	b.cancel()
	b.wg.Wait()

	if err := b.db.Close(); err != nil {
		b.logger.Error("failed to close badger db", zap.Error(err))
		return err
	}
	return nil
}
