package basedb

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by Txn.Commit when a concurrent transaction
// committed a write to data this transaction read.
var ErrConflict = errors.New("transaction conflict")

// Options for creating all db type
type Options struct {
	Ctx        context.Context `yaml:"-"`
	Path       string          `yaml:"Path" env:"SP_KV_PATH" env-default:"./data/slashing-protection" env-description:"Embedded database storage directory path"`
	InMemory   bool            `yaml:"InMemory" env:"SP_KV_IN_MEMORY" env-default:"false" env-description:"Keep the embedded database in memory only"`
	SyncWrites bool            `yaml:"SyncWrites" env:"SP_KV_SYNC_WRITES" env-default:"true" env-description:"Fsync every commit of the embedded database"`
	GCInterval time.Duration   `yaml:"GCInterval" env:"SP_KV_GC_INTERVAL" env-default:"6m" env-description:"Interval between garbage collection runs (0 to disable)"`
}

// Reader is a read-only accessor to the database.
type Reader interface {
	Get(prefix []byte, key []byte) (Obj, bool, error)
	GetAll(prefix []byte, handler func(int, Obj) error) error
	// Range visits keys under prefix whose suffix is in [from, to), in key order
	// or reversed. Nil bounds are open. Returned keys have the prefix trimmed.
	// Iteration stops when fn returns false or an error.
	Range(prefix, from, to []byte, reverse bool, fn func(Obj) (bool, error)) error
}

// ReadWriter is a read-write accessor to the database.
type ReadWriter interface {
	Reader
	Set(prefix []byte, key []byte, value []byte) error
	Delete(prefix []byte, key []byte) error
}

// Txn is a read-write transaction.
type Txn interface {
	ReadWriter
	Commit() error
	Discard()
}

// Database interface for the embedded key-value engines.
type Database interface {
	Begin() Txn
	Update(fn func(Txn) error) error
	Close() error
}

// GarbageCollector is an interface implemented by storage engines which demand garbage collection.
type GarbageCollector interface {
	// QuickGC runs a short garbage collection cycle to reclaim some unused disk space.
	// Designed to be called periodically while the database is being used.
	QuickGC(context.Context) error

	// FullGC runs a long garbage collection cycle to reclaim (ideally) all unused disk space.
	// Designed to be called when the database is not being used.
	FullGC(context.Context) error
}

// Obj struct for getting key/value from storage
type Obj struct {
	Key   []byte
	Value []byte
}

// UpperBound returns the smallest key greater than every key starting with b,
// or nil when no such key exists.
func UpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Join concatenates key parts into a fresh slice.
func Join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
