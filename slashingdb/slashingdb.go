// Package slashingdb defines the persisted data model of slashing protection
// and the transactional access to it shared by every storage backend.
package slashingdb

import (
	"context"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"

	"github.com/ssvlabs/slashing-protector/slashing"
)

var (
	// ErrTransient marks failures that are safe to replay: serialization
	// failures, deadlocks and optimistic commit conflicts.
	ErrTransient = errors.New("transient database failure")
	// ErrUniqueViolation marks an insert that hit a uniqueness constraint.
	ErrUniqueViolation = errors.New("unique constraint violation")
)

// Isolation is the transaction isolation level requested by a unit of work.
type Isolation int

const (
	Serializable Isolation = iota
	RepeatableRead
	ReadCommitted
	ReadUncommitted
)

func (i Isolation) String() string {
	switch i {
	case Serializable:
		return "serializable"
	case RepeatableRead:
		return "repeatable_read"
	case ReadCommitted:
		return "read_committed"
	case ReadUncommitted:
		return "read_uncommitted"
	default:
		return "unknown"
	}
}

// LockType selects which per-validator lock a transaction takes.
type LockType int

const (
	LockBlock LockType = iota + 1
	LockAttestation
)

// Database runs units of work in transactions.
type Database interface {
	// Update runs fn in a single transaction at the given isolation level.
	// The transaction commits when fn returns nil and rolls back otherwise.
	Update(ctx context.Context, isolation Isolation, fn func(Tx) error) error
	Close() error
}

// Tx is the data access available inside a transaction.
type Tx interface {
	Validators
	Metadata
	Blocks
	Attestations
	Watermarks
	Locker
}

// Validators accesses the validators table.
type Validators interface {
	// RegisterValidators inserts the keys not yet known and returns a
	// validator for every key, old and new.
	RegisterValidators(keys []phase0.BLSPubKey) ([]slashing.Validator, error)
	FindValidators(keys []phase0.BLSPubKey) ([]slashing.Validator, error)
	ListValidators() ([]slashing.Validator, error)
	SetEnabled(keys []phase0.BLSPubKey, enabled bool) error
	IsEnabled(validatorID int64) (enabled bool, found bool, err error)
}

// Metadata accesses the single metadata row.
type Metadata interface {
	GenesisValidatorsRoot() (*phase0.Root, error)
	// InsertGenesisValidatorsRoot returns ErrUniqueViolation when a root is already bound.
	InsertGenesisValidatorsRoot(root phase0.Root) error
	HighWatermark() (*slashing.HighWatermark, error)
	UpdateHighWatermark(hw slashing.HighWatermark) error
	DeleteHighWatermark() error
}

// Blocks accesses the signed_blocks table.
type Blocks interface {
	FindBlock(validatorID int64, slot phase0.Slot) (*slashing.SignedBlock, error)
	// InsertBlock returns ErrUniqueViolation when a row exists for the slot.
	InsertBlock(block slashing.SignedBlock) error
	NearestBlockAtOrAbove(validatorID int64, slot phase0.Slot) (*slashing.SignedBlock, error)
	DeleteBlocksBelow(validatorID int64, slot phase0.Slot) (int64, error)
	ListBlocks(validatorID int64, from *phase0.Slot) ([]slashing.SignedBlock, error)
}

// Attestations accesses the signed_attestations table.
type Attestations interface {
	FindAttestationsForTarget(validatorID int64, target phase0.Epoch) ([]slashing.SignedAttestation, error)
	// FindSurroundingAttestation returns a row with source < source and target > target.
	FindSurroundingAttestation(validatorID int64, source, target phase0.Epoch) (*slashing.SignedAttestation, error)
	// FindSurroundedAttestation returns a row with source > source and target < target.
	FindSurroundedAttestation(validatorID int64, source, target phase0.Epoch) (*slashing.SignedAttestation, error)
	// InsertAttestation returns ErrUniqueViolation when an identical row exists.
	InsertAttestation(att slashing.SignedAttestation) error
	NearestAttestationAtOrAbove(validatorID int64, target phase0.Epoch) (*slashing.SignedAttestation, error)
	DeleteAttestationsBelow(validatorID int64, target phase0.Epoch) (int64, error)
	ListAttestations(validatorID int64, fromSource, fromTarget *phase0.Epoch) ([]slashing.SignedAttestation, error)
}

// Watermarks accesses the low_watermarks table and the derived highpoints.
type Watermarks interface {
	LowWatermark(validatorID int64) (*slashing.LowWatermark, error)
	UpdateSlotWatermark(validatorID int64, slot phase0.Slot) error
	UpdateEpochWatermark(validatorID int64, source, target phase0.Epoch) error
	// SetLowWatermark overwrites every component of the watermark.
	SetLowWatermark(wm slashing.LowWatermark) error
	ListLowWatermarks() ([]slashing.LowWatermark, error)
	Highpoint(validatorID int64) (*slashing.Highpoint, error)
}

// Locker takes per-validator locks held until the transaction ends.
type Locker interface {
	LockValidator(validatorID int64, lockType LockType) error
}

// IsTransient reports whether err may succeed when the transaction is replayed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsUniqueViolation reports whether err is a uniqueness constraint violation.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation)
}

// MarkTransient wraps err so IsTransient recognizes it, keeping err in the chain.
func MarkTransient(err error) error {
	return &markedError{err: err, mark: ErrTransient}
}

// MarkUniqueViolation wraps err so IsUniqueViolation recognizes it.
func MarkUniqueViolation(err error) error {
	return &markedError{err: err, mark: ErrUniqueViolation}
}

type markedError struct {
	err  error
	mark error
}

func (e *markedError) Error() string {
	return e.mark.Error() + ": " + e.err.Error()
}

func (e *markedError) Unwrap() []error {
	return []error{e.mark, e.err}
}
