package slashing

import (
	"fmt"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
)

var (
	ErrUnregisteredValidator   = errors.New("unregistered validator")
	ErrInvalidEpochOrdering    = errors.New("source epoch is greater than target epoch")
	ErrInvalidPruningConfig    = errors.New("epochs to keep and slots per epoch must be greater than zero")
	ErrHighWatermarkBelowLow   = errors.New("high watermark is below an existing low watermark")
	ErrNoGenesisValidatorsRoot = errors.New("no genesis validators root bound to the store")

	ErrInterchangeMalformed          = errors.New("malformed interchange document")
	ErrInterchangeUnsupportedVersion = errors.New("unsupported interchange format version")
)

// ChainIdentityMismatchError is returned when a request carries a genesis
// validators root that differs from the one bound to the store.
type ChainIdentityMismatchError struct {
	Expected phase0.Root
	Actual   phase0.Root
}

func (e *ChainIdentityMismatchError) Error() string {
	return fmt.Sprintf("genesis validators root mismatch: store has %#x, request has %#x", e.Expected[:], e.Actual[:])
}

// IsChainIdentityMismatch reports whether err is or wraps a ChainIdentityMismatchError.
func IsChainIdentityMismatch(err error) bool {
	var target *ChainIdentityMismatchError
	return errors.As(err, &target)
}
