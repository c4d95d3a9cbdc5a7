package slashing

import (
	"bytes"

	"github.com/attestantio/go-eth2-client/spec/phase0"
)

// Validator is a public key known to the store.
// IDs are assigned once and never reused for another key.
type Validator struct {
	ID        int64
	PublicKey phase0.BLSPubKey
	Enabled   bool
}

// SignedBlock is a block signing approval for a validator at a slot.
type SignedBlock struct {
	ValidatorID int64
	Slot        phase0.Slot
	SigningRoot *phase0.Root
}

// SignedAttestation is an attestation signing approval for a validator.
type SignedAttestation struct {
	ValidatorID int64
	SourceEpoch phase0.Epoch
	TargetEpoch phase0.Epoch
	SigningRoot *phase0.Root
}

// Surrounds reports whether a strictly surrounds the given epoch range.
func (a SignedAttestation) Surrounds(source, target phase0.Epoch) bool {
	return a.SourceEpoch < source && a.TargetEpoch > target
}

// SurroundedBy reports whether a is strictly surrounded by the given epoch range.
func (a SignedAttestation) SurroundedBy(source, target phase0.Epoch) bool {
	return a.SourceEpoch > source && a.TargetEpoch < target
}

// LowWatermark is the per-validator floor below which signing is refused.
// Any component may be unset; the epochs are always set together.
type LowWatermark struct {
	ValidatorID int64
	Slot        *phase0.Slot
	SourceEpoch *phase0.Epoch
	TargetEpoch *phase0.Epoch
}

// HasEpochs reports whether the attestation side of the watermark is set.
func (w *LowWatermark) HasEpochs() bool {
	return w != nil && w.SourceEpoch != nil && w.TargetEpoch != nil
}

// HasSlot reports whether the block side of the watermark is set.
func (w *LowWatermark) HasSlot() bool {
	return w != nil && w.Slot != nil
}

// HighWatermark is a global cap: nothing at or above it may be signed.
type HighWatermark struct {
	Slot  *phase0.Slot
	Epoch *phase0.Epoch
}

// IsEmpty reports whether no component of the high watermark is set.
func (h *HighWatermark) IsEmpty() bool {
	return h == nil || (h.Slot == nil && h.Epoch == nil)
}

// Highpoint holds the maximum slot and epochs recorded for a validator.
type Highpoint struct {
	ValidatorID    int64
	MaxSlot        *phase0.Slot
	MaxSourceEpoch *phase0.Epoch
	MaxTargetEpoch *phase0.Epoch
}

// SameRoot reports whether both roots are set and equal.
// A missing root never matches, so content equality cannot be assumed.
func SameRoot(a, b *phase0.Root) bool {
	if a == nil || b == nil {
		return false
	}
	return bytes.Equal(a[:], b[:])
}

// RootPtr returns a pointer to a copy of r.
func RootPtr(r phase0.Root) *phase0.Root {
	return &r
}

// SlotPtr returns a pointer to a copy of s.
func SlotPtr(s phase0.Slot) *phase0.Slot {
	return &s
}

// EpochPtr returns a pointer to a copy of e.
func EpochPtr(e phase0.Epoch) *phase0.Epoch {
	return &e
}
