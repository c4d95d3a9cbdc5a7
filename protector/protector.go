// Package protector decides whether a validator may sign a block or an
// attestation without risking a slashable offense, and records every
// approval it grants.
package protector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/logging/fields"
	"github.com/ssvlabs/slashing-protector/registry"
	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/txretry"
)

const (
	kindBlock       = "block"
	kindAttestation = "attestation"
)

type outcome string

const (
	outcomeAllowed       outcome = "allowed"
	outcomeRepeated      outcome = "repeated"
	outcomeDisabled      outcome = "disabled"
	outcomeLowWatermark  outcome = "below_low_watermark"
	outcomeHighWatermark outcome = "above_high_watermark"
	outcomeDoubleSign    outcome = "double_sign"
	outcomeSurrounding   outcome = "surrounding_vote"
	outcomeSurrounded    outcome = "surrounded_vote"
	outcomeEpochs        outcome = "invalid_epochs"
	outcomeUnknownRoot   outcome = "unknown_stored_root"
	outcomeError         outcome = "error"
)

func (o outcome) allowed() bool {
	return o == outcomeAllowed || o == outcomeRepeated
}

// SlashingProtector is safe for concurrent use.
type SlashingProtector struct {
	logger   *zap.Logger
	retryer  *txretry.Retryer
	registry *registry.Registry

	// gvr caches the chain identity once it is known to be bound; it never changes afterwards.
	gvr atomic.Pointer[phase0.Root]
}

func New(logger *zap.Logger, retryer *txretry.Retryer, registry *registry.Registry) *SlashingProtector {
	return &SlashingProtector{
		logger:   logger.Named(logging.NameSlashingProtector),
		retryer:  retryer,
		registry: registry,
	}
}

// MaySignBlock reports whether the validator may sign a block with the given
// signing root at slot, recording the approval when it may. A false result
// with a nil error is a rejection; an error means no decision could be made
// and signing must not happen either.
func (sp *SlashingProtector) MaySignBlock(
	ctx context.Context,
	pubKey phase0.BLSPubKey,
	signingRoot phase0.Root,
	slot phase0.Slot,
	gvr phase0.Root,
) (allowed bool, err error) {
	start := time.Now()
	logger := sp.logger.With(fields.PubKey(pubKey), fields.Slot(slot), fields.SigningRoot(signingRoot))

	result := outcomeError
	defer func() {
		recordDecision(ctx, kindBlock, result, start)
		logDecision(logger, result, start, err)
	}()

	id, err := sp.prepare(ctx, pubKey, gvr)
	if err != nil {
		return false, err
	}

	block := slashing.SignedBlock{ValidatorID: id, Slot: slot, SigningRoot: &signingRoot}
	result, err = txretry.Do(ctx, sp.retryer, slashingdb.Serializable, func(tx slashingdb.Tx) (outcome, error) {
		return decideBlock(tx, block)
	})
	if errors.Is(err, slashingdb.ErrUniqueViolation) {
		// Another request inserted the same slot after our lookup.
		result, err = txretry.Do(ctx, sp.retryer, slashingdb.Serializable, func(tx slashingdb.Tx) (outcome, error) {
			return requeryBlock(tx, block)
		})
	}
	if err != nil {
		result = outcomeError
		return false, err
	}
	return result.allowed(), nil
}

func decideBlock(tx slashingdb.Tx, block slashing.SignedBlock) (outcome, error) {
	if err := tx.LockValidator(block.ValidatorID, slashingdb.LockBlock); err != nil {
		return outcomeError, err
	}

	if o, err := checkEnabled(tx, block.ValidatorID); o != "" || err != nil {
		return o, err
	}

	hw, err := tx.HighWatermark()
	if err != nil {
		return outcomeError, err
	}
	if hw != nil && hw.Slot != nil && block.Slot >= *hw.Slot {
		return outcomeHighWatermark, nil
	}

	wm, err := tx.LowWatermark(block.ValidatorID)
	if err != nil {
		return outcomeError, err
	}
	if wm.HasSlot() && block.Slot < *wm.Slot {
		return outcomeLowWatermark, nil
	}

	existing, err := tx.FindBlock(block.ValidatorID, block.Slot)
	if err != nil {
		return outcomeError, err
	}
	if existing != nil {
		return compareBlock(existing, block), nil
	}

	if err := tx.InsertBlock(block); err != nil {
		return outcomeError, err
	}
	return outcomeAllowed, nil
}

func requeryBlock(tx slashingdb.Tx, block slashing.SignedBlock) (outcome, error) {
	existing, err := tx.FindBlock(block.ValidatorID, block.Slot)
	if err != nil {
		return outcomeError, err
	}
	if existing == nil {
		return outcomeError, fmt.Errorf("block for validator %d at slot %d vanished after a unique violation", block.ValidatorID, block.Slot)
	}
	return compareBlock(existing, block), nil
}

func compareBlock(existing *slashing.SignedBlock, block slashing.SignedBlock) outcome {
	switch {
	case existing.SigningRoot == nil:
		return outcomeUnknownRoot
	case slashing.SameRoot(existing.SigningRoot, block.SigningRoot):
		return outcomeRepeated
	default:
		return outcomeDoubleSign
	}
}

// MaySignAttestation reports whether the validator may sign an attestation
// with the given signing root and epochs, recording the approval when it may.
// A source epoch after the target epoch is a malformed request and returns
// slashing.ErrInvalidEpochOrdering.
func (sp *SlashingProtector) MaySignAttestation(
	ctx context.Context,
	pubKey phase0.BLSPubKey,
	signingRoot phase0.Root,
	source, target phase0.Epoch,
	gvr phase0.Root,
) (allowed bool, err error) {
	start := time.Now()
	logger := sp.logger.With(
		fields.PubKey(pubKey),
		fields.SourceEpoch(source),
		fields.TargetEpoch(target),
		fields.SigningRoot(signingRoot),
	)

	result := outcomeError
	defer func() {
		recordDecision(ctx, kindAttestation, result, start)
		logDecision(logger, result, start, err)
	}()

	id, err := sp.prepare(ctx, pubKey, gvr)
	if err != nil {
		return false, err
	}

	if source > target {
		return false, fmt.Errorf("%w: source %d, target %d", slashing.ErrInvalidEpochOrdering, source, target)
	}
	if source == target {
		result = outcomeEpochs
		return false, nil
	}

	att := slashing.SignedAttestation{ValidatorID: id, SourceEpoch: source, TargetEpoch: target, SigningRoot: &signingRoot}
	result, err = txretry.Do(ctx, sp.retryer, slashingdb.Serializable, func(tx slashingdb.Tx) (outcome, error) {
		return decideAttestation(tx, att)
	})
	if errors.Is(err, slashingdb.ErrUniqueViolation) {
		result, err = txretry.Do(ctx, sp.retryer, slashingdb.Serializable, func(tx slashingdb.Tx) (outcome, error) {
			return requeryAttestation(tx, att)
		})
	}
	if err != nil {
		result = outcomeError
		return false, err
	}
	return result.allowed(), nil
}

func decideAttestation(tx slashingdb.Tx, att slashing.SignedAttestation) (outcome, error) {
	if err := tx.LockValidator(att.ValidatorID, slashingdb.LockAttestation); err != nil {
		return outcomeError, err
	}

	if o, err := checkEnabled(tx, att.ValidatorID); o != "" || err != nil {
		return o, err
	}

	hw, err := tx.HighWatermark()
	if err != nil {
		return outcomeError, err
	}
	if hw != nil && hw.Epoch != nil && (att.SourceEpoch >= *hw.Epoch || att.TargetEpoch >= *hw.Epoch) {
		return outcomeHighWatermark, nil
	}

	wm, err := tx.LowWatermark(att.ValidatorID)
	if err != nil {
		return outcomeError, err
	}
	if wm.HasEpochs() && (att.SourceEpoch < *wm.SourceEpoch || att.TargetEpoch < *wm.TargetEpoch) {
		return outcomeLowWatermark, nil
	}

	sameTarget, err := tx.FindAttestationsForTarget(att.ValidatorID, att.TargetEpoch)
	if err != nil {
		return outcomeError, err
	}
	if len(sameTarget) > 0 {
		return compareAttestations(sameTarget, att), nil
	}

	surrounding, err := tx.FindSurroundingAttestation(att.ValidatorID, att.SourceEpoch, att.TargetEpoch)
	if err != nil {
		return outcomeError, err
	}
	if surrounding != nil {
		return outcomeSurrounding, nil
	}

	surrounded, err := tx.FindSurroundedAttestation(att.ValidatorID, att.SourceEpoch, att.TargetEpoch)
	if err != nil {
		return outcomeError, err
	}
	if surrounded != nil {
		return outcomeSurrounded, nil
	}

	if err := tx.InsertAttestation(att); err != nil {
		return outcomeError, err
	}
	return outcomeAllowed, nil
}

func requeryAttestation(tx slashingdb.Tx, att slashing.SignedAttestation) (outcome, error) {
	sameTarget, err := tx.FindAttestationsForTarget(att.ValidatorID, att.TargetEpoch)
	if err != nil {
		return outcomeError, err
	}
	if len(sameTarget) == 0 {
		return outcomeError, fmt.Errorf("attestation for validator %d at target %d vanished after a unique violation", att.ValidatorID, att.TargetEpoch)
	}
	return compareAttestations(sameTarget, att), nil
}

// compareAttestations resolves a request against the rows stored for its
// target epoch. Imported history may hold several rows for one target, so
// every row has to match.
func compareAttestations(stored []slashing.SignedAttestation, att slashing.SignedAttestation) outcome {
	for _, existing := range stored {
		if existing.SigningRoot == nil {
			return outcomeUnknownRoot
		}
		if !slashing.SameRoot(existing.SigningRoot, att.SigningRoot) {
			return outcomeDoubleSign
		}
	}
	return outcomeRepeated
}

func checkEnabled(tx slashingdb.Tx, validatorID int64) (outcome, error) {
	enabled, found, err := tx.IsEnabled(validatorID)
	if err != nil {
		return outcomeError, err
	}
	if !found || !enabled {
		return outcomeDisabled, nil
	}
	return "", nil
}

// prepare binds or checks the chain identity and returns the validator id,
// registering the key first when it is unknown.
func (sp *SlashingProtector) prepare(ctx context.Context, pubKey phase0.BLSPubKey, gvr phase0.Root) (int64, error) {
	if err := sp.verifyChainIdentity(ctx, gvr); err != nil {
		return 0, err
	}
	if err := sp.registry.RegisterValidators(ctx, []phase0.BLSPubKey{pubKey}); err != nil {
		return 0, err
	}
	return sp.registry.MustGetValidatorID(pubKey)
}

func (sp *SlashingProtector) verifyChainIdentity(ctx context.Context, gvr phase0.Root) error {
	if bound := sp.gvr.Load(); bound != nil {
		return matchChainIdentity(*bound, gvr)
	}

	bind := func(tx slashingdb.Tx) (*phase0.Root, error) {
		stored, err := tx.GenesisValidatorsRoot()
		if err != nil || stored != nil {
			return stored, err
		}
		if err := tx.InsertGenesisValidatorsRoot(gvr); err != nil {
			return nil, err
		}
		return &gvr, nil
	}

	bound, err := txretry.Do(ctx, sp.retryer, slashingdb.Serializable, bind)
	if errors.Is(err, slashingdb.ErrUniqueViolation) {
		// Lost the race to bind; the winner's row is committed now.
		bound, err = txretry.Do(ctx, sp.retryer, slashingdb.Serializable, bind)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve genesis validators root: %w", err)
	}

	sp.gvr.Store(bound)
	if slashing.SameRoot(bound, &gvr) {
		sp.logger.Info("genesis validators root verified", fields.GenesisValidatorsRoot(gvr))
	}
	return matchChainIdentity(*bound, gvr)
}

func matchChainIdentity(bound, requested phase0.Root) error {
	if bound != requested {
		return &slashing.ChainIdentityMismatchError{Expected: bound, Actual: requested}
	}
	return nil
}

func logDecision(logger *zap.Logger, result outcome, start time.Time, err error) {
	switch {
	case err != nil:
		logger.Error("signing decision failed", fields.Duration(start), zap.Error(err))
	case result.allowed():
		logger.Debug("signing allowed", fields.Outcome(string(result)), fields.Duration(start))
	default:
		logger.Warn("signing rejected", fields.Outcome(string(result)), fields.Duration(start))
	}
}
