package protector

import (
	"context"
	"fmt"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging/fields"
	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/txretry"
)

// UpdateLowWatermark force-sets the validator's low watermark without
// consulting its history. Nil components are cleared. The epochs must be
// given together.
func (sp *SlashingProtector) UpdateLowWatermark(
	ctx context.Context,
	pubKey phase0.BLSPubKey,
	slot *phase0.Slot,
	source, target *phase0.Epoch,
) error {
	if (source == nil) != (target == nil) {
		return fmt.Errorf("source and target epochs must be set together")
	}
	if source != nil && *source > *target {
		return fmt.Errorf("%w: source %d, target %d", slashing.ErrInvalidEpochOrdering, *source, *target)
	}

	if err := sp.registry.RegisterValidators(ctx, []phase0.BLSPubKey{pubKey}); err != nil {
		return err
	}
	id, err := sp.registry.MustGetValidatorID(pubKey)
	if err != nil {
		return err
	}

	wm := slashing.LowWatermark{ValidatorID: id, Slot: slot, SourceEpoch: source, TargetEpoch: target}
	err = sp.retryer.WithTransaction(ctx, slashingdb.Serializable, func(tx slashingdb.Tx) error {
		if err := tx.LockValidator(id, slashingdb.LockBlock); err != nil {
			return err
		}
		if err := tx.LockValidator(id, slashingdb.LockAttestation); err != nil {
			return err
		}
		return tx.SetLowWatermark(wm)
	})
	if err != nil {
		return fmt.Errorf("failed to update low watermark: %w", err)
	}

	logFields := []zap.Field{fields.PubKey(pubKey), fields.ValidatorID(id)}
	if slot != nil {
		logFields = append(logFields, fields.WatermarkSlot(*slot))
	}
	if source != nil {
		logFields = append(logFields, fields.WatermarkEpochs(*source, *target)...)
	}
	sp.logger.Info("low watermark force-set", logFields...)
	return nil
}

// LowWatermark returns the validator's low watermark, or nil when it has none.
func (sp *SlashingProtector) LowWatermark(ctx context.Context, pubKey phase0.BLSPubKey) (*slashing.LowWatermark, error) {
	return txretry.Do(ctx, sp.retryer, slashingdb.ReadCommitted, func(tx slashingdb.Tx) (*slashing.LowWatermark, error) {
		vs, err := tx.FindValidators([]phase0.BLSPubKey{pubKey})
		if err != nil || len(vs) == 0 {
			return nil, err
		}
		return tx.LowWatermark(vs[0].ID)
	})
}

// HighWatermark returns the global high watermark, or nil when it is unset.
func (sp *SlashingProtector) HighWatermark(ctx context.Context) (*slashing.HighWatermark, error) {
	return txretry.Do(ctx, sp.retryer, slashingdb.ReadCommitted, func(tx slashingdb.Tx) (*slashing.HighWatermark, error) {
		return tx.HighWatermark()
	})
}

// UpdateHighWatermark sets the global cap on signing. A cap below an existing
// low watermark is refused with slashing.ErrHighWatermarkBelowLow.
func (sp *SlashingProtector) UpdateHighWatermark(ctx context.Context, hw slashing.HighWatermark) error {
	if hw.IsEmpty() {
		return fmt.Errorf("high watermark needs a slot or an epoch")
	}

	err := sp.retryer.WithTransaction(ctx, slashingdb.Serializable, func(tx slashingdb.Tx) error {
		lows, err := tx.ListLowWatermarks()
		if err != nil {
			return err
		}
		for _, low := range lows {
			if hw.Slot != nil && low.HasSlot() && *hw.Slot < *low.Slot {
				return fmt.Errorf("%w: slot %d, validator %d has %d", slashing.ErrHighWatermarkBelowLow, *hw.Slot, low.ValidatorID, *low.Slot)
			}
			if hw.Epoch != nil && low.HasEpochs() && (*hw.Epoch < *low.SourceEpoch || *hw.Epoch < *low.TargetEpoch) {
				return fmt.Errorf("%w: epoch %d, validator %d has target %d", slashing.ErrHighWatermarkBelowLow, *hw.Epoch, low.ValidatorID, *low.TargetEpoch)
			}
		}
		return tx.UpdateHighWatermark(hw)
	})
	if err != nil {
		return fmt.Errorf("failed to update high watermark: %w", err)
	}

	logFields := make([]zap.Field, 0, 2)
	if hw.Slot != nil {
		logFields = append(logFields, fields.Slot(*hw.Slot))
	}
	if hw.Epoch != nil {
		logFields = append(logFields, zap.Uint64("epoch", uint64(*hw.Epoch)))
	}
	sp.logger.Info("high watermark updated", logFields...)
	return nil
}

// DeleteHighWatermark removes the global cap.
func (sp *SlashingProtector) DeleteHighWatermark(ctx context.Context) error {
	err := sp.retryer.WithTransaction(ctx, slashingdb.Serializable, func(tx slashingdb.Tx) error {
		return tx.DeleteHighWatermark()
	})
	if err != nil {
		return fmt.Errorf("failed to delete high watermark: %w", err)
	}
	sp.logger.Info("high watermark deleted")
	return nil
}

// IsEnabled reports whether the key is registered and enabled.
func (sp *SlashingProtector) IsEnabled(ctx context.Context, pubKey phase0.BLSPubKey) (bool, error) {
	return txretry.Do(ctx, sp.retryer, slashingdb.ReadCommitted, func(tx slashingdb.Tx) (bool, error) {
		vs, err := tx.FindValidators([]phase0.BLSPubKey{pubKey})
		if err != nil || len(vs) == 0 {
			return false, err
		}
		return vs[0].Enabled, nil
	})
}
