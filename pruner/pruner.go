// Package pruner deletes signing history that can no longer be needed to
// protect a validator, raising the low watermarks before removing rows so
// every deleted row stays covered by a watermark.
package pruner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/logging/fields"
	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/txretry"
)

type Options struct {
	Enabled       bool          `yaml:"Enabled" env:"SP_PRUNING_ENABLED" env-default:"false" env-description:"Whether the pruner runs while the service is started"`
	EpochsToKeep  uint64        `yaml:"EpochsToKeep" env:"SP_PRUNING_EPOCHS_TO_KEEP" env-default:"10000" env-description:"Number of epochs of history kept per validator"`
	SlotsPerEpoch uint64        `yaml:"SlotsPerEpoch" env:"SP_PRUNING_SLOTS_PER_EPOCH" env-default:"32" env-description:"Slots per epoch of the network"`
	Interval      time.Duration `yaml:"Interval" env:"SP_PRUNING_INTERVAL" env-default:"24h" env-description:"Time between pruning passes"`
	Concurrency   int           `yaml:"Concurrency" env:"SP_PRUNING_CONCURRENCY" env-default:"4" env-description:"Validators pruned in parallel"`
}

func (o Options) Validate() error {
	if o.EpochsToKeep == 0 || o.SlotsPerEpoch == 0 {
		return slashing.ErrInvalidPruningConfig
	}
	return nil
}

// Summary reports what a pruning pass removed.
type Summary struct {
	Validators          int
	BlocksDeleted       int64
	AttestationsDeleted int64
}

type Pruner struct {
	logger  *zap.Logger
	retryer *txretry.Retryer
	opts    Options
}

// New returns a pruner working through retryer, which should run over a
// database handle separate from the one serving signing decisions.
func New(logger *zap.Logger, retryer *txretry.Retryer, opts Options) (*Pruner, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Pruner{
		logger:  logger.Named(logging.NamePruner),
		retryer: retryer,
		opts:    opts,
	}, nil
}

func (p *Pruner) slotsToKeep() uint64 {
	return p.opts.EpochsToKeep * p.opts.SlotsPerEpoch
}

// Start runs a pruning pass every interval until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	p.logger.Info("starting pruner",
		zap.Uint64("epochs_to_keep", p.opts.EpochsToKeep),
		zap.Duration("interval", p.opts.Interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.Interval):
			if _, err := p.Prune(ctx); err != nil {
				p.logger.Error("pruning pass failed", zap.Error(err))
			}
		}
	}
}

// Prune runs a single pass over every validator with recorded history.
// Errors of one validator do not stop the others.
func (p *Pruner) Prune(ctx context.Context) (Summary, error) {
	start := time.Now()

	highpoints, err := txretry.Do(ctx, p.retryer, slashingdb.ReadUncommitted, func(tx slashingdb.Tx) ([]slashing.Highpoint, error) {
		validators, err := tx.ListValidators()
		if err != nil {
			return nil, err
		}
		var highpoints []slashing.Highpoint
		for _, v := range validators {
			hp, err := tx.Highpoint(v.ID)
			if err != nil {
				return nil, err
			}
			if hp == nil || (hp.MaxSlot == nil && hp.MaxTargetEpoch == nil) {
				continue
			}
			highpoints = append(highpoints, *hp)
		}
		return highpoints, nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list highpoints: %w", err)
	}

	var blocks, attestations atomic.Int64
	workers := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(p.opts.Concurrency)
	for _, hp := range highpoints {
		workers.Go(func(ctx context.Context) error {
			logger := p.logger.With(fields.ValidatorID(hp.ValidatorID))

			if hp.MaxSlot != nil {
				n, err := p.pruneBlocks(ctx, hp.ValidatorID, *hp.MaxSlot)
				if err != nil {
					logger.Error("failed to prune blocks", zap.Error(err))
					return fmt.Errorf("validator %d: prune blocks: %w", hp.ValidatorID, err)
				}
				blocks.Add(n)
			}
			if hp.MaxTargetEpoch != nil {
				n, err := p.pruneAttestations(ctx, hp.ValidatorID, *hp.MaxTargetEpoch)
				if err != nil {
					logger.Error("failed to prune attestations", zap.Error(err))
					return fmt.Errorf("validator %d: prune attestations: %w", hp.ValidatorID, err)
				}
				attestations.Add(n)
			}
			return nil
		})
	}
	err = workers.Wait()

	summary := Summary{
		Validators:          len(highpoints),
		BlocksDeleted:       blocks.Load(),
		AttestationsDeleted: attestations.Load(),
	}
	recordPass(ctx, summary, start)

	p.logger.Info("pruning pass completed",
		fields.Count(summary.Validators),
		zap.Int64("blocks_deleted", summary.BlocksDeleted),
		zap.Int64("attestations_deleted", summary.AttestationsDeleted),
		fields.Took(time.Since(start)))

	return summary, err
}

// pruningPoint is the lowest value kept when highpoint is the highest known one.
func pruningPoint(highpoint, keep uint64) uint64 {
	if highpoint < keep {
		return 0
	}
	return highpoint - keep + 1
}

func (p *Pruner) pruneBlocks(ctx context.Context, validatorID int64, maxSlot phase0.Slot) (int64, error) {
	watermark, err := txretry.Do(ctx, p.retryer, slashingdb.ReadUncommitted, func(tx slashingdb.Tx) (*phase0.Slot, error) {
		if err := tx.LockValidator(validatorID, slashingdb.LockBlock); err != nil {
			return nil, err
		}
		wm, err := tx.LowWatermark(validatorID)
		if err != nil {
			return nil, err
		}

		candidate := phase0.Slot(pruningPoint(uint64(maxSlot), p.slotsToKeep()))
		if wm.HasSlot() && *wm.Slot > candidate {
			candidate = *wm.Slot
		}

		anchor, err := tx.NearestBlockAtOrAbove(validatorID, candidate)
		if err != nil {
			return nil, err
		}
		if anchor == nil {
			if wm.HasSlot() {
				return wm.Slot, nil
			}
			return nil, nil
		}
		if wm.HasSlot() && *wm.Slot >= anchor.Slot {
			return wm.Slot, nil
		}
		if err := tx.UpdateSlotWatermark(validatorID, anchor.Slot); err != nil {
			return nil, err
		}
		return &anchor.Slot, nil
	})
	if err != nil || watermark == nil {
		return 0, err
	}

	return txretry.Do(ctx, p.retryer, slashingdb.ReadUncommitted, func(tx slashingdb.Tx) (int64, error) {
		return tx.DeleteBlocksBelow(validatorID, *watermark)
	})
}

func (p *Pruner) pruneAttestations(ctx context.Context, validatorID int64, maxTarget phase0.Epoch) (int64, error) {
	watermark, err := txretry.Do(ctx, p.retryer, slashingdb.ReadUncommitted, func(tx slashingdb.Tx) (*phase0.Epoch, error) {
		if err := tx.LockValidator(validatorID, slashingdb.LockAttestation); err != nil {
			return nil, err
		}
		wm, err := tx.LowWatermark(validatorID)
		if err != nil {
			return nil, err
		}

		candidate := phase0.Epoch(pruningPoint(uint64(maxTarget), p.opts.EpochsToKeep))
		if wm.HasEpochs() && *wm.TargetEpoch > candidate {
			candidate = *wm.TargetEpoch
		}

		anchor, err := tx.NearestAttestationAtOrAbove(validatorID, candidate)
		if err != nil {
			return nil, err
		}
		if anchor == nil {
			if wm.HasEpochs() {
				return wm.TargetEpoch, nil
			}
			return nil, nil
		}
		if wm.HasEpochs() && *wm.TargetEpoch >= anchor.TargetEpoch {
			return wm.TargetEpoch, nil
		}

		source := anchor.SourceEpoch
		if wm.HasEpochs() && *wm.SourceEpoch > source {
			source = *wm.SourceEpoch
		}
		if err := tx.UpdateEpochWatermark(validatorID, source, anchor.TargetEpoch); err != nil {
			return nil, err
		}
		return &anchor.TargetEpoch, nil
	})
	if err != nil || watermark == nil {
		return 0, err
	}

	return txretry.Do(ctx, p.retryer, slashingdb.ReadUncommitted, func(tx slashingdb.Tx) (int64, error) {
		return tx.DeleteAttestationsBelow(validatorID, *watermark)
	})
}
