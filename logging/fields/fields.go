package fields

import (
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FieldAttempt         = "attempt"
	FieldCount           = "count"
	FieldDuration        = "duration"
	FieldGenesisValRoot  = "genesis_validators_root"
	FieldIsolation       = "isolation"
	FieldOutcome         = "outcome"
	FieldPubKey          = "pubkey"
	FieldSigningRoot     = "signing_root"
	FieldSlot            = "slot"
	FieldSourceEpoch     = "source_epoch"
	FieldTargetEpoch     = "target_epoch"
	FieldTook            = "took"
	FieldValidatorID     = "validator_id"
	FieldWatermarkSlot   = "watermark_slot"
	FieldWatermarkSource = "watermark_source_epoch"
	FieldWatermarkTarget = "watermark_target_epoch"
)

func PubKey(pubKey phase0.BLSPubKey) zapcore.Field {
	return zap.Stringer(FieldPubKey, pubKey)
}

func ValidatorID(id int64) zapcore.Field {
	return zap.Int64(FieldValidatorID, id)
}

func SigningRoot(root phase0.Root) zapcore.Field {
	return zap.Stringer(FieldSigningRoot, root)
}

func GenesisValidatorsRoot(root phase0.Root) zapcore.Field {
	return zap.Stringer(FieldGenesisValRoot, root)
}

func Slot(slot phase0.Slot) zapcore.Field {
	return zap.Uint64(FieldSlot, uint64(slot))
}

func SourceEpoch(epoch phase0.Epoch) zapcore.Field {
	return zap.Uint64(FieldSourceEpoch, uint64(epoch))
}

func TargetEpoch(epoch phase0.Epoch) zapcore.Field {
	return zap.Uint64(FieldTargetEpoch, uint64(epoch))
}

func WatermarkSlot(slot phase0.Slot) zapcore.Field {
	return zap.Uint64(FieldWatermarkSlot, uint64(slot))
}

func WatermarkEpochs(source, target phase0.Epoch) []zapcore.Field {
	return []zapcore.Field{
		zap.Uint64(FieldWatermarkSource, uint64(source)),
		zap.Uint64(FieldWatermarkTarget, uint64(target)),
	}
}

func Attempt(n int) zapcore.Field {
	return zap.Int(FieldAttempt, n)
}

func Count(n int) zapcore.Field {
	return zap.Int(FieldCount, n)
}

func Outcome(outcome string) zapcore.Field {
	return zap.String(FieldOutcome, outcome)
}

func Isolation(level string) zapcore.Field {
	return zap.String(FieldIsolation, level)
}

func Took(d time.Duration) zapcore.Field {
	return zap.Duration(FieldTook, d)
}

func Duration(start time.Time) zapcore.Field {
	return zap.Duration(FieldDuration, time.Since(start))
}
