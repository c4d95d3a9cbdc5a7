// Package interchange imports and exports slashing protection history in the
// EIP-3076 interchange format.
package interchange

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/logging/fields"
	"github.com/ssvlabs/slashing-protector/registry"
	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/txretry"
)

// ImportSummary reports what an import changed.
type ImportSummary struct {
	Validators           int
	BlocksImported       int
	BlocksSkipped        int
	AttestationsImported int
	AttestationsSkipped  int
}

type Interchange struct {
	logger   *zap.Logger
	retryer  *txretry.Retryer
	registry *registry.Registry
}

func New(logger *zap.Logger, retryer *txretry.Retryer, registry *registry.Registry) *Interchange {
	return &Interchange{
		logger:   logger.Named(logging.NameInterchange),
		retryer:  retryer,
		registry: registry,
	}
}

// Import decodes the whole document first, then applies it in a single
// transaction: any error leaves the store untouched.
func (i *Interchange) Import(ctx context.Context, r io.Reader) (ImportSummary, error) {
	doc, err := decode(r)
	if err != nil {
		return ImportSummary{}, err
	}
	logger := i.logger.With(fields.GenesisValidatorsRoot(doc.gvr))

	type result struct {
		summary    ImportSummary
		validators []slashing.Validator
	}
	res, err := txretry.Do(ctx, i.retryer, slashingdb.Serializable, func(tx slashingdb.Tx) (result, error) {
		var res result
		if err := bindGenesisValidatorsRoot(tx, doc.gvr); err != nil {
			return res, err
		}
		for _, rec := range doc.validators {
			v, err := i.importValidator(tx, logger, rec, &res.summary)
			if err != nil {
				return res, fmt.Errorf("validator %s: %w", rec.pubKey, err)
			}
			res.validators = append(res.validators, v)
		}
		res.summary.Validators = len(doc.validators)
		return res, nil
	})
	if err != nil {
		logger.Error("interchange import failed", zap.Error(err))
		return ImportSummary{}, err
	}

	i.registry.Remember(res.validators...)
	logger.Info("interchange imported",
		fields.Count(res.summary.Validators),
		zap.Int("blocks_imported", res.summary.BlocksImported),
		zap.Int("blocks_skipped", res.summary.BlocksSkipped),
		zap.Int("attestations_imported", res.summary.AttestationsImported),
		zap.Int("attestations_skipped", res.summary.AttestationsSkipped))
	return res.summary, nil
}

func bindGenesisValidatorsRoot(tx slashingdb.Tx, gvr phase0.Root) error {
	stored, err := tx.GenesisValidatorsRoot()
	if err != nil {
		return err
	}
	if stored == nil {
		return tx.InsertGenesisValidatorsRoot(gvr)
	}
	if *stored != gvr {
		return &slashing.ChainIdentityMismatchError{Expected: *stored, Actual: gvr}
	}
	return nil
}

func (i *Interchange) importValidator(tx slashingdb.Tx, logger *zap.Logger, rec validatorRecord, summary *ImportSummary) (slashing.Validator, error) {
	validators, err := tx.RegisterValidators([]phase0.BLSPubKey{rec.pubKey})
	if err != nil {
		return slashing.Validator{}, err
	}
	v := validators[0]
	logger = logger.With(fields.PubKey(rec.pubKey), fields.ValidatorID(v.ID))

	var minSlot *phase0.Slot
	for _, b := range rec.blocks {
		b.ValidatorID = v.ID
		if minSlot == nil || b.Slot < *minSlot {
			minSlot = slashing.SlotPtr(b.Slot)
		}

		existing, err := tx.FindBlock(v.ID, b.Slot)
		if err != nil {
			return v, err
		}
		if existing != nil {
			if !sameOrBothNil(existing.SigningRoot, b.SigningRoot) {
				logger.Warn("skipping conflicting block", fields.Slot(b.Slot))
			}
			summary.BlocksSkipped++
			continue
		}
		if err := tx.InsertBlock(b); err != nil {
			return v, err
		}
		summary.BlocksImported++
	}

	var minSource, minTarget *phase0.Epoch
	for _, a := range rec.attestations {
		a.ValidatorID = v.ID
		if minSource == nil || a.SourceEpoch < *minSource {
			minSource = slashing.EpochPtr(a.SourceEpoch)
		}
		if minTarget == nil || a.TargetEpoch < *minTarget {
			minTarget = slashing.EpochPtr(a.TargetEpoch)
		}

		imported, err := importAttestation(tx, logger, a)
		if err != nil {
			return v, err
		}
		if imported {
			summary.AttestationsImported++
		} else {
			summary.AttestationsSkipped++
		}
	}

	if err := raiseLowWatermark(tx, v.ID, minSlot, minSource, minTarget); err != nil {
		return v, err
	}
	return v, nil
}

// importAttestation inserts a unless an identical row exists. Conflicting
// history is imported anyway since it only narrows what may be signed.
func importAttestation(tx slashingdb.Tx, logger *zap.Logger, a slashing.SignedAttestation) (bool, error) {
	sameTarget, err := tx.FindAttestationsForTarget(a.ValidatorID, a.TargetEpoch)
	if err != nil {
		return false, err
	}
	for _, existing := range sameTarget {
		if sameOrBothNil(existing.SigningRoot, a.SigningRoot) {
			return false, nil
		}
	}

	attLogger := logger.With(fields.SourceEpoch(a.SourceEpoch), fields.TargetEpoch(a.TargetEpoch))
	if len(sameTarget) > 0 {
		attLogger.Warn("importing double vote")
	}
	surrounding, err := tx.FindSurroundingAttestation(a.ValidatorID, a.SourceEpoch, a.TargetEpoch)
	if err != nil {
		return false, err
	}
	if surrounding != nil {
		attLogger.Warn("importing attestation surrounded by existing history")
	}
	surrounded, err := tx.FindSurroundedAttestation(a.ValidatorID, a.SourceEpoch, a.TargetEpoch)
	if err != nil {
		return false, err
	}
	if surrounded != nil {
		attLogger.Warn("importing attestation surrounding existing history")
	}

	if err := tx.InsertAttestation(a); err != nil {
		return false, err
	}
	return true, nil
}

// raiseLowWatermark moves the watermark up to the lowest imported values. It
// never moves a component down.
func raiseLowWatermark(tx slashingdb.Tx, validatorID int64, minSlot *phase0.Slot, minSource, minTarget *phase0.Epoch) error {
	wm, err := tx.LowWatermark(validatorID)
	if err != nil {
		return err
	}

	if minSlot != nil && (!wm.HasSlot() || *minSlot > *wm.Slot) {
		if err := tx.UpdateSlotWatermark(validatorID, *minSlot); err != nil {
			return err
		}
	}

	if minSource == nil || minTarget == nil {
		return nil
	}
	if !wm.HasEpochs() {
		return tx.UpdateEpochWatermark(validatorID, *minSource, *minTarget)
	}
	source, target := max(*minSource, *wm.SourceEpoch), max(*minTarget, *wm.TargetEpoch)
	if source == *wm.SourceEpoch && target == *wm.TargetEpoch {
		return nil
	}
	return tx.UpdateEpochWatermark(validatorID, source, target)
}

func sameOrBothNil(a, b *phase0.Root) bool {
	if a == nil && b == nil {
		return true
	}
	return slashing.SameRoot(a, b)
}

// Export writes the history of every validator.
func (i *Interchange) Export(ctx context.Context, w io.Writer) error {
	return i.export(ctx, w, nil)
}

// ExportPartial writes the history of the given validators. Unknown keys are
// left out.
func (i *Interchange) ExportPartial(ctx context.Context, w io.Writer, pubKeys []phase0.BLSPubKey) error {
	if len(pubKeys) == 0 {
		return i.export(ctx, w, []phase0.BLSPubKey{})
	}
	return i.export(ctx, w, pubKeys)
}

type exportData struct {
	gvr     phase0.Root
	history []ValidatorHistory
}

func (i *Interchange) export(ctx context.Context, w io.Writer, pubKeys []phase0.BLSPubKey) error {
	data, err := txretry.Do(ctx, i.retryer, slashingdb.RepeatableRead, func(tx slashingdb.Tx) (*exportData, error) {
		gvr, err := tx.GenesisValidatorsRoot()
		if err != nil {
			return nil, err
		}
		if gvr == nil {
			return nil, slashing.ErrNoGenesisValidatorsRoot
		}

		var validators []slashing.Validator
		if pubKeys == nil {
			validators, err = tx.ListValidators()
		} else {
			validators, err = tx.FindValidators(pubKeys)
		}
		if err != nil {
			return nil, err
		}

		data := &exportData{gvr: *gvr}
		for _, v := range validators {
			h, err := exportValidator(tx, v)
			if err != nil {
				return nil, fmt.Errorf("validator %s: %w", v.PublicKey, err)
			}
			data.history = append(data.history, h)
		}
		return data, nil
	})
	if err != nil {
		i.logger.Error("interchange export failed", zap.Error(err))
		return err
	}

	if err := encode(w, data); err != nil {
		return fmt.Errorf("failed to write interchange: %w", err)
	}
	i.logger.Info("interchange exported", fields.Count(len(data.history)))
	return nil
}

// exportValidator collects the rows at or above the low watermark.
func exportValidator(tx slashingdb.Tx, v slashing.Validator) (ValidatorHistory, error) {
	h := ValidatorHistory{
		PubKey:             hexutil.Bytes(v.PublicKey[:]),
		SignedBlocks:       []SignedBlock{},
		SignedAttestations: []SignedAttestation{},
	}

	wm, err := tx.LowWatermark(v.ID)
	if err != nil {
		return h, err
	}
	var fromSlot *phase0.Slot
	var fromSource, fromTarget *phase0.Epoch
	if wm.HasSlot() {
		fromSlot = wm.Slot
	}
	if wm.HasEpochs() {
		fromSource, fromTarget = wm.SourceEpoch, wm.TargetEpoch
	}

	blocks, err := tx.ListBlocks(v.ID, fromSlot)
	if err != nil {
		return h, err
	}
	for _, b := range blocks {
		h.SignedBlocks = append(h.SignedBlocks, SignedBlock{
			Slot:        Uint64String(b.Slot),
			SigningRoot: encodeRoot(b.SigningRoot),
		})
	}

	atts, err := tx.ListAttestations(v.ID, fromSource, fromTarget)
	if err != nil {
		return h, err
	}
	for _, a := range atts {
		h.SignedAttestations = append(h.SignedAttestations, SignedAttestation{
			SourceEpoch: Uint64String(a.SourceEpoch),
			TargetEpoch: Uint64String(a.TargetEpoch),
			SigningRoot: encodeRoot(a.SigningRoot),
		})
	}
	return h, nil
}

// encode streams the document one validator at a time.
func encode(w io.Writer, data *exportData) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	metadata, err := json.Marshal(Metadata{
		InterchangeFormatVersion: FormatVersion,
		GenesisValidatorsRoot:    hexutil.Bytes(data.gvr[:]),
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(bw, `{"metadata":%s,"data":[`, metadata); err != nil {
		return err
	}
	for n, h := range data.history {
		if n > 0 {
			if _, err := bw.WriteString(","); err != nil {
				return err
			}
		}
		if err := enc.Encode(h); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("]}\n"); err != nil {
		return err
	}
	return bw.Flush()
}
