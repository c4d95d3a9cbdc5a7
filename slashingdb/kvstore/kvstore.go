// Package kvstore implements slashingdb.Database on top of an embedded
// key-value engine (badger or pebble).
package kvstore

import (
	"context"
	"encoding/binary"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/storage/basedb"
)

var _ slashingdb.Database = &Store{}

// Store adapts a basedb.Database to slashingdb.Database.
type Store struct {
	logger *zap.Logger
	db     basedb.Database

	// writer admits one transaction at a time. The engine is owned by this
	// process, so queueing here replaces optimistic conflicts on hot keys
	// (locks, the id sequence) with waiting.
	writer *semaphore.Weighted
}

// New returns a Store over db. Closing the Store closes db.
func New(logger *zap.Logger, db basedb.Database) *Store {
	return &Store{
		logger: logger,
		db:     db,
		writer: semaphore.NewWeighted(1),
	}
}

// Update runs fn in one engine transaction. The isolation level is ignored:
// transactions of one Store never overlap, so every one of them is serializable.
func (s *Store) Update(ctx context.Context, _ slashingdb.Isolation, fn func(slashingdb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writer.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.writer.Release(1)

	err := s.db.Update(func(txn basedb.Txn) error {
		return fn(&tx{txn: txn})
	})
	if errors.Is(err, basedb.ErrConflict) {
		return slashingdb.MarkTransient(err)
	}
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping runs an empty transaction.
func (s *Store) Ping(ctx context.Context) error {
	return s.Update(ctx, slashingdb.ReadCommitted, func(slashingdb.Tx) error { return nil })
}

type tx struct {
	txn basedb.Txn
}

func (t *tx) RegisterValidators(keys []phase0.BLSPubKey) ([]slashing.Validator, error) {
	out := make([]slashing.Validator, 0, len(keys))
	for _, key := range keys {
		v, found, err := t.findValidator(key)
		if err != nil {
			return nil, err
		}
		if !found {
			id, err := t.nextID()
			if err != nil {
				return nil, err
			}
			v = slashing.Validator{ID: id, PublicKey: key, Enabled: true}
			if err := t.txn.Set(validatorPrefix, idKey(id), encodeValidator(v)); err != nil {
				return nil, err
			}
			if err := t.txn.Set(pubKeyPrefix, key[:], idKey(id)); err != nil {
				return nil, err
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func (t *tx) nextID() (int64, error) {
	obj, found, err := t.txn.Get(metadataPrefix, sequenceKey)
	if err != nil {
		return 0, err
	}
	var last uint64
	if found {
		last = binary.BigEndian.Uint64(obj.Value)
	}
	next := last + 1
	if err := t.txn.Set(metadataPrefix, sequenceKey, u64(next)); err != nil {
		return 0, err
	}
	return int64(next), nil
}

func (t *tx) findValidator(key phase0.BLSPubKey) (slashing.Validator, bool, error) {
	obj, found, err := t.txn.Get(pubKeyPrefix, key[:])
	if err != nil || !found {
		return slashing.Validator{}, false, err
	}
	id := int64(binary.BigEndian.Uint64(obj.Value))
	return t.validatorByID(id)
}

func (t *tx) validatorByID(id int64) (slashing.Validator, bool, error) {
	obj, found, err := t.txn.Get(validatorPrefix, idKey(id))
	if err != nil || !found {
		return slashing.Validator{}, false, err
	}
	v, err := decodeValidator(id, obj.Value)
	if err != nil {
		return slashing.Validator{}, false, err
	}
	return v, true, nil
}

func (t *tx) FindValidators(keys []phase0.BLSPubKey) ([]slashing.Validator, error) {
	var out []slashing.Validator
	for _, key := range keys {
		v, found, err := t.findValidator(key)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, v)
		}
	}
	return out, nil
}

func (t *tx) ListValidators() ([]slashing.Validator, error) {
	var out []slashing.Validator
	err := t.txn.GetAll(validatorPrefix, func(_ int, obj basedb.Obj) error {
		v, err := decodeValidator(int64(binary.BigEndian.Uint64(obj.Key)), obj.Value)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

func (t *tx) SetEnabled(keys []phase0.BLSPubKey, enabled bool) error {
	for _, key := range keys {
		v, found, err := t.findValidator(key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		v.Enabled = enabled
		if err := t.txn.Set(validatorPrefix, idKey(v.ID), encodeValidator(v)); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) IsEnabled(validatorID int64) (bool, bool, error) {
	v, found, err := t.validatorByID(validatorID)
	if err != nil || !found {
		return false, found, err
	}
	return v.Enabled, true, nil
}

func (t *tx) GenesisValidatorsRoot() (*phase0.Root, error) {
	obj, found, err := t.txn.Get(metadataPrefix, gvrKey)
	if err != nil || !found {
		return nil, err
	}
	if len(obj.Value) != len(phase0.Root{}) {
		return nil, errBadRecord
	}
	var root phase0.Root
	copy(root[:], obj.Value)
	return &root, nil
}

func (t *tx) InsertGenesisValidatorsRoot(root phase0.Root) error {
	_, found, err := t.txn.Get(metadataPrefix, gvrKey)
	if err != nil {
		return err
	}
	if found {
		return slashingdb.MarkUniqueViolation(errors.New("genesis validators root already set"))
	}
	return t.txn.Set(metadataPrefix, gvrKey, root[:])
}

func (t *tx) HighWatermark() (*slashing.HighWatermark, error) {
	hw := &slashing.HighWatermark{}
	obj, found, err := t.txn.Get(metadataPrefix, hwSlotKey)
	if err != nil {
		return nil, err
	}
	if found {
		hw.Slot = slashing.SlotPtr(phase0.Slot(binary.BigEndian.Uint64(obj.Value)))
	}
	obj, found, err = t.txn.Get(metadataPrefix, hwEpochKey)
	if err != nil {
		return nil, err
	}
	if found {
		hw.Epoch = slashing.EpochPtr(phase0.Epoch(binary.BigEndian.Uint64(obj.Value)))
	}
	if hw.IsEmpty() {
		return nil, nil
	}
	return hw, nil
}

func (t *tx) UpdateHighWatermark(hw slashing.HighWatermark) error {
	_, found, err := t.txn.Get(metadataPrefix, gvrKey)
	if err != nil {
		return err
	}
	if !found {
		return slashing.ErrNoGenesisValidatorsRoot
	}
	if err := t.setOrDelete(hwSlotKey, hw.Slot != nil, func() []byte { return u64(uint64(*hw.Slot)) }); err != nil {
		return err
	}
	return t.setOrDelete(hwEpochKey, hw.Epoch != nil, func() []byte { return u64(uint64(*hw.Epoch)) })
}

func (t *tx) setOrDelete(key []byte, set bool, value func() []byte) error {
	if set {
		return t.txn.Set(metadataPrefix, key, value())
	}
	return t.txn.Delete(metadataPrefix, key)
}

func (t *tx) DeleteHighWatermark() error {
	if err := t.txn.Delete(metadataPrefix, hwSlotKey); err != nil {
		return err
	}
	return t.txn.Delete(metadataPrefix, hwEpochKey)
}

func (t *tx) FindBlock(validatorID int64, slot phase0.Slot) (*slashing.SignedBlock, error) {
	key := blockKey(validatorID, slot)
	obj, found, err := t.txn.Get(blockPrefix, key)
	if err != nil || !found {
		return nil, err
	}
	b, err := decodeBlock(key, obj.Value)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *tx) InsertBlock(block slashing.SignedBlock) error {
	key := blockKey(block.ValidatorID, block.Slot)
	_, found, err := t.txn.Get(blockPrefix, key)
	if err != nil {
		return err
	}
	if found {
		return slashingdb.MarkUniqueViolation(errors.Errorf("block for validator %d at slot %d already exists", block.ValidatorID, block.Slot))
	}
	return t.txn.Set(blockPrefix, key, encodeRoot(block.SigningRoot))
}

func (t *tx) NearestBlockAtOrAbove(validatorID int64, slot phase0.Slot) (*slashing.SignedBlock, error) {
	var nearest *slashing.SignedBlock
	err := t.txn.Range(blockPrefix, blockKey(validatorID, slot), idKey(validatorID+1), false, func(obj basedb.Obj) (bool, error) {
		b, err := decodeBlock(obj.Key, obj.Value)
		if err != nil {
			return false, err
		}
		nearest = &b
		return false, nil
	})
	return nearest, err
}

func (t *tx) DeleteBlocksBelow(validatorID int64, slot phase0.Slot) (int64, error) {
	var keys [][]byte
	err := t.txn.Range(blockPrefix, idKey(validatorID), blockKey(validatorID, slot), false, func(obj basedb.Obj) (bool, error) {
		keys = append(keys, obj.Key)
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := t.txn.Delete(blockPrefix, key); err != nil {
			return 0, err
		}
	}
	return int64(len(keys)), nil
}

func (t *tx) ListBlocks(validatorID int64, from *phase0.Slot) ([]slashing.SignedBlock, error) {
	start := idKey(validatorID)
	if from != nil {
		start = blockKey(validatorID, *from)
	}
	var out []slashing.SignedBlock
	err := t.txn.Range(blockPrefix, start, idKey(validatorID+1), false, func(obj basedb.Obj) (bool, error) {
		b, err := decodeBlock(obj.Key, obj.Value)
		if err != nil {
			return false, err
		}
		out = append(out, b)
		return true, nil
	})
	return out, err
}

// rangeAttestations visits the validator's attestations with target in [from, to).
func (t *tx) rangeAttestations(validatorID int64, from phase0.Epoch, to *phase0.Epoch, reverse bool, fn func(slashing.SignedAttestation) (bool, error)) error {
	lower := append(idKey(validatorID), u64(uint64(from))...)
	upper := idKey(validatorID + 1)
	if to != nil {
		upper = append(idKey(validatorID), u64(uint64(*to))...)
	}
	return t.txn.Range(attestationPrefix, lower, upper, reverse, func(obj basedb.Obj) (bool, error) {
		att, err := decodeAttestationKey(obj.Key)
		if err != nil {
			return false, err
		}
		return fn(att)
	})
}

func (t *tx) FindAttestationsForTarget(validatorID int64, target phase0.Epoch) ([]slashing.SignedAttestation, error) {
	var out []slashing.SignedAttestation
	next := target + 1
	err := t.rangeAttestations(validatorID, target, &next, false, func(att slashing.SignedAttestation) (bool, error) {
		out = append(out, att)
		return true, nil
	})
	return out, err
}

func (t *tx) FindSurroundingAttestation(validatorID int64, source, target phase0.Epoch) (*slashing.SignedAttestation, error) {
	var found *slashing.SignedAttestation
	err := t.rangeAttestations(validatorID, target+1, nil, true, func(att slashing.SignedAttestation) (bool, error) {
		if att.Surrounds(source, target) {
			found = &att
			return false, nil
		}
		return true, nil
	})
	return found, err
}

func (t *tx) FindSurroundedAttestation(validatorID int64, source, target phase0.Epoch) (*slashing.SignedAttestation, error) {
	if target <= source+1 {
		return nil, nil
	}
	var found *slashing.SignedAttestation
	err := t.rangeAttestations(validatorID, source+1, &target, true, func(att slashing.SignedAttestation) (bool, error) {
		if att.SurroundedBy(source, target) {
			found = &att
			return false, nil
		}
		return true, nil
	})
	return found, err
}

func (t *tx) InsertAttestation(att slashing.SignedAttestation) error {
	key := attestationKey(att)
	_, found, err := t.txn.Get(attestationPrefix, key)
	if err != nil {
		return err
	}
	if found {
		return slashingdb.MarkUniqueViolation(errors.Errorf("attestation for validator %d with target %d already exists", att.ValidatorID, att.TargetEpoch))
	}
	return t.txn.Set(attestationPrefix, key, nil)
}

func (t *tx) NearestAttestationAtOrAbove(validatorID int64, target phase0.Epoch) (*slashing.SignedAttestation, error) {
	var nearest *slashing.SignedAttestation
	err := t.rangeAttestations(validatorID, target, nil, false, func(att slashing.SignedAttestation) (bool, error) {
		nearest = &att
		return false, nil
	})
	return nearest, err
}

func (t *tx) DeleteAttestationsBelow(validatorID int64, target phase0.Epoch) (int64, error) {
	var keys [][]byte
	err := t.rangeAttestations(validatorID, 0, &target, false, func(att slashing.SignedAttestation) (bool, error) {
		keys = append(keys, attestationKey(att))
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := t.txn.Delete(attestationPrefix, key); err != nil {
			return 0, err
		}
	}
	return int64(len(keys)), nil
}

func (t *tx) ListAttestations(validatorID int64, fromSource, fromTarget *phase0.Epoch) ([]slashing.SignedAttestation, error) {
	var from phase0.Epoch
	if fromTarget != nil {
		from = *fromTarget
	}
	var out []slashing.SignedAttestation
	err := t.rangeAttestations(validatorID, from, nil, false, func(att slashing.SignedAttestation) (bool, error) {
		if fromSource == nil || att.SourceEpoch >= *fromSource {
			out = append(out, att)
		}
		return true, nil
	})
	return out, err
}

func (t *tx) LowWatermark(validatorID int64) (*slashing.LowWatermark, error) {
	obj, found, err := t.txn.Get(watermarkPrefix, idKey(validatorID))
	if err != nil || !found {
		return nil, err
	}
	return decodeWatermark(validatorID, obj.Value)
}

func (t *tx) UpdateSlotWatermark(validatorID int64, slot phase0.Slot) error {
	wm, err := t.watermarkOrEmpty(validatorID)
	if err != nil {
		return err
	}
	wm.Slot = &slot
	return t.SetLowWatermark(*wm)
}

func (t *tx) UpdateEpochWatermark(validatorID int64, source, target phase0.Epoch) error {
	wm, err := t.watermarkOrEmpty(validatorID)
	if err != nil {
		return err
	}
	wm.SourceEpoch = &source
	wm.TargetEpoch = &target
	return t.SetLowWatermark(*wm)
}

func (t *tx) watermarkOrEmpty(validatorID int64) (*slashing.LowWatermark, error) {
	wm, err := t.LowWatermark(validatorID)
	if err != nil {
		return nil, err
	}
	if wm == nil {
		wm = &slashing.LowWatermark{ValidatorID: validatorID}
	}
	return wm, nil
}

func (t *tx) SetLowWatermark(wm slashing.LowWatermark) error {
	return t.txn.Set(watermarkPrefix, idKey(wm.ValidatorID), encodeWatermark(wm))
}

func (t *tx) ListLowWatermarks() ([]slashing.LowWatermark, error) {
	var out []slashing.LowWatermark
	err := t.txn.GetAll(watermarkPrefix, func(_ int, obj basedb.Obj) error {
		wm, err := decodeWatermark(int64(binary.BigEndian.Uint64(obj.Key)), obj.Value)
		if err != nil {
			return err
		}
		out = append(out, *wm)
		return nil
	})
	return out, err
}

func (t *tx) Highpoint(validatorID int64) (*slashing.Highpoint, error) {
	hp := &slashing.Highpoint{ValidatorID: validatorID}

	err := t.txn.Range(blockPrefix, idKey(validatorID), idKey(validatorID+1), true, func(obj basedb.Obj) (bool, error) {
		b, err := decodeBlock(obj.Key, obj.Value)
		if err != nil {
			return false, err
		}
		hp.MaxSlot = &b.Slot
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	err = t.rangeAttestations(validatorID, 0, nil, false, func(att slashing.SignedAttestation) (bool, error) {
		if hp.MaxSourceEpoch == nil || att.SourceEpoch > *hp.MaxSourceEpoch {
			hp.MaxSourceEpoch = slashing.EpochPtr(att.SourceEpoch)
		}
		hp.MaxTargetEpoch = slashing.EpochPtr(att.TargetEpoch)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if hp.MaxSlot == nil && hp.MaxTargetEpoch == nil {
		return nil, nil
	}
	return hp, nil
}

// LockValidator is a no-op: Store.Update already holds the whole engine.
func (t *tx) LockValidator(int64, slashingdb.LockType) error {
	return nil
}
