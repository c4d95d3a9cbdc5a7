package kvstore

import (
	"encoding/binary"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"

	"github.com/ssvlabs/slashing-protector/slashing"
)

// Key layout. Integers are big-endian so key order matches numeric order.
//
//	val/<id>                       -> pubkey | enabled
//	pub/<pubkey>                   -> id
//	blk/<id><slot>                 -> root (empty when null)
//	att/<id><target><source><root> -> nil
//	lwm/<id>                       -> flags | slot | source | target
//	meta/gvr, meta/hws, meta/hwe, meta/seq
var (
	validatorPrefix   = []byte("val/")
	pubKeyPrefix      = []byte("pub/")
	blockPrefix       = []byte("blk/")
	attestationPrefix = []byte("att/")
	watermarkPrefix   = []byte("lwm/")
	metadataPrefix    = []byte("meta/")

	gvrKey       = []byte("gvr")
	hwSlotKey    = []byte("hws")
	hwEpochKey   = []byte("hwe")
	sequenceKey  = []byte("seq")
	errBadRecord = errors.New("malformed record")
)

const (
	watermarkHasSlot   = 1 << 0
	watermarkHasEpochs = 1 << 1

	rootAbsent  = 0
	rootPresent = 1
)

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func idKey(id int64) []byte {
	return u64(uint64(id))
}

func blockKey(id int64, slot phase0.Slot) []byte {
	return append(idKey(id), u64(uint64(slot))...)
}

func encodeRoot(root *phase0.Root) []byte {
	if root == nil {
		return []byte{rootAbsent}
	}
	return append([]byte{rootPresent}, root[:]...)
}

func decodeRoot(b []byte) (*phase0.Root, error) {
	if len(b) == 0 || b[0] == rootAbsent {
		return nil, nil
	}
	if len(b) != 1+len(phase0.Root{}) {
		return nil, errBadRecord
	}
	var root phase0.Root
	copy(root[:], b[1:])
	return &root, nil
}

func attestationKey(att slashing.SignedAttestation) []byte {
	key := idKey(att.ValidatorID)
	key = append(key, u64(uint64(att.TargetEpoch))...)
	key = append(key, u64(uint64(att.SourceEpoch))...)
	return append(key, encodeRoot(att.SigningRoot)...)
}

// decodeAttestationKey parses a key relative to the attestation prefix.
func decodeAttestationKey(key []byte) (slashing.SignedAttestation, error) {
	if len(key) < 25 {
		return slashing.SignedAttestation{}, errBadRecord
	}
	root, err := decodeRoot(key[24:])
	if err != nil {
		return slashing.SignedAttestation{}, err
	}
	return slashing.SignedAttestation{
		ValidatorID: int64(binary.BigEndian.Uint64(key[0:8])),
		TargetEpoch: phase0.Epoch(binary.BigEndian.Uint64(key[8:16])),
		SourceEpoch: phase0.Epoch(binary.BigEndian.Uint64(key[16:24])),
		SigningRoot: root,
	}, nil
}

func decodeBlock(key, value []byte) (slashing.SignedBlock, error) {
	if len(key) != 16 {
		return slashing.SignedBlock{}, errBadRecord
	}
	root, err := decodeRoot(value)
	if err != nil {
		return slashing.SignedBlock{}, err
	}
	return slashing.SignedBlock{
		ValidatorID: int64(binary.BigEndian.Uint64(key[0:8])),
		Slot:        phase0.Slot(binary.BigEndian.Uint64(key[8:16])),
		SigningRoot: root,
	}, nil
}

func encodeValidator(v slashing.Validator) []byte {
	out := make([]byte, 0, len(v.PublicKey)+1)
	out = append(out, v.PublicKey[:]...)
	if v.Enabled {
		return append(out, 1)
	}
	return append(out, 0)
}

func decodeValidator(id int64, value []byte) (slashing.Validator, error) {
	var pk phase0.BLSPubKey
	if len(value) != len(pk)+1 {
		return slashing.Validator{}, errBadRecord
	}
	copy(pk[:], value)
	return slashing.Validator{ID: id, PublicKey: pk, Enabled: value[len(pk)] == 1}, nil
}

func encodeWatermark(wm slashing.LowWatermark) []byte {
	out := make([]byte, 25)
	if wm.Slot != nil {
		out[0] |= watermarkHasSlot
		binary.BigEndian.PutUint64(out[1:9], uint64(*wm.Slot))
	}
	if wm.SourceEpoch != nil && wm.TargetEpoch != nil {
		out[0] |= watermarkHasEpochs
		binary.BigEndian.PutUint64(out[9:17], uint64(*wm.SourceEpoch))
		binary.BigEndian.PutUint64(out[17:25], uint64(*wm.TargetEpoch))
	}
	return out
}

func decodeWatermark(id int64, value []byte) (*slashing.LowWatermark, error) {
	if len(value) != 25 {
		return nil, errBadRecord
	}
	wm := &slashing.LowWatermark{ValidatorID: id}
	if value[0]&watermarkHasSlot != 0 {
		wm.Slot = slashing.SlotPtr(phase0.Slot(binary.BigEndian.Uint64(value[1:9])))
	}
	if value[0]&watermarkHasEpochs != 0 {
		wm.SourceEpoch = slashing.EpochPtr(phase0.Epoch(binary.BigEndian.Uint64(value[9:17])))
		wm.TargetEpoch = slashing.EpochPtr(phase0.Epoch(binary.BigEndian.Uint64(value[17:25])))
	}
	return wm, nil
}
