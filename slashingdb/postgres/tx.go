package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
)

type tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *tx) exec(query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	return res, classify(err)
}

func (t *tx) query(query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	return rows, classify(err)
}

func (t *tx) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

func pubKeyArray(keys []phase0.BLSPubKey) pq.ByteaArray {
	out := make(pq.ByteaArray, len(keys))
	for i := range keys {
		out[i] = keys[i][:]
	}
	return out
}

func (t *tx) RegisterValidators(keys []phase0.BLSPubKey) ([]slashing.Validator, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	_, err := t.exec(
		"INSERT INTO validators (public_key) SELECT unnest($1::BYTEA[]) ON CONFLICT (public_key) DO NOTHING",
		pubKeyArray(keys),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert validators")
	}
	return t.FindValidators(keys)
}

func (t *tx) FindValidators(keys []phase0.BLSPubKey) ([]slashing.Validator, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := t.query("SELECT id, public_key, enabled FROM validators WHERE public_key = ANY($1) ORDER BY id", pubKeyArray(keys))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query validators")
	}
	return scanValidators(rows)
}

func (t *tx) ListValidators() ([]slashing.Validator, error) {
	rows, err := t.query("SELECT id, public_key, enabled FROM validators ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list validators")
	}
	return scanValidators(rows)
}

func scanValidators(rows *sql.Rows) ([]slashing.Validator, error) {
	defer func() { _ = rows.Close() }()

	var out []slashing.Validator
	for rows.Next() {
		var (
			v   slashing.Validator
			raw []byte
		)
		if err := rows.Scan(&v.ID, &raw, &v.Enabled); err != nil {
			return nil, classify(err)
		}
		if len(raw) != len(v.PublicKey) {
			return nil, fmt.Errorf("validator %d has a malformed public key of %d bytes", v.ID, len(raw))
		}
		copy(v.PublicKey[:], raw)
		out = append(out, v)
	}
	return out, classify(rows.Err())
}

func (t *tx) SetEnabled(keys []phase0.BLSPubKey, enabled bool) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := t.exec("UPDATE validators SET enabled = $1 WHERE public_key = ANY($2)", enabled, pubKeyArray(keys))
	return errors.Wrap(err, "failed to update validator enabled state")
}

func (t *tx) IsEnabled(validatorID int64) (bool, bool, error) {
	var enabled bool
	err := t.queryRow("SELECT enabled FROM validators WHERE id = $1", validatorID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, classify(err)
	}
	return enabled, true, nil
}

func (t *tx) GenesisValidatorsRoot() (*phase0.Root, error) {
	var raw []byte
	err := t.queryRow("SELECT genesis_validators_root FROM metadata WHERE id = 1").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return toRoot(raw)
}

func (t *tx) InsertGenesisValidatorsRoot(root phase0.Root) error {
	_, err := t.exec("INSERT INTO metadata (id, genesis_validators_root) VALUES (1, $1)", root[:])
	return err
}

func (t *tx) HighWatermark() (*slashing.HighWatermark, error) {
	var slot, epoch nullUint64
	err := t.queryRow("SELECT high_watermark_slot, high_watermark_epoch FROM metadata WHERE id = 1").Scan(&slot, &epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	hw := &slashing.HighWatermark{}
	if slot.Valid {
		hw.Slot = slashing.SlotPtr(phase0.Slot(slot.V))
	}
	if epoch.Valid {
		hw.Epoch = slashing.EpochPtr(phase0.Epoch(epoch.V))
	}
	if hw.IsEmpty() {
		return nil, nil
	}
	return hw, nil
}

func (t *tx) UpdateHighWatermark(hw slashing.HighWatermark) error {
	res, err := t.exec(
		"UPDATE metadata SET high_watermark_slot = $1, high_watermark_epoch = $2 WHERE id = 1",
		nullSlot(hw.Slot), nullEpoch(hw.Epoch),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update high watermark")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return slashing.ErrNoGenesisValidatorsRoot
	}
	return nil
}

func (t *tx) DeleteHighWatermark() error {
	_, err := t.exec("UPDATE metadata SET high_watermark_slot = NULL, high_watermark_epoch = NULL WHERE id = 1")
	return errors.Wrap(err, "failed to delete high watermark")
}

func (t *tx) FindBlock(validatorID int64, slot phase0.Slot) (*slashing.SignedBlock, error) {
	rows, err := t.query(
		"SELECT validator_id, slot, signing_root FROM signed_blocks WHERE validator_id = $1 AND slot = $2",
		validatorID, num(uint64(slot)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query signed block")
	}
	return firstBlock(rows)
}

func (t *tx) InsertBlock(block slashing.SignedBlock) error {
	_, err := t.exec(
		"INSERT INTO signed_blocks (validator_id, slot, signing_root) VALUES ($1, $2, $3)",
		block.ValidatorID, num(uint64(block.Slot)), rootBytes(block.SigningRoot),
	)
	return err
}

func (t *tx) NearestBlockAtOrAbove(validatorID int64, slot phase0.Slot) (*slashing.SignedBlock, error) {
	rows, err := t.query(
		"SELECT validator_id, slot, signing_root FROM signed_blocks WHERE validator_id = $1 AND slot >= $2 ORDER BY slot ASC LIMIT 1",
		validatorID, num(uint64(slot)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query nearest signed block")
	}
	return firstBlock(rows)
}

func (t *tx) DeleteBlocksBelow(validatorID int64, slot phase0.Slot) (int64, error) {
	res, err := t.exec("DELETE FROM signed_blocks WHERE validator_id = $1 AND slot < $2", validatorID, num(uint64(slot)))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete signed blocks")
	}
	return res.RowsAffected()
}

func (t *tx) ListBlocks(validatorID int64, from *phase0.Slot) ([]slashing.SignedBlock, error) {
	rows, err := t.query(
		"SELECT validator_id, slot, signing_root FROM signed_blocks WHERE validator_id = $1 AND ($2::NUMERIC IS NULL OR slot >= $2::NUMERIC) ORDER BY slot",
		validatorID, nullSlot(from),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list signed blocks")
	}
	return scanBlocks(rows)
}

func firstBlock(rows *sql.Rows) (*slashing.SignedBlock, error) {
	blocks, err := scanBlocks(rows)
	if err != nil || len(blocks) == 0 {
		return nil, err
	}
	return &blocks[0], nil
}

func scanBlocks(rows *sql.Rows) ([]slashing.SignedBlock, error) {
	defer func() { _ = rows.Close() }()

	var out []slashing.SignedBlock
	for rows.Next() {
		var (
			b    slashing.SignedBlock
			slot nullUint64
			raw  []byte
		)
		if err := rows.Scan(&b.ValidatorID, &slot, &raw); err != nil {
			return nil, classify(err)
		}
		b.Slot = phase0.Slot(slot.V)
		root, err := toRoot(raw)
		if err != nil {
			return nil, err
		}
		b.SigningRoot = root
		out = append(out, b)
	}
	return out, classify(rows.Err())
}

const attestationColumns = "validator_id, source_epoch, target_epoch, signing_root"

func (t *tx) FindAttestationsForTarget(validatorID int64, target phase0.Epoch) ([]slashing.SignedAttestation, error) {
	rows, err := t.query(
		"SELECT "+attestationColumns+" FROM signed_attestations WHERE validator_id = $1 AND target_epoch = $2",
		validatorID, num(uint64(target)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query signed attestations")
	}
	return scanAttestations(rows)
}

func (t *tx) FindSurroundingAttestation(validatorID int64, source, target phase0.Epoch) (*slashing.SignedAttestation, error) {
	rows, err := t.query(
		"SELECT "+attestationColumns+" FROM signed_attestations "+
			"WHERE validator_id = $1 AND source_epoch < $2 AND target_epoch > $3 "+
			"ORDER BY target_epoch DESC LIMIT 1",
		validatorID, num(uint64(source)), num(uint64(target)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query surrounding attestation")
	}
	return firstAttestation(rows)
}

func (t *tx) FindSurroundedAttestation(validatorID int64, source, target phase0.Epoch) (*slashing.SignedAttestation, error) {
	rows, err := t.query(
		"SELECT "+attestationColumns+" FROM signed_attestations "+
			"WHERE validator_id = $1 AND source_epoch > $2 AND target_epoch < $3 "+
			"ORDER BY target_epoch DESC LIMIT 1",
		validatorID, num(uint64(source)), num(uint64(target)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query surrounded attestation")
	}
	return firstAttestation(rows)
}

func (t *tx) InsertAttestation(att slashing.SignedAttestation) error {
	_, err := t.exec(
		"INSERT INTO signed_attestations ("+attestationColumns+") VALUES ($1, $2, $3, $4)",
		att.ValidatorID, num(uint64(att.SourceEpoch)), num(uint64(att.TargetEpoch)), rootBytes(att.SigningRoot),
	)
	return err
}

func (t *tx) NearestAttestationAtOrAbove(validatorID int64, target phase0.Epoch) (*slashing.SignedAttestation, error) {
	rows, err := t.query(
		"SELECT "+attestationColumns+" FROM signed_attestations WHERE validator_id = $1 AND target_epoch >= $2 "+
			"ORDER BY target_epoch ASC, source_epoch ASC LIMIT 1",
		validatorID, num(uint64(target)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query nearest signed attestation")
	}
	return firstAttestation(rows)
}

func (t *tx) DeleteAttestationsBelow(validatorID int64, target phase0.Epoch) (int64, error) {
	res, err := t.exec("DELETE FROM signed_attestations WHERE validator_id = $1 AND target_epoch < $2", validatorID, num(uint64(target)))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete signed attestations")
	}
	return res.RowsAffected()
}

func (t *tx) ListAttestations(validatorID int64, fromSource, fromTarget *phase0.Epoch) ([]slashing.SignedAttestation, error) {
	rows, err := t.query(
		"SELECT "+attestationColumns+" FROM signed_attestations WHERE validator_id = $1 "+
			"AND ($2::NUMERIC IS NULL OR source_epoch >= $2::NUMERIC) "+
			"AND ($3::NUMERIC IS NULL OR target_epoch >= $3::NUMERIC) "+
			"ORDER BY target_epoch, source_epoch",
		validatorID, nullEpoch(fromSource), nullEpoch(fromTarget),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list signed attestations")
	}
	return scanAttestations(rows)
}

func firstAttestation(rows *sql.Rows) (*slashing.SignedAttestation, error) {
	atts, err := scanAttestations(rows)
	if err != nil || len(atts) == 0 {
		return nil, err
	}
	return &atts[0], nil
}

func scanAttestations(rows *sql.Rows) ([]slashing.SignedAttestation, error) {
	defer func() { _ = rows.Close() }()

	var out []slashing.SignedAttestation
	for rows.Next() {
		var (
			a              slashing.SignedAttestation
			source, target nullUint64
			raw            []byte
		)
		if err := rows.Scan(&a.ValidatorID, &source, &target, &raw); err != nil {
			return nil, classify(err)
		}
		a.SourceEpoch = phase0.Epoch(source.V)
		a.TargetEpoch = phase0.Epoch(target.V)
		root, err := toRoot(raw)
		if err != nil {
			return nil, err
		}
		a.SigningRoot = root
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

func (t *tx) LowWatermark(validatorID int64) (*slashing.LowWatermark, error) {
	rows, err := t.query("SELECT validator_id, slot, source_epoch, target_epoch FROM low_watermarks WHERE validator_id = $1", validatorID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query low watermark")
	}
	wms, err := scanWatermarks(rows)
	if err != nil || len(wms) == 0 {
		return nil, err
	}
	return &wms[0], nil
}

func (t *tx) UpdateSlotWatermark(validatorID int64, slot phase0.Slot) error {
	_, err := t.exec(
		"INSERT INTO low_watermarks (validator_id, slot) VALUES ($1, $2) "+
			"ON CONFLICT (validator_id) DO UPDATE SET slot = EXCLUDED.slot",
		validatorID, num(uint64(slot)),
	)
	return errors.Wrap(err, "failed to update slot low watermark")
}

func (t *tx) UpdateEpochWatermark(validatorID int64, source, target phase0.Epoch) error {
	_, err := t.exec(
		"INSERT INTO low_watermarks (validator_id, source_epoch, target_epoch) VALUES ($1, $2, $3) "+
			"ON CONFLICT (validator_id) DO UPDATE SET source_epoch = EXCLUDED.source_epoch, target_epoch = EXCLUDED.target_epoch",
		validatorID, num(uint64(source)), num(uint64(target)),
	)
	return errors.Wrap(err, "failed to update epoch low watermark")
}

func (t *tx) SetLowWatermark(wm slashing.LowWatermark) error {
	_, err := t.exec(
		"INSERT INTO low_watermarks (validator_id, slot, source_epoch, target_epoch) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (validator_id) DO UPDATE SET slot = EXCLUDED.slot, "+
			"source_epoch = EXCLUDED.source_epoch, target_epoch = EXCLUDED.target_epoch",
		wm.ValidatorID, nullSlot(wm.Slot), nullEpoch(wm.SourceEpoch), nullEpoch(wm.TargetEpoch),
	)
	return errors.Wrap(err, "failed to set low watermark")
}

func (t *tx) ListLowWatermarks() ([]slashing.LowWatermark, error) {
	rows, err := t.query("SELECT validator_id, slot, source_epoch, target_epoch FROM low_watermarks ORDER BY validator_id")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list low watermarks")
	}
	return scanWatermarks(rows)
}

func scanWatermarks(rows *sql.Rows) ([]slashing.LowWatermark, error) {
	defer func() { _ = rows.Close() }()

	var out []slashing.LowWatermark
	for rows.Next() {
		var (
			wm                   slashing.LowWatermark
			slot, source, target nullUint64
		)
		if err := rows.Scan(&wm.ValidatorID, &slot, &source, &target); err != nil {
			return nil, classify(err)
		}
		if slot.Valid {
			wm.Slot = slashing.SlotPtr(phase0.Slot(slot.V))
		}
		if source.Valid && target.Valid {
			wm.SourceEpoch = slashing.EpochPtr(phase0.Epoch(source.V))
			wm.TargetEpoch = slashing.EpochPtr(phase0.Epoch(target.V))
		}
		out = append(out, wm)
	}
	return out, classify(rows.Err())
}

func (t *tx) Highpoint(validatorID int64) (*slashing.Highpoint, error) {
	var slot, source, target nullUint64
	err := t.queryRow(
		"SELECT "+
			"(SELECT MAX(slot) FROM signed_blocks WHERE validator_id = $1), "+
			"(SELECT MAX(source_epoch) FROM signed_attestations WHERE validator_id = $1), "+
			"(SELECT MAX(target_epoch) FROM signed_attestations WHERE validator_id = $1)",
		validatorID,
	).Scan(&slot, &source, &target)
	if err != nil {
		return nil, classify(errors.Wrap(err, "failed to query highpoint"))
	}
	if !slot.Valid && !target.Valid {
		return nil, nil
	}
	hp := &slashing.Highpoint{ValidatorID: validatorID}
	if slot.Valid {
		hp.MaxSlot = slashing.SlotPtr(phase0.Slot(slot.V))
	}
	if source.Valid && target.Valid {
		hp.MaxSourceEpoch = slashing.EpochPtr(phase0.Epoch(source.V))
		hp.MaxTargetEpoch = slashing.EpochPtr(phase0.Epoch(target.V))
	}
	return hp, nil
}

// LockValidator takes a transaction scoped advisory lock keyed by lock type
// and validator id. Ids beyond 32 bits share locks, which only serializes more.
func (t *tx) LockValidator(validatorID int64, lockType slashingdb.LockType) error {
	_, err := t.exec("SELECT pg_advisory_xact_lock($1::INT, $2::INT)", int32(lockType), int32(validatorID))
	return errors.Wrap(err, "failed to lock validator")
}

// nullUint64 scans NUMERIC(20) columns, which lib/pq returns as text.
type nullUint64 struct {
	V     uint64
	Valid bool
}

func (n *nullUint64) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.V, n.Valid = 0, false
		return nil
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	case int64:
		if v < 0 {
			return fmt.Errorf("negative numeric %d", v)
		}
		n.V, n.Valid = uint64(v), true
		return nil
	default:
		return fmt.Errorf("unsupported numeric type %T", src)
	}
}

func (n *nullUint64) parse(s string) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric %q: %w", s, err)
	}
	n.V, n.Valid = v, true
	return nil
}

// num encodes a uint64 as text; database/sql refuses uint64 values above MaxInt64.
func num(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func nullSlot(s *phase0.Slot) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: num(uint64(*s)), Valid: true}
}

func nullEpoch(e *phase0.Epoch) sql.NullString {
	if e == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: num(uint64(*e)), Valid: true}
}

func rootBytes(root *phase0.Root) []byte {
	if root == nil {
		return nil
	}
	return root[:]
}

func toRoot(raw []byte) (*phase0.Root, error) {
	if raw == nil {
		return nil, nil
	}
	var root phase0.Root
	if len(raw) != len(root) {
		return nil, fmt.Errorf("malformed root of %d bytes", len(raw))
	}
	copy(root[:], raw)
	return &root, nil
}
