package interchange

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ssvlabs/slashing-protector/slashing"
)

// FormatVersion is the only supported EIP-3076 interchange version.
const FormatVersion = "5"

type Metadata struct {
	InterchangeFormatVersion string        `json:"interchange_format_version"`
	GenesisValidatorsRoot    hexutil.Bytes `json:"genesis_validators_root"`
}

type ValidatorHistory struct {
	PubKey             hexutil.Bytes       `json:"pubkey"`
	SignedBlocks       []SignedBlock       `json:"signed_blocks"`
	SignedAttestations []SignedAttestation `json:"signed_attestations"`
}

type SignedBlock struct {
	Slot        Uint64String   `json:"slot"`
	SigningRoot *hexutil.Bytes `json:"signing_root,omitempty"`
}

type SignedAttestation struct {
	SourceEpoch Uint64String   `json:"source_epoch"`
	TargetEpoch Uint64String   `json:"target_epoch"`
	SigningRoot *hexutil.Bytes `json:"signing_root,omitempty"`
}

// Uint64String is a decimal integer encoded as a JSON string.
// Bare JSON numbers are accepted on decode.
type Uint64String uint64

func (u Uint64String) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(u), 10))), nil
}

func (u *Uint64String) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid integer %s", slashing.ErrInterchangeMalformed, data)
	}
	*u = Uint64String(v)
	return nil
}

// document is a decoded interchange, validated field by field.
type document struct {
	gvr        phase0.Root
	validators []validatorRecord
}

type validatorRecord struct {
	pubKey       phase0.BLSPubKey
	blocks       []slashing.SignedBlock
	attestations []slashing.SignedAttestation
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", slashing.ErrInterchangeMalformed, fmt.Sprintf(format, args...))
}

// decode reads the document token by token so validator entries are checked
// as they arrive. Metadata must precede data.
func decode(r io.Reader) (*document, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	doc := &document{}
	var sawMetadata bool
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, malformed("read key: %v", err)
		}
		key, _ := tok.(string)

		switch key {
		case "metadata":
			var m Metadata
			if err := dec.Decode(&m); err != nil {
				return nil, malformed("decode metadata: %v", err)
			}
			if m.InterchangeFormatVersion != FormatVersion {
				return nil, fmt.Errorf("%w: %q", slashing.ErrInterchangeUnsupportedVersion, m.InterchangeFormatVersion)
			}
			if len(m.GenesisValidatorsRoot) != len(phase0.Root{}) {
				return nil, malformed("genesis validators root has %d bytes", len(m.GenesisValidatorsRoot))
			}
			copy(doc.gvr[:], m.GenesisValidatorsRoot)
			sawMetadata = true

		case "data":
			if !sawMetadata {
				return nil, malformed("metadata must precede data")
			}
			if err := expectDelim(dec, '['); err != nil {
				return nil, err
			}
			for dec.More() {
				var h ValidatorHistory
				if err := dec.Decode(&h); err != nil {
					return nil, malformed("decode validator %d: %v", len(doc.validators), err)
				}
				rec, err := h.record()
				if err != nil {
					return nil, err
				}
				doc.validators = append(doc.validators, rec)
			}
			if err := expectDelim(dec, ']'); err != nil {
				return nil, err
			}

		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, malformed("skip %q: %v", key, err)
			}
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	if !sawMetadata {
		return nil, malformed("missing metadata")
	}
	return doc, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return malformed("expected %q: %v", want, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return malformed("expected %q, got %v", want, tok)
	}
	return nil
}

func (h ValidatorHistory) record() (validatorRecord, error) {
	var rec validatorRecord
	if len(h.PubKey) != len(phase0.BLSPubKey{}) {
		return rec, malformed("public key has %d bytes", len(h.PubKey))
	}
	copy(rec.pubKey[:], h.PubKey)

	for _, b := range h.SignedBlocks {
		root, err := signingRoot(b.SigningRoot)
		if err != nil {
			return rec, err
		}
		rec.blocks = append(rec.blocks, slashing.SignedBlock{
			Slot:        phase0.Slot(b.Slot),
			SigningRoot: root,
		})
	}

	for _, a := range h.SignedAttestations {
		if a.SourceEpoch > a.TargetEpoch {
			return rec, fmt.Errorf("%w: validator %s: %w (%d > %d)",
				slashing.ErrInterchangeMalformed, rec.pubKey, slashing.ErrInvalidEpochOrdering, a.SourceEpoch, a.TargetEpoch)
		}
		root, err := signingRoot(a.SigningRoot)
		if err != nil {
			return rec, err
		}
		rec.attestations = append(rec.attestations, slashing.SignedAttestation{
			SourceEpoch: phase0.Epoch(a.SourceEpoch),
			TargetEpoch: phase0.Epoch(a.TargetEpoch),
			SigningRoot: root,
		})
	}
	return rec, nil
}

func signingRoot(b *hexutil.Bytes) (*phase0.Root, error) {
	if b == nil {
		return nil, nil
	}
	if len(*b) != len(phase0.Root{}) {
		return nil, malformed("signing root has %d bytes", len(*b))
	}
	var root phase0.Root
	copy(root[:], *b)
	return &root, nil
}

func encodeRoot(root *phase0.Root) *hexutil.Bytes {
	if root == nil {
		return nil
	}
	b := hexutil.Bytes(root[:])
	return &b
}
