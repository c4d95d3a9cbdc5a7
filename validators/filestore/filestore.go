// Package filestore keeps validator keystores in a local directory, next to a
// signer metadata file describing each of them.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/logging/fields"
)

const metadataType = "file-keystore"

type Options struct {
	Dir string `yaml:"Dir" env:"SP_KEYSTORE_DIR" env-default:"./keys" env-description:"Directory holding keystores, passwords and signer metadata files"`
}

// Metadata is the signer configuration file written for every key.
type Metadata struct {
	Type                 string `yaml:"type"`
	KeyType              string `yaml:"keyType"`
	KeystoreFile         string `yaml:"keystoreFile"`
	KeystorePasswordFile string `yaml:"keystorePasswordFile"`
}

// keystore holds the fields of an EIP-2335 keystore that are checked on import.
type keystore struct {
	Pubkey  string          `json:"pubkey"`
	Version int             `json:"version"`
	Crypto  json.RawMessage `json:"crypto"`
}

type Store struct {
	logger *zap.Logger
	dir    string
}

func New(logger *zap.Logger, opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("filestore: empty directory")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: create directory: %w", err)
	}
	return &Store{
		logger: logger.Named(logging.NameKeyStorage),
		dir:    opts.Dir,
	}, nil
}

func (s *Store) paths(pubKey phase0.BLSPubKey) (keystorePath, passwordPath, metadataPath string) {
	base := filepath.Join(s.dir, hexutil.Encode(pubKey[:]))
	return base + ".json", base + ".txt", base + ".yaml"
}

// AddKey copies the keystore and its password into the directory and writes
// the metadata file last, so a partially added key is never described.
// Adding a key that already exists overwrites it.
func (s *Store) AddKey(_ context.Context, pubKey phase0.BLSPubKey, keystoreRef, passwordRef string) error {
	keystoreData, err := os.ReadFile(keystoreRef)
	if err != nil {
		return fmt.Errorf("filestore: read keystore: %w", err)
	}
	if err := checkKeystore(keystoreData, pubKey); err != nil {
		return err
	}
	password, err := os.ReadFile(passwordRef)
	if err != nil {
		return fmt.Errorf("filestore: read password: %w", err)
	}

	keystorePath, passwordPath, metadataPath := s.paths(pubKey)
	metadata, err := yaml.Marshal(Metadata{
		Type:                 metadataType,
		KeyType:              "BLS",
		KeystoreFile:         filepath.Base(keystorePath),
		KeystorePasswordFile: filepath.Base(passwordPath),
	})
	if err != nil {
		return fmt.Errorf("filestore: encode metadata: %w", err)
	}

	if err := writeAtomic(keystorePath, keystoreData); err != nil {
		return err
	}
	if err := writeAtomic(passwordPath, password); err != nil {
		return err
	}
	if err := writeAtomic(metadataPath, metadata); err != nil {
		return err
	}

	s.logger.Info("stored keystore", fields.PubKey(pubKey), zap.String("path", keystorePath))
	return nil
}

// DeleteKey removes the metadata file first, then the key material. Missing
// files are not an error.
func (s *Store) DeleteKey(_ context.Context, pubKey phase0.BLSPubKey) error {
	keystorePath, passwordPath, metadataPath := s.paths(pubKey)

	if err := removeIfExists(metadataPath); err != nil {
		return err
	}
	err := multierr.Combine(
		removeIfExists(keystorePath),
		removeIfExists(passwordPath),
	)
	if err != nil {
		return err
	}

	s.logger.Info("removed keystore", fields.PubKey(pubKey))
	return nil
}

// Metadata reads the metadata file of a stored key.
func (s *Store) Metadata(pubKey phase0.BLSPubKey) (*Metadata, error) {
	_, _, metadataPath := s.paths(pubKey)
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("filestore: read metadata: %w", err)
	}
	var m Metadata
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("filestore: decode metadata: %w", err)
	}
	return &m, nil
}

func checkKeystore(data []byte, pubKey phase0.BLSPubKey) error {
	var ks keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return fmt.Errorf("filestore: decode keystore: %w", err)
	}
	if ks.Version != 4 || len(ks.Crypto) == 0 {
		return fmt.Errorf("filestore: unsupported keystore version %d", ks.Version)
	}
	if ks.Pubkey == "" {
		return nil
	}
	decoded, err := hexutil.Decode("0x" + strings.TrimPrefix(ks.Pubkey, "0x"))
	if err != nil {
		return fmt.Errorf("filestore: decode keystore pubkey: %w", err)
	}
	if string(decoded) != string(pubKey[:]) {
		return fmt.Errorf("filestore: keystore belongs to %s, not %s", hexutil.Encode(decoded), pubKey)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("filestore: write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("filestore: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filestore: remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
