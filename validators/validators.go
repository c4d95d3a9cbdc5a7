// Package validators keeps the enabled state of validators in the store
// consistent with the key material held by an external key storage.
package validators

import (
	"context"
	"errors"
	"fmt"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/logging/fields"
	"github.com/ssvlabs/slashing-protector/registry"
	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/txretry"
)

//go:generate go tool mockgen -package=validators -destination=./mock.go -source=./validators.go

// ErrKeyStorage wraps failures of the external key storage.
var ErrKeyStorage = errors.New("key storage failure")

// KeyStorage materializes and removes key material. Implementations must
// not report success for a key they did not store.
type KeyStorage interface {
	AddKey(ctx context.Context, pubKey phase0.BLSPubKey, keystoreRef, passwordRef string) error
	DeleteKey(ctx context.Context, pubKey phase0.BLSPubKey) error
}

// Manager enables and disables validators together with their key material.
type Manager struct {
	logger   *zap.Logger
	retryer  *txretry.Retryer
	registry *registry.Registry
	storage  KeyStorage
}

func NewManager(logger *zap.Logger, retryer *txretry.Retryer, registry *registry.Registry, storage KeyStorage) *Manager {
	return &Manager{
		logger:   logger.Named(logging.NameValidatorManager),
		retryer:  retryer,
		registry: registry,
		storage:  storage,
	}
}

// AddValidator enables the validator and stores its key in one transaction.
// When the key storage fails the transaction rolls back and the validator
// keeps its previous state.
func (m *Manager) AddValidator(ctx context.Context, pubKey phase0.BLSPubKey, keystoreRef, passwordRef string) error {
	logger := m.logger.With(fields.PubKey(pubKey))

	validators, err := txretry.Do(ctx, m.retryer, slashingdb.Serializable, func(tx slashingdb.Tx) ([]slashing.Validator, error) {
		validators, err := tx.RegisterValidators([]phase0.BLSPubKey{pubKey})
		if err != nil {
			return nil, err
		}
		if err := tx.SetEnabled([]phase0.BLSPubKey{pubKey}, true); err != nil {
			return nil, err
		}
		if err := m.storage.AddKey(ctx, pubKey, keystoreRef, passwordRef); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyStorage, err)
		}
		return validators, nil
	})
	if err != nil {
		logger.Error("failed to add validator", zap.Error(err))
		return fmt.Errorf("failed to add validator %s: %w", pubKey, err)
	}

	m.registry.Remember(validators...)
	logger.Info("validator added", fields.ValidatorID(validators[0].ID))
	return nil
}

// DeleteValidator disables the validator and removes its key in one
// transaction. Validators are never deleted from the store, so their
// history keeps protecting the key if it is added again.
func (m *Manager) DeleteValidator(ctx context.Context, pubKey phase0.BLSPubKey) error {
	logger := m.logger.With(fields.PubKey(pubKey))

	err := m.retryer.WithTransaction(ctx, slashingdb.Serializable, func(tx slashingdb.Tx) error {
		if err := tx.SetEnabled([]phase0.BLSPubKey{pubKey}, false); err != nil {
			return err
		}
		if err := m.storage.DeleteKey(ctx, pubKey); err != nil {
			return fmt.Errorf("%w: %w", ErrKeyStorage, err)
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to delete validator", zap.Error(err))
		return fmt.Errorf("failed to delete validator %s: %w", pubKey, err)
	}

	logger.Info("validator deleted")
	return nil
}

// List returns every validator in the store.
func (m *Manager) List(ctx context.Context) ([]slashing.Validator, error) {
	return txretry.Do(ctx, m.retryer, slashingdb.ReadCommitted, func(tx slashingdb.Tx) ([]slashing.Validator, error) {
		return tx.ListValidators()
	})
}
