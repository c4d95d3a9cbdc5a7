// Package registry maps validator public keys to the stable ids assigned by
// the store.
package registry

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/logging/fields"
	"github.com/ssvlabs/slashing-protector/slashing"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/txretry"
)

// Registry is a read-through cache of validator ids. Ids are cached only
// after the transaction that assigned them committed.
type Registry struct {
	logger  *zap.Logger
	retryer *txretry.Retryer

	mu    sync.RWMutex
	ids   map[phase0.BLSPubKey]int64
	keys  map[int64]phase0.BLSPubKey
	group singleflight.Group
}

func New(logger *zap.Logger, retryer *txretry.Retryer) *Registry {
	return &Registry{
		logger:  logger.Named(logging.NameRegistry),
		retryer: retryer,
		ids:     make(map[phase0.BLSPubKey]int64),
		keys:    make(map[int64]phase0.BLSPubKey),
	}
}

// Load fills the cache with every validator in the store.
func (r *Registry) Load(ctx context.Context) error {
	validators, err := txretry.Do(ctx, r.retryer, slashingdb.ReadCommitted, func(tx slashingdb.Tx) ([]slashing.Validator, error) {
		return tx.ListValidators()
	})
	if err != nil {
		return fmt.Errorf("failed to load validators: %w", err)
	}
	r.Remember(validators...)
	r.logger.Info("loaded validators", fields.Count(len(validators)))
	return nil
}

// RegisterValidators makes sure every key has an id, inserting the unknown
// ones in a single transaction. Concurrent registrations of the same keys
// share one transaction.
func (r *Registry) RegisterValidators(ctx context.Context, keys []phase0.BLSPubKey) error {
	missing := r.missing(keys)
	if len(missing) == 0 {
		return nil
	}

	flight := r.group.DoChan(groupKey(missing), func() (any, error) {
		// The flight is shared, so one caller giving up must not fail the others.
		ctx := context.WithoutCancel(ctx)

		missing := r.missing(missing)
		if len(missing) == 0 {
			return nil, nil
		}
		validators, err := txretry.Do(ctx, r.retryer, slashingdb.ReadCommitted, func(tx slashingdb.Tx) ([]slashing.Validator, error) {
			return tx.RegisterValidators(missing)
		})
		if err != nil {
			return nil, err
		}
		r.Remember(validators...)
		r.logger.Debug("registered validators", fields.Count(len(validators)))
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to register validators: %w", ctx.Err())
	case res := <-flight:
		if res.Err != nil {
			return fmt.Errorf("failed to register validators: %w", res.Err)
		}
		return nil
	}
}

// Remember caches validators read or created by a committed transaction.
func (r *Registry) Remember(validators ...slashing.Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range validators {
		r.ids[v.PublicKey] = v.ID
		r.keys[v.ID] = v.PublicKey
	}
}

func (r *Registry) ValidatorID(key phase0.BLSPubKey) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[key]
	return id, ok
}

func (r *Registry) PublicKey(id int64) (phase0.BLSPubKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[id]
	return key, ok
}

// MustGetValidatorID returns the id of a registered key. A missing key means
// the caller skipped registration.
func (r *Registry) MustGetValidatorID(key phase0.BLSPubKey) (int64, error) {
	id, ok := r.ValidatorID(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", slashing.ErrUnregisteredValidator, key)
	}
	return id, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

func (r *Registry) missing(keys []phase0.BLSPubKey) []phase0.BLSPubKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []phase0.BLSPubKey
	seen := make(map[phase0.BLSPubKey]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := r.ids[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func groupKey(keys []phase0.BLSPubKey) string {
	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(hex.EncodeToString(key[:]))
	}
	return sb.String()
}
