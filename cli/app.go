package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/api/server"
	globalconfig "github.com/ssvlabs/slashing-protector/cli/config"
	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/protector"
	"github.com/ssvlabs/slashing-protector/pruner"
	"github.com/ssvlabs/slashing-protector/registry"
	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/slashingdb/backends"
	"github.com/ssvlabs/slashing-protector/txretry"
	"github.com/ssvlabs/slashing-protector/validators"
)

type config struct {
	globalconfig.GlobalConfig `yaml:"global"`
	DBOptions                 backends.Options             `yaml:"db"`
	RetryOptions              txretry.Options              `yaml:"retry"`
	PrunerOptions             pruner.Options               `yaml:"pruner"`
	KeyStorageOptions         validators.KeyStorageOptions `yaml:"key_storage"`
	MetricsOptions            server.Options               `yaml:"metrics"`
}

var cfg config

// app holds the components shared by every command.
type app struct {
	logger   *zap.Logger
	db       slashingdb.Database
	retryer  *txretry.Retryer
	registry *registry.Registry
}

func setupGlobal(cmd *cobra.Command) (*zap.Logger, error) {
	if err := globalconfig.Load(globalArgs.ConfigPath, &cfg); err != nil {
		return nil, err
	}
	if err := logging.SetGlobalLogger(cfg.LogLevel, cfg.LogLevelFormat, cfg.LogFormat, cfg.LogFilePath); err != nil {
		return nil, fmt.Errorf("logging.SetGlobalLogger: %w", err)
	}
	logger := zap.L().Named(logging.NameSlashingProtector)
	logger.Debug("configuration loaded",
		zap.String("command", cmd.Name()),
		zap.String("db_type", string(cfg.DBOptions.Type)))
	return logger, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	logger, err := setupGlobal(cmd)
	if err != nil {
		return nil, err
	}

	db, err := backends.Open(cmd.Context(), logger, cfg.DBOptions)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	retryer := txretry.New(logger, db, cfg.RetryOptions)
	reg := registry.New(logger, retryer)
	if err := reg.Load(cmd.Context()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &app{
		logger:   logger,
		db:       db,
		retryer:  retryer,
		registry: reg,
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close database", zap.Error(err))
	}
}

func (a *app) protector() *protector.SlashingProtector {
	return protector.New(a.logger, a.retryer, a.registry)
}

// prunerDatabase returns a database for the pruner. Backends holding a file
// lock share the handle, others get their own pool.
func (a *app) prunerDatabase(ctx context.Context) (db slashingdb.Database, shared bool, err error) {
	if cfg.DBOptions.Exclusive() {
		return a.db, true, nil
	}
	db, err = backends.Open(ctx, a.logger, cfg.DBOptions)
	if err != nil {
		return nil, false, fmt.Errorf("could not open pruner database: %w", err)
	}
	return db, false, nil
}

func (a *app) newPruner(ctx context.Context) (*pruner.Pruner, func(), error) {
	db, shared, err := a.prunerDatabase(ctx)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if shared {
			return
		}
		if err := db.Close(); err != nil {
			a.logger.Error("failed to close pruner database", zap.Error(err))
		}
	}

	p, err := pruner.New(a.logger, txretry.New(a.logger, db, cfg.RetryOptions), cfg.PrunerOptions)
	if err != nil {
		release()
		return nil, nil, err
	}
	return p, release, nil
}

func parsePubKey(s string) (phase0.BLSPubKey, error) {
	var key phase0.BLSPubKey
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("invalid public key %q: expected %d bytes, got %d", s, len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}

func parsePubKeys(list string) ([]phase0.BLSPubKey, error) {
	var keys []phase0.BLSPubKey
	for _, s := range strings.Split(list, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		key, err := parsePubKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func logCommandError(logger *zap.Logger, cmd *cobra.Command, err error) error {
	if err != nil {
		logger.Error("command failed", zap.String("command", cmd.CommandPath()), zap.Error(err))
	}
	return err
}
