// Package backends opens the slashingdb.Database selected by configuration.
package backends

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/slashingdb"
	"github.com/ssvlabs/slashing-protector/slashingdb/kvstore"
	"github.com/ssvlabs/slashing-protector/slashingdb/postgres"
	"github.com/ssvlabs/slashing-protector/storage/basedb"
	"github.com/ssvlabs/slashing-protector/storage/kv"
	"github.com/ssvlabs/slashing-protector/storage/pebble"
)

type Type string

const (
	Postgres Type = "postgres"
	Badger   Type = "badger"
	Pebble   Type = "pebble"
)

// Options selects and configures a storage backend.
type Options struct {
	Type     Type             `yaml:"Type" env:"SP_DB_TYPE" env-default:"postgres" env-description:"Storage backend: postgres, badger or pebble"`
	Postgres postgres.Options `yaml:"Postgres"`
	KV       basedb.Options   `yaml:"KV"`
}

// Pinger is implemented by backends that can check their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Open returns the configured backend. Each call owns its own resources,
// so the pruner and the signing path can hold independent pools.
func Open(ctx context.Context, logger *zap.Logger, opts Options) (slashingdb.Database, error) {
	switch opts.Type {
	case Postgres, "":
		db, err := postgres.Open(ctx, logger, opts.Postgres)
		if err != nil {
			return nil, err
		}
		return db, nil
	case Badger:
		kvOpts := opts.KV
		kvOpts.Ctx = ctx
		db, err := kv.New(logger, kvOpts)
		if err != nil {
			return nil, err
		}
		return kvstore.New(logger, db), nil
	case Pebble:
		db, err := pebble.New(logger, opts.KV)
		if err != nil {
			return nil, err
		}
		return kvstore.New(logger, db), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Type)
	}
}

// Exclusive reports whether the backend locks its files, so a process can
// only hold one handle to it.
func (o Options) Exclusive() bool {
	return o.Type == Badger || o.Type == Pebble
}
