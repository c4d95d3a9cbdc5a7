package kv

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging/fields"
)

// periodicallyCollectGarbage runs a QuickGC cycle every interval until the db is closed.
func (b *BadgerDB) periodicallyCollectGarbage(interval time.Duration) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(interval):
			start := time.Now()
			if err := b.QuickGC(b.ctx); err != nil {
				b.logger.Error("periodic GC cycle failed", zap.Error(err))
				continue
			}
			b.logger.Debug("periodic GC cycle completed", fields.Took(time.Since(start)))
		}
	}
}

// QuickGC runs a short garbage collection cycle to reclaim some unused disk space.
func (b *BadgerDB) QuickGC(ctx context.Context) error {
	return b.gc(ctx, 0.7)
}

// FullGC runs a long garbage collection cycle to reclaim (ideally) all unused disk space.
func (b *BadgerDB) FullGC(ctx context.Context) error {
	return b.gc(ctx, 0.1)
}

func (b *BadgerDB) gc(ctx context.Context, discardRatio float64) error {
	if b.inMemory {
		return nil
	}

	b.gcMutex.Lock()
	defer b.gcMutex.Unlock()

	for ctx.Err() == nil {
		err := b.db.RunValueLogGC(discardRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "failed to collect garbage")
		}
	}
	return nil
}
