package peersync

import (
	"context"
	"fmt"
	"time"

	"github.com/glucoloop/loopcore/internal/config"
	reconcile "github.com/glucoloop/loopcore/internal/reconcile/domain"
	reconcilesvc "github.com/glucoloop/loopcore/internal/reconcile/service"
	treatment "github.com/glucoloop/loopcore/internal/treatment/domain"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultChunkSize = 500

type Params struct {
	fx.In

	Config    config.Config
	Log       *zap.Logger
	Reconcile *reconcilesvc.Service
}

// Applier feeds large remote batches into the reconciliation engine in
// bounded chunks, so one sync of a long history neither holds the kind lock
// for minutes nor starves interactive mode changes.
type Applier struct {
	log       *zap.Logger
	reconcile *reconcilesvc.Service

	chunkSize  int
	chunkPause time.Duration
}

func New(p Params) *Applier {
	size := p.Config.SyncChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	return &Applier{
		log:        p.Log.Named("peersync"),
		reconcile:  p.Reconcile,
		chunkSize:  size,
		chunkPause: p.Config.SyncChunkPause,
	}
}

// Apply merges one ordered batch for a single kind. Chunks are applied
// strictly in order; a failure mid-batch returns the counts of everything
// already committed alongside the error.
func (a *Applier) Apply(ctx context.Context, kind treatment.Kind, batch []treatment.Record) (reconcile.MergeResult, error) {
	var total reconcile.MergeResult
	if len(batch) == 0 {
		return total, nil
	}

	batchID := uuid.NewString()
	log := a.log.With(
		zap.String("batch_id", batchID),
		zap.String("kind", string(kind)),
		zap.Int("records", len(batch)),
	)
	log.Info("applying remote batch")

	for offset := 0; offset < len(batch); offset += a.chunkSize {
		end := offset + a.chunkSize
		if end > len(batch) {
			end = len(batch)
		}

		partial, err := a.reconcile.Merge(ctx, kind, batch[offset:end])
		total.Add(partial)
		if err != nil {
			return total, fmt.Errorf("chunk at offset %d: %w", offset, err)
		}

		if end < len(batch) && a.chunkPause > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(a.chunkPause):
			}
		}
	}

	log.Info("remote batch applied",
		zap.Int("inserted", total.Inserted),
		zap.Int("updated", total.Updated),
		zap.Int("invalidated", total.Invalidated),
		zap.Int("claimed", total.Claimed),
		zap.Int("shortened", total.Shortened),
		zap.Int("ended", total.Ended),
	)
	return total, nil
}

var Module = fx.Module("peersync",
	fx.Provide(New),
)
