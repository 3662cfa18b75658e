package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/glucoloop/loopcore/internal/clock"
	"github.com/glucoloop/loopcore/internal/config"
	"github.com/glucoloop/loopcore/internal/observability/metrics"
	"github.com/glucoloop/loopcore/internal/reconcile/domain"
	treatment "github.com/glucoloop/loopcore/internal/treatment/domain"
	"github.com/glucoloop/loopcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Config  config.Config
	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Locks   *treatment.KindLocks
	Repo    treatment.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

// Service merges externally-sourced record batches into the local treatment
// log: no duplicates, no resurrected invalidations, no lengthened intervals.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	locks   *treatment.KindLocks
	repo    treatment.Repository
	metrics *metrics.Metrics

	// clientMode permits remote edits of local records.
	clientMode bool
}

func New(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconcile.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		locks:      p.Locks,
		repo:       p.Repo,
		metrics:    p.Metrics,
		clientMode: p.Config.SyncClientMode,
	}
}

// Merge applies one batch of remote records for a single kind, strictly in
// the order supplied by the peer: later records may depend on earlier ones
// already being committed (an ending event for a record the same batch just
// inserted).
func (s *Service) Merge(ctx context.Context, kind treatment.Kind, batch []treatment.Record) (domain.MergeResult, error) {
	policy, ok := domain.PolicyFor(kind)
	if !ok {
		return domain.MergeResult{}, fmt.Errorf("%w: %q", treatment.ErrInvalidKind, kind)
	}

	var result domain.MergeResult
	if len(batch) == 0 {
		return result, nil
	}

	unlock := s.locks.Lock(kind)
	defer unlock()

	for i := range batch {
		incoming := batch[i]
		if incoming.Kind == "" {
			incoming.Kind = kind
		}
		if incoming.Kind != kind {
			return result, fmt.Errorf("%w: batch for %q carries record of kind %q",
				treatment.ErrInvalidRecord, kind, incoming.Kind)
		}
		if incoming.Amount < 0 || incoming.Rate < 0 || incoming.Duration < 0 {
			return result, fmt.Errorf("%w: negative amount, rate or duration", treatment.ErrInvalidRecord)
		}
		// An empty remote id means the peer has not assigned one; storing the
		// empty string would block a later claim of the real id.
		if incoming.RemoteID != nil && *incoming.RemoteID == "" {
			incoming.RemoteID = nil
		}
		if err := s.applyOne(ctx, kind, policy, &incoming, &result); err != nil {
			return result, err
		}
	}

	s.metrics.RecordMerge(ctx, string(kind),
		result.Inserted, result.Updated, result.Invalidated,
		result.Claimed, result.Shortened, result.Ended)
	if !result.Empty() {
		s.log.Info("merged remote batch",
			zap.String("kind", string(kind)),
			zap.Int("batch_size", len(batch)),
			zap.Int("inserted", result.Inserted),
			zap.Int("updated", result.Updated),
			zap.Int("invalidated", result.Invalidated),
			zap.Int("claimed", result.Claimed),
			zap.Int("shortened", result.Shortened),
			zap.Int("ended", result.Ended),
		)
	}
	return result, nil
}

func (s *Service) applyOne(ctx context.Context, kind treatment.Kind, policy domain.Policy, r *treatment.Record, result *domain.MergeResult) error {
	// Remote-id match: the peer already knows this record.
	if r.RemoteID != nil {
		current, err := s.repo.FindByRemoteID(ctx, s.db, kind, *r.RemoteID)
		if err != nil {
			return err
		}
		if current != nil {
			return s.updateMatched(ctx, policy, current, r, result)
		}
	}

	// Native-id match: a record this device generated, echoed back with the
	// peer's id attached. Primary dedup path for device-sourced kinds.
	if policy.DeviceSourced && r.NativeTuple().Populated() {
		existing, err := s.repo.FindByNativeTuple(ctx, s.db, kind, r.NativeTuple())
		if err != nil {
			return err
		}
		if existing != nil {
			return s.claimAndCopy(ctx, existing, r, result)
		}
	}

	// Ending event: duration 0 on an end-marker kind closes the interval
	// active at its timestamp.
	if policy.EndMarker && r.Duration == 0 {
		return s.endActive(ctx, kind, policy, r.Timestamp, result)
	}

	// Timestamp fallback: same real-world event recorded independently.
	found, err := s.repo.FindByTimestamp(ctx, s.db, kind, r.Timestamp, policy.TimestampTolerance)
	if err != nil {
		return err
	}
	if found != nil && found.RemoteID == nil {
		return s.claimAndCopy(ctx, found, r, result)
	}

	return s.insertFresh(ctx, kind, policy, r, result)
}

// updateMatched applies remote edits to a record matched by remote id.
// Invalidation is a one-way latch; durations may only shrink, and only when
// the local policy accepts remote edits at all.
func (s *Service) updateMatched(ctx context.Context, policy domain.Policy, current, r *treatment.Record, result *domain.MergeResult) error {
	changed := false

	if current.IsValid && !r.IsValid {
		current.IsValid = false
		result.Invalidated++
		changed = true
	}

	if s.clientMode && policy.Interval && r.Duration > 0 &&
		(current.Duration == 0 || r.Duration < current.Duration) {
		current.Duration = r.Duration
		current.Amount = r.Amount
		current.Rate = r.Rate
		current.TargetLow = r.TargetLow
		current.TargetHigh = r.TargetHigh
		result.Shortened++
		changed = true
	}

	if !changed {
		return nil
	}
	return s.mustUpdate(ctx, current)
}

// claimAndCopy attaches the peer's id to a local record that had none and
// copies validity and amount fields across.
func (s *Service) claimAndCopy(ctx context.Context, existing, r *treatment.Record, result *domain.MergeResult) error {
	changed := false

	if existing.RemoteID == nil && r.RemoteID != nil {
		existing.RemoteID = r.RemoteID
		result.Claimed++
		changed = true
	}
	if existing.IsValid && !r.IsValid {
		existing.IsValid = false
		result.Invalidated++
		changed = true
	}
	if existing.Amount != r.Amount || existing.Rate != r.Rate ||
		existing.TargetLow != r.TargetLow || existing.TargetHigh != r.TargetHigh {
		existing.Amount = r.Amount
		existing.Rate = r.Rate
		existing.TargetLow = r.TargetLow
		existing.TargetHigh = r.TargetHigh
		result.Updated++
		changed = true
	}

	if !changed {
		return nil
	}
	return s.mustUpdate(ctx, existing)
}

// endActive closes the interval active at the given instant, scaling a
// cumulative amount down to the fraction actually delivered. Ending an
// already-ended interval is a no-op.
func (s *Service) endActive(ctx context.Context, kind treatment.Kind, policy domain.Policy, at int64, result *domain.MergeResult) error {
	active, err := s.repo.FindActiveAt(ctx, s.db, kind, at)
	if err != nil {
		return err
	}
	if active == nil {
		s.log.Warn("ending event with no active interval",
			zap.String("kind", string(kind)),
			zap.Int64("timestamp", at),
		)
		return nil
	}
	return s.closeAt(ctx, policy, active, at, result)
}

func (s *Service) closeAt(ctx context.Context, policy domain.Policy, active *treatment.Record, at int64, result *domain.MergeResult) error {
	if active.Duration != 0 && active.End() <= at {
		return nil
	}

	realized := at - active.Timestamp
	if policy.ScaleAmount && active.Duration > 0 {
		fraction := float64(realized) / float64(active.Duration)
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}
		active.Amount *= fraction
	}
	if realized <= 0 {
		// A zero-length interval would read as open-ended; it carries no
		// delivery, so it is invalidated instead.
		active.IsValid = false
	} else {
		active.Duration = realized
	}
	result.Ended++
	return s.mustUpdate(ctx, active)
}

// insertFresh commits an incoming record under a new local identity. For
// interval kinds the record active at its timestamp is closed first: two
// genuinely overlapping intervals are never merged into one.
func (s *Service) insertFresh(ctx context.Context, kind treatment.Kind, policy domain.Policy, r *treatment.Record, result *domain.MergeResult) error {
	if policy.Interval {
		active, err := s.repo.FindActiveAt(ctx, s.db, kind, r.Timestamp)
		if err != nil {
			return err
		}
		if active != nil {
			if err := s.closeAt(ctx, policy, active, r.Timestamp, result); err != nil {
				return err
			}
		}
	}

	now := s.clock.Now()
	record := *r
	record.ID = s.genID.Generate()
	record.Kind = kind
	record.CreatedAt = now
	record.UpdatedAt = now
	if err := s.repo.Insert(ctx, s.db, &record); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return fmt.Errorf("%w: remote id already claimed for %q", treatment.ErrInvalidRecord, kind)
		}
		return err
	}
	result.Inserted++
	return nil
}

// mustUpdate writes back a record that was just fetched under the kind lock.
// Its disappearance mid-merge would mean a silent loss of a dosing-interval
// edit, so it fails loudly.
func (s *Service) mustUpdate(ctx context.Context, record *treatment.Record) error {
	record.UpdatedAt = s.clock.Now()
	err := s.repo.Update(ctx, s.db, record)
	if err == treatment.ErrNotFound {
		panic(fmt.Sprintf("reconcile: record %d vanished during merge", record.ID))
	}
	if db.IsDuplicateKeyErr(err) {
		return fmt.Errorf("%w: remote id already claimed for %q", treatment.ErrInvalidRecord, record.Kind)
	}
	return err
}
