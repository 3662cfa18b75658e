package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/glucoloop/loopcore/internal/audit/domain"
	"github.com/glucoloop/loopcore/internal/clock"
	"github.com/glucoloop/loopcore/internal/constraints"
	"github.com/glucoloop/loopcore/internal/observability/metrics"
	"github.com/glucoloop/loopcore/internal/pump"
	"github.com/glucoloop/loopcore/internal/runningmode/domain"
	treatment "github.com/glucoloop/loopcore/internal/treatment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxPrecheckPasses bounds the self-correction fixed point. Two corrections
// chained back to back (pump state, then a constraint) settle in three
// passes; anything beyond five means the constraint configuration cycles.
const maxPrecheckPasses = 5

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Locks   *treatment.KindLocks
	Repo    treatment.Repository
	Oracle  constraints.Oracle
	Pump    pump.Probe
	Audit   auditdomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

// Service derives the single authoritative running mode from the treatment
// log and keeps the log consistent with pump state and constraint verdicts.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	locks   *treatment.KindLocks
	repo    treatment.Repository
	oracle  constraints.Oracle
	pump    pump.Probe
	audit   auditdomain.Service
	metrics *metrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("runningmode.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		locks:   p.Locks,
		repo:    p.Repo,
		oracle:  p.Oracle,
		pump:    p.Pump,
		audit:   p.Audit,
		metrics: p.Metrics,
	}
}

// Current returns the mode active right now, after running the precheck.
// When no record is active the implied default is DISABLED_LOOP.
func (s *Service) Current(ctx context.Context) (treatment.Mode, *treatment.Record, error) {
	unlock := s.locks.Lock(treatment.KindRunningMode)
	defer unlock()
	return s.currentLocked(ctx, s.clock.Now().UnixMilli())
}

// AllowedNextModes returns the ordered list of legal transitions from the
// current mode, filtered by the constraint verdicts. Empty when no valid
// profile is loaded.
func (s *Service) AllowedNextModes(ctx context.Context, profile domain.Profile) ([]treatment.Mode, error) {
	if !profile.Valid {
		return nil, nil
	}
	unlock := s.locks.Lock(treatment.KindRunningMode)
	defer unlock()
	modes, _, err := s.allowedLocked(ctx, s.clock.Now().UnixMilli())
	return modes, err
}

// HandleModeChange applies a user/remote/automation transition. A request
// whose mode is not currently allowed is dropped with a warning and false:
// the user tapping a button just as it becomes disallowed is an expected
// race, not an error.
func (s *Service) HandleModeChange(ctx context.Context, req domain.ChangeRequest) (bool, error) {
	if !req.Profile.Valid {
		s.log.Warn("mode change refused, no valid profile",
			zap.String("mode", string(req.Mode)),
			zap.String("source", string(req.Source)),
		)
		return false, nil
	}

	unlock := s.locks.Lock(treatment.KindRunningMode)
	defer unlock()
	now := s.clock.Now().UnixMilli()

	allowed, active, err := s.allowedLocked(ctx, now)
	if err != nil {
		return false, err
	}
	if !containsMode(allowed, req.Mode) {
		s.log.Warn("mode change not allowed from current mode",
			zap.String("requested", string(req.Mode)),
			zap.String("source", string(req.Source)),
		)
		return false, nil
	}

	if req.Mode == treatment.ModeResume {
		return true, s.resumeLocked(ctx, now, active, req)
	}

	var duration int64
	if req.DurationMinutes > 0 {
		duration = int64(req.DurationMinutes) * 60_000
	}
	err = s.transition(ctx, now, active, transitionSpec{
		mode:     req.Mode,
		duration: duration,
		action:   req.Action,
		source:   string(req.Source),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// MinutesToEndOfSuspend returns the remaining whole minutes of the active
// suspension, MinutesIndefinite for an open-ended one, and 0 when the
// current mode is not a suspended kind.
func (s *Service) MinutesToEndOfSuspend(ctx context.Context) (int, error) {
	unlock := s.locks.Lock(treatment.KindRunningMode)
	defer unlock()
	now := s.clock.Now().UnixMilli()

	_, active, err := s.currentLocked(ctx, now)
	if err != nil {
		return 0, err
	}
	if active == nil || !active.Mode.Suspended() {
		return 0, nil
	}
	if active.Duration == 0 {
		return domain.MinutesIndefinite, nil
	}
	remaining := active.End() - now
	if remaining <= 0 {
		return 0, nil
	}
	return int((remaining + 59_999) / 60_000), nil
}

// currentLocked runs correction passes until the stored mode is consistent
// with pump state and constraints, then returns it. The pass count is
// bounded; exceeding it is a contract violation.
func (s *Service) currentLocked(ctx context.Context, now int64) (treatment.Mode, *treatment.Record, error) {
	for pass := 0; pass < maxPrecheckPasses; pass++ {
		changed, active, err := s.correctOnce(ctx, now)
		if err != nil {
			return "", nil, err
		}
		if changed {
			continue
		}
		if active == nil {
			return treatment.ModeDisabledLoop, nil, nil
		}
		return active.Mode, active, nil
	}
	return "", nil, domain.ErrPrecheckDiverged
}

// correctOnce applies at most one correction. The ordering encodes the
// precedence: pump hardware state first, then constraint denials, then
// reverts of stale auto-forced intervals.
func (s *Service) correctOnce(ctx context.Context, now int64) (bool, *treatment.Record, error) {
	active, err := s.repo.FindActiveAt(ctx, s.db, treatment.KindRunningMode, now)
	if err != nil {
		return false, nil, err
	}

	pumpSuspended := s.pump.IsSuspended()

	if active == nil {
		// The implied DISABLED_LOOP cannot stand while the hardware says
		// delivery is halted.
		if pumpSuspended {
			record := s.newRecord(now, 0, treatment.ModeSuspendedByPump, true, domain.ReasonPumpSuspended)
			if err := s.repo.Insert(ctx, s.db, record); err != nil {
				return false, nil, err
			}
			s.announce(ctx, "mode_auto_corrected", string(domain.SourceEngine), treatment.ModeSuspendedByPump, domain.ReasonPumpSuspended, true)
			return true, nil, nil
		}
		changed, err := s.revertExpiredSuspension(ctx, now)
		return changed, nil, err
	}

	loopV := s.oracle.LoopInvocationAllowed()
	closedV := s.oracle.ClosedLoopAllowed()
	lgsV := s.oracle.LgsForced()

	switch {
	case pumpSuspended && active.Mode != treatment.ModeSuspendedByPump:
		err = s.force(ctx, now, active, treatment.ModeSuspendedByPump, domain.ReasonPumpSuspended)

	case !pumpSuspended && active.Mode == treatment.ModeSuspendedByPump:
		target := s.precedingMode(ctx, active)
		err = s.force(ctx, now, active, target, domain.ReasonPumpResumed)

	case active.Mode.Looping() && !loopV.Value:
		err = s.force(ctx, now, active, treatment.ModeDisabledLoop, reasonOr(loopV, domain.ReasonLoopDenied))

	case (active.Mode == treatment.ModeClosedLoop || active.Mode == treatment.ModeClosedLoopLGS) && !closedV.Value:
		err = s.force(ctx, now, active, treatment.ModeOpenLoop, reasonOr(closedV, domain.ReasonClosedLoopDenied))

	case active.Mode == treatment.ModeClosedLoop && lgsV.Value:
		err = s.force(ctx, now, active, treatment.ModeClosedLoopLGS, reasonOr(lgsV, domain.ReasonLgsForced))

	case active.AutoForced && s.forcingCleared(active.Mode, loopV, closedV, lgsV):
		target, ok, rerr := s.revertTarget(ctx, active)
		if rerr != nil {
			return false, nil, rerr
		}
		if !ok {
			return false, active, nil
		}
		err = s.force(ctx, now, active, target, domain.ReasonReverted)

	default:
		return false, active, nil
	}

	if err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// revertExpiredSuspension restores the pre-suspension mode once a timed
// suspension or disconnection runs out, instead of silently falling back to
// the implied DISABLED_LOOP.
func (s *Service) revertExpiredSuspension(ctx context.Context, now int64) (bool, error) {
	latest, err := s.repo.FindLatestStartedBefore(ctx, s.db, treatment.KindRunningMode, now)
	if err != nil {
		return false, err
	}
	if latest == nil || !latest.Mode.Suspended() || latest.Duration == 0 || latest.End() > now {
		return false, nil
	}

	target := s.priorMode(ctx, latest)
	record := s.newRecord(latest.End(), 0, target, true, domain.ReasonSuspendExpired)
	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		return false, err
	}
	s.announce(ctx, "mode_auto_corrected", string(domain.SourceEngine), target, domain.ReasonSuspendExpired, true)
	return true, nil
}

// force ends the active interval at now and inserts an auto-forced
// replacement mode.
func (s *Service) force(ctx context.Context, now int64, active *treatment.Record, mode treatment.Mode, reason string) error {
	if err := s.endAt(ctx, active, now); err != nil {
		return err
	}
	record := s.newRecord(now, 0, mode, true, reason)
	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		return err
	}
	s.announce(ctx, "mode_auto_corrected", string(domain.SourceEngine), mode, reason, true)
	return nil
}

type transitionSpec struct {
	mode     treatment.Mode
	duration int64
	action   string
	source   string
}

// transition ends the active interval and inserts the user-chosen mode.
func (s *Service) transition(ctx context.Context, now int64, active *treatment.Record, change transitionSpec) error {
	if err := s.endAt(ctx, active, now); err != nil {
		return err
	}
	record := s.newRecord(now, change.duration, change.mode, false, "")
	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		return err
	}
	action := change.action
	if action == "" {
		action = "mode_change"
	}
	s.announce(ctx, action, change.source, change.mode, "", false)
	return nil
}

// resumeLocked ends the active suspension and restores the mode that was
// running before it.
func (s *Service) resumeLocked(ctx context.Context, now int64, active *treatment.Record, req domain.ChangeRequest) error {
	target := s.priorMode(ctx, active)
	if err := s.endAt(ctx, active, now); err != nil {
		return err
	}
	record := s.newRecord(now, 0, target, false, "")
	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		return err
	}
	action := req.Action
	if action == "" {
		action = "resume"
	}
	s.announce(ctx, action, string(req.Source), target, "", false)
	return nil
}

// endAt closes the record at the given instant, recording its realized
// duration. Ending an already-ended interval is a no-op, which makes
// repeated precheck calls at the same instant idempotent. A record closed in
// the same millisecond it started carries no information and is invalidated
// instead, since duration 0 would read as open-ended.
func (s *Service) endAt(ctx context.Context, record *treatment.Record, at int64) error {
	if record == nil {
		return nil
	}
	if record.Duration != 0 && record.End() <= at {
		return nil
	}
	realized := at - record.Timestamp
	if realized <= 0 {
		record.IsValid = false
	} else {
		record.Duration = realized
	}
	record.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, record); err != nil {
		if err == treatment.ErrNotFound {
			panic(fmt.Sprintf("runningmode: record %d vanished during correction", record.ID))
		}
		return err
	}
	return nil
}

// precedingMode reads the mode active immediately before the given record,
// including user suspensions and disconnections: a pump resume must not turn
// an explicit user suspension back into insulin delivery. Only a stale pump
// suspension is excluded, since restoring one against resumed hardware would
// immediately be corrected again. Fallback is DISABLED_LOOP.
func (s *Service) precedingMode(ctx context.Context, record *treatment.Record) treatment.Mode {
	if record == nil {
		return treatment.ModeDisabledLoop
	}
	prior, err := s.repo.FindLatestStartedBefore(ctx, s.db, treatment.KindRunningMode, record.Timestamp)
	if err != nil || prior == nil || !prior.Mode.Storable() || prior.Mode == treatment.ModeSuspendedByPump {
		return treatment.ModeDisabledLoop
	}
	return prior.Mode
}

// priorMode reads the mode active immediately before the given record.
// Suspended kinds are skipped so a user resume or an expired suspension
// never lands on another suspension; the fallback is DISABLED_LOOP.
func (s *Service) priorMode(ctx context.Context, record *treatment.Record) treatment.Mode {
	if record == nil {
		return treatment.ModeDisabledLoop
	}
	prior, err := s.repo.FindLatestStartedBefore(ctx, s.db, treatment.KindRunningMode, record.Timestamp)
	if err != nil || prior == nil || !prior.Mode.Storable() || prior.Mode.Suspended() {
		return treatment.ModeDisabledLoop
	}
	return prior.Mode
}

// forcingCleared reports whether the condition that produced an auto-forced
// mode no longer holds.
func (s *Service) forcingCleared(mode treatment.Mode, loopV, closedV, lgsV constraints.Verdict) bool {
	switch mode {
	case treatment.ModeDisabledLoop:
		return loopV.Value
	case treatment.ModeOpenLoop:
		return closedV.Value
	case treatment.ModeClosedLoopLGS:
		return !lgsV.Value && closedV.Value
	default:
		return false
	}
}

// revertTarget resolves where a stale auto-forced interval should revert to.
// The prior mode must be one the forcing could have downgraded from;
// otherwise a revert followed by a fresh forcing would oscillate forever.
func (s *Service) revertTarget(ctx context.Context, active *treatment.Record) (treatment.Mode, bool, error) {
	prior, err := s.repo.FindLatestStartedBefore(ctx, s.db, treatment.KindRunningMode, active.Timestamp)
	if err != nil {
		return "", false, err
	}
	if prior == nil || !revertAdmissible(active.Mode, prior.Mode) {
		return "", false, nil
	}
	return prior.Mode, true, nil
}

func revertAdmissible(forced, prior treatment.Mode) bool {
	switch forced {
	case treatment.ModeDisabledLoop:
		return prior.Looping()
	case treatment.ModeOpenLoop:
		return prior == treatment.ModeClosedLoop || prior == treatment.ModeClosedLoopLGS
	case treatment.ModeClosedLoopLGS:
		return prior == treatment.ModeClosedLoop
	default:
		return false
	}
}

func (s *Service) allowedLocked(ctx context.Context, now int64) ([]treatment.Mode, *treatment.Record, error) {
	mode, active, err := s.currentLocked(ctx, now)
	if err != nil {
		return nil, nil, err
	}

	loopV := s.oracle.LoopInvocationAllowed()
	closedV := s.oracle.ClosedLoopAllowed()
	lgsV := s.oracle.LgsForced()

	base := domain.BaseTransitions(mode)
	filtered := make([]treatment.Mode, 0, len(base))
	for _, candidate := range base {
		if candidate.Looping() && !loopV.Value {
			continue
		}
		if candidate == treatment.ModeClosedLoop && !closedV.Value {
			continue
		}
		if candidate == treatment.ModeClosedLoopLGS && !closedV.Value && !lgsV.Value {
			continue
		}
		filtered = append(filtered, candidate)
	}
	return filtered, active, nil
}

func (s *Service) newRecord(ts, duration int64, mode treatment.Mode, autoForced bool, reason string) *treatment.Record {
	now := s.clock.Now()
	return &treatment.Record{
		ID:         s.genID.Generate(),
		Kind:       treatment.KindRunningMode,
		Timestamp:  ts,
		Duration:   duration,
		IsValid:    true,
		Mode:       mode,
		AutoForced: autoForced,
		Reasons:    reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// announce emits the audit event and metrics for a transition. Audit
// failures are logged, not propagated: losing an audit row must not abort a
// safety correction.
func (s *Service) announce(ctx context.Context, action, source string, mode treatment.Mode, reason string, autoForced bool) {
	metadata := map[string]any{}
	if reason != "" {
		metadata["reasons"] = reason
	}
	if err := s.audit.Record(ctx, action, source, string(mode), metadata); err != nil {
		s.log.Error("audit write failed", zap.Error(err), zap.String("action", action))
	}
	s.metrics.RecordTransition(ctx, string(mode), source, autoForced)
	s.log.Info("mode transition",
		zap.String("mode", string(mode)),
		zap.String("source", source),
		zap.Bool("auto_forced", autoForced),
		zap.String("reasons", reason),
	)
}

func reasonOr(v constraints.Verdict, def string) string {
	if r := v.Reason(); r != "" {
		return r
	}
	return def
}

func containsMode(modes []treatment.Mode, mode treatment.Mode) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
