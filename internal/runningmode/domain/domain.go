package domain

import (
	"errors"
	"math"

	treatment "github.com/glucoloop/loopcore/internal/treatment/domain"
)

// ChangeSource identifies who initiated a transition.
type ChangeSource string

const (
	SourceUser       ChangeSource = "user"
	SourceRemote     ChangeSource = "remote"
	SourceAutomation ChangeSource = "automation"
	SourceEngine     ChangeSource = "engine"
)

// Profile is the handle to the currently loaded therapy profile. Mode changes
// are refused while no valid profile is active.
type Profile struct {
	Name  string
	Valid bool
}

// ChangeRequest describes one requested mode transition.
type ChangeRequest struct {
	Mode            treatment.Mode
	Action          string
	Source          ChangeSource
	DurationMinutes int
	Profile         Profile
}

// MinutesIndefinite is returned for suspensions without an end.
const MinutesIndefinite = math.MaxInt32

// Correction reasons written onto auto-forced intervals.
const (
	ReasonPumpSuspended    = "pump reported suspended"
	ReasonPumpResumed      = "pump resumed"
	ReasonLoopDenied       = "loop invocation denied"
	ReasonClosedLoopDenied = "closed loop denied"
	ReasonLgsForced        = "low glucose suspend forced"
	ReasonReverted         = "reverted"
	ReasonSuspendExpired   = "suspension expired"
)

// ErrPrecheckDiverged is returned when repeated correction passes cannot
// reach a stable mode. It indicates a cyclic constraint configuration and is
// a contract violation, not an operational condition.
var ErrPrecheckDiverged = errors.New("running-mode precheck did not converge")

// baseTransitions lists the legal next modes per current mode. Order is
// significant: the UI renders the options in exactly this order.
var baseTransitions = map[treatment.Mode][]treatment.Mode{
	treatment.ModeDisabledLoop: {
		treatment.ModeOpenLoop,
		treatment.ModeClosedLoop,
		treatment.ModeClosedLoopLGS,
		treatment.ModeDisconnectedPump,
		treatment.ModeSuspendedByUser,
	},
	treatment.ModeOpenLoop: {
		treatment.ModeDisabledLoop,
		treatment.ModeClosedLoop,
		treatment.ModeClosedLoopLGS,
		treatment.ModeDisconnectedPump,
		treatment.ModeSuspendedByUser,
		treatment.ModeSuperBolus,
	},
	treatment.ModeClosedLoop: {
		treatment.ModeDisabledLoop,
		treatment.ModeOpenLoop,
		treatment.ModeClosedLoopLGS,
		treatment.ModeDisconnectedPump,
		treatment.ModeSuspendedByUser,
		treatment.ModeSuperBolus,
	},
	treatment.ModeClosedLoopLGS: {
		treatment.ModeDisabledLoop,
		treatment.ModeOpenLoop,
		treatment.ModeClosedLoop,
		treatment.ModeDisconnectedPump,
		treatment.ModeSuspendedByUser,
		treatment.ModeSuperBolus,
	},
	// Re-suspending is allowed so the user can change the duration.
	treatment.ModeSuspendedByUser: {
		treatment.ModeDisconnectedPump,
		treatment.ModeResume,
		treatment.ModeSuspendedByUser,
	},
	// The pump owns its own suspension; no user transition until it resumes.
	treatment.ModeSuspendedByPump: {},
	treatment.ModeDisconnectedPump: {
		treatment.ModeResume,
	},
	treatment.ModeSuperBolus: {
		treatment.ModeResume,
	},
}

// BaseTransitions returns a copy of the ordered next-mode list for the mode.
func BaseTransitions(mode treatment.Mode) []treatment.Mode {
	base, ok := baseTransitions[mode]
	if !ok {
		return nil
	}
	out := make([]treatment.Mode, len(base))
	copy(out, base)
	return out
}
