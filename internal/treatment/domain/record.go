package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Kind identifies one treatment entity family. All kinds share the Record
// shape; interval kinds additionally carry a meaningful duration.
type Kind string

const (
	KindRunningMode     Kind = "running_mode"
	KindExtendedBolus   Kind = "extended_bolus"
	KindTemporaryBasal  Kind = "temporary_basal"
	KindTemporaryTarget Kind = "temporary_target"
	KindBolus           Kind = "bolus"
	KindCarbs           Kind = "carbs"
)

// Kinds lists every entity kind, in the order used for lock allocation and
// sync application.
var Kinds = []Kind{
	KindRunningMode,
	KindExtendedBolus,
	KindTemporaryBasal,
	KindTemporaryTarget,
	KindBolus,
	KindCarbs,
}

// Mode is the operating mode carried by running-mode records.
type Mode string

const (
	ModeDisabledLoop     Mode = "DISABLED_LOOP"
	ModeOpenLoop         Mode = "OPEN_LOOP"
	ModeClosedLoop       Mode = "CLOSED_LOOP"
	ModeClosedLoopLGS    Mode = "CLOSED_LOOP_LGS"
	ModeSuspendedByUser  Mode = "SUSPENDED_BY_USER"
	ModeSuspendedByPump  Mode = "SUSPENDED_BY_PUMP"
	ModeDisconnectedPump Mode = "DISCONNECTED_PUMP"
	ModeSuperBolus       Mode = "SUPER_BOLUS"

	// ModeResume is an input action only. It is never stored; handling it
	// ends the active suspension and restores the preceding mode.
	ModeResume Mode = "RESUME"
)

// Looping reports whether the mode runs loop calculations.
func (m Mode) Looping() bool {
	switch m {
	case ModeOpenLoop, ModeClosedLoop, ModeClosedLoopLGS:
		return true
	default:
		return false
	}
}

// Suspended reports whether the mode halts insulin delivery entirely.
func (m Mode) Suspended() bool {
	switch m {
	case ModeSuspendedByUser, ModeSuspendedByPump, ModeDisconnectedPump:
		return true
	default:
		return false
	}
}

// Storable reports whether the mode may appear on a stored record.
func (m Mode) Storable() bool {
	switch m {
	case ModeDisabledLoop, ModeOpenLoop, ModeClosedLoop, ModeClosedLoopLGS,
		ModeSuspendedByUser, ModeSuspendedByPump, ModeDisconnectedPump, ModeSuperBolus:
		return true
	default:
		return false
	}
}

// NativeTuple is the identity a physical pump assigns to an event it
// generated. It is stable across restarts and independent of the sync peer.
type NativeTuple struct {
	PumpID     int64  `json:"pump_id"`
	PumpType   string `json:"pump_type"`
	PumpSerial string `json:"pump_serial"`
}

func (t NativeTuple) Populated() bool {
	return t.PumpID != 0 && t.PumpType != "" && t.PumpSerial != ""
}

// Record is one time-boxed treatment entry. Non-interval kinds (bolus, carbs)
// are the degenerate case with Duration always 0.
type Record struct {
	ID   snowflake.ID `gorm:"primaryKey" json:"id"`
	Kind Kind         `gorm:"not null;index:idx_treatments_kind_ts,priority:1;uniqueIndex:idx_treatments_kind_remote,priority:1" json:"kind"`

	// Timestamp is the start instant in milliseconds since epoch. Duration 0
	// means instantaneous for non-interval kinds or open-ended for interval
	// kinds.
	Timestamp int64 `gorm:"not null;index:idx_treatments_kind_ts,priority:2" json:"timestamp"`
	Duration  int64 `gorm:"not null;default:0" json:"duration"`

	// IsValid is a one-way latch: once false it never returns to true.
	IsValid bool `gorm:"not null;default:true" json:"is_valid"`

	// Mode is set on running-mode records only.
	Mode Mode `gorm:"column:mode" json:"mode,omitempty"`

	// AutoForced marks intervals the decision engine wrote itself to
	// reconcile a constraint or hardware disagreement; Reasons carries the
	// human-readable justification in that case.
	AutoForced bool   `gorm:"not null;default:false" json:"auto_forced"`
	Reasons    string `gorm:"column:reasons" json:"reasons,omitempty"`

	// RemoteID is assigned by the sync peer once it accepts the record. At
	// most one record per kind may hold a given remote id.
	RemoteID *string `gorm:"column:remote_id;uniqueIndex:idx_treatments_kind_remote,priority:2" json:"remote_id,omitempty"`

	// Pump-native identity, populated on device-sourced records.
	PumpID     int64  `gorm:"column:pump_id;index:idx_treatments_pump,priority:1" json:"pump_id,omitempty"`
	PumpType   string `gorm:"column:pump_type;index:idx_treatments_pump,priority:2" json:"pump_type,omitempty"`
	PumpSerial string `gorm:"column:pump_serial;index:idx_treatments_pump,priority:3" json:"pump_serial,omitempty"`

	// Amount is insulin units for bolus kinds or grams for carbs. Rate is
	// the temporary basal rate. Targets bound a temporary target range.
	Amount     float64 `gorm:"not null;default:0" json:"amount"`
	Rate       float64 `gorm:"not null;default:0" json:"rate"`
	TargetLow  float64 `gorm:"not null;default:0" json:"target_low"`
	TargetHigh float64 `gorm:"not null;default:0" json:"target_high"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Record) TableName() string { return "treatments" }

// NativeTuple returns the pump-native identity of the record.
func (r *Record) NativeTuple() NativeTuple {
	return NativeTuple{PumpID: r.PumpID, PumpType: r.PumpType, PumpSerial: r.PumpSerial}
}

// End returns the end instant in milliseconds, or 0 for open-ended records.
func (r *Record) End() int64 {
	if r.Duration == 0 {
		return 0
	}
	return r.Timestamp + r.Duration
}

// ActiveAt reports whether the record covers the given instant. Open-ended
// interval records (Duration 0) are active from their timestamp onward.
func (r *Record) ActiveAt(at int64) bool {
	if !r.IsValid || r.Timestamp > at {
		return false
	}
	return r.Duration == 0 || r.Timestamp+r.Duration > at
}
