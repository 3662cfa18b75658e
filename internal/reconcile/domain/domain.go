package domain

import (
	treatment "github.com/glucoloop/loopcore/internal/treatment/domain"
)

// MergeResult counts what one merge call did, bucketed for observability.
type MergeResult struct {
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Invalidated int `json:"invalidated"`
	Claimed     int `json:"claimed"`
	Shortened   int `json:"shortened"`
	Ended       int `json:"ended"`
}

func (r *MergeResult) Add(other MergeResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Invalidated += other.Invalidated
	r.Claimed += other.Claimed
	r.Shortened += other.Shortened
	r.Ended += other.Ended
}

func (r MergeResult) Empty() bool {
	return r == MergeResult{}
}

// Policy parameterizes the one generic merge algorithm per entity kind, so
// the six kinds cannot drift in behavior.
type Policy struct {
	// Interval marks kinds whose records span time; duration 0 then means
	// open-ended rather than instantaneous.
	Interval bool
	// DeviceSourced marks kinds whose records carry a pump-native identity.
	DeviceSourced bool
	// EndMarker marks kinds for which an incoming duration-0 record means
	// "the active interval just ended" rather than an open-ended start.
	EndMarker bool
	// ScaleAmount marks kinds whose amount is cumulative over the interval
	// and must be scaled by the elapsed fraction on early termination.
	ScaleAmount bool
	// TimestampTolerance is the fallback-match window in milliseconds;
	// 0 requires an exact timestamp match.
	TimestampTolerance int64
}

// Device-sourced kinds absorb up to a second of clock rounding between the
// pump's event time and the peer's; app-sourced kinds match exactly.
var policies = map[treatment.Kind]Policy{
	treatment.KindRunningMode: {
		Interval:      true,
		DeviceSourced: true,
	},
	treatment.KindExtendedBolus: {
		Interval:           true,
		DeviceSourced:      true,
		EndMarker:          true,
		ScaleAmount:        true,
		TimestampTolerance: 1000,
	},
	treatment.KindTemporaryBasal: {
		Interval:           true,
		DeviceSourced:      true,
		EndMarker:          true,
		TimestampTolerance: 1000,
	},
	treatment.KindTemporaryTarget: {
		Interval: true,
	},
	treatment.KindBolus: {
		DeviceSourced:      true,
		TimestampTolerance: 1000,
	},
	treatment.KindCarbs: {},
}

func PolicyFor(kind treatment.Kind) (Policy, bool) {
	policy, ok := policies[kind]
	return policy, ok
}
