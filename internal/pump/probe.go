// Package pump exposes the slice of pump driver state the decision engine
// needs. The bit-level pump protocols live in the driver processes; they
// report state changes through StatusProbe.
package pump

import (
	"sync/atomic"

	"go.uber.org/fx"
)

// Probe reports whether the physical pump is currently self-suspended.
type Probe interface {
	IsSuspended() bool
}

// StatusProbe is the mutable probe the driver layer feeds.
type StatusProbe struct {
	suspended atomic.Bool
}

func NewStatusProbe() *StatusProbe {
	return &StatusProbe{}
}

func (p *StatusProbe) IsSuspended() bool {
	return p.suspended.Load()
}

func (p *StatusProbe) SetSuspended(suspended bool) {
	p.suspended.Store(suspended)
}

var Module = fx.Module("pump",
	fx.Provide(NewStatusProbe),
	fx.Provide(func(p *StatusProbe) Probe { return p }),
)

var _ Probe = (*StatusProbe)(nil)
