package constraints

import "github.com/glucoloop/loopcore/internal/config"

// SafetyChecker derives constraint answers from the hot-reloadable safety
// limits.
type SafetyChecker struct {
	safety *config.SafetyHolder
}

func NewSafetyChecker(safety *config.SafetyHolder) *SafetyChecker {
	return &SafetyChecker{safety: safety}
}

func (c *SafetyChecker) ConstrainLoopInvocation(v *Verdict) {
	if !c.safety.Get().LoopEnabled {
		v.Deny("loop disabled in safety settings")
	}
}

func (c *SafetyChecker) ConstrainClosedLoop(v *Verdict) {
	cfg := c.safety.Get()
	if !cfg.LoopEnabled {
		v.Deny("loop disabled in safety settings")
		return
	}
	if !cfg.ClosedLoopEnabled {
		v.Deny("closed loop disabled in safety settings")
	}
	if cfg.MaxIOB <= 0 {
		v.Deny("maxIOB is zero")
	}
}

func (c *SafetyChecker) ForceLGS(v *Verdict) {
	cfg := c.safety.Get()
	if cfg.LgsOnly {
		v.Force("low glucose suspend only mode enabled")
	}
	if cfg.MaxIOB <= 0 {
		v.Force("maxIOB is zero")
	}
}

var _ Checker = (*SafetyChecker)(nil)
