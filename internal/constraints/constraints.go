// Package constraints answers the point-in-time safety questions the decision
// engine cross-checks the mode log against. Answers are assembled by running
// every registered checker over a verdict, so independent safety concerns
// cannot silently override each other.
package constraints

import "strings"

// Verdict is a boolean answer plus the human-readable justifications that
// produced it.
type Verdict struct {
	Value   bool
	Reasons []string
}

func (v *Verdict) Deny(reason string) {
	v.Value = false
	if reason != "" {
		v.Reasons = append(v.Reasons, reason)
	}
}

func (v *Verdict) Force(reason string) {
	v.Value = true
	if reason != "" {
		v.Reasons = append(v.Reasons, reason)
	}
}

func (v Verdict) Reason() string {
	return strings.Join(v.Reasons, "; ")
}

// Oracle is the contract the decision engine consumes.
type Oracle interface {
	// LoopInvocationAllowed reports whether the loop may run at all.
	LoopInvocationAllowed() Verdict
	// ClosedLoopAllowed reports whether automated dosing is permitted.
	ClosedLoopAllowed() Verdict
	// LgsForced reports whether closed loop is restricted to
	// low-glucose-suspend behavior.
	LgsForced() Verdict
}

// Checker is one safety concern contributing to the oracle's verdicts.
type Checker interface {
	ConstrainLoopInvocation(v *Verdict)
	ConstrainClosedLoop(v *Verdict)
	ForceLGS(v *Verdict)
}

// Chain evaluates every checker in registration order.
type Chain struct {
	checkers []Checker
}

func NewChain(checkers ...Checker) *Chain {
	return &Chain{checkers: checkers}
}

func (c *Chain) LoopInvocationAllowed() Verdict {
	v := Verdict{Value: true}
	for _, checker := range c.checkers {
		checker.ConstrainLoopInvocation(&v)
	}
	return v
}

func (c *Chain) ClosedLoopAllowed() Verdict {
	v := Verdict{Value: true}
	for _, checker := range c.checkers {
		checker.ConstrainClosedLoop(&v)
	}
	return v
}

func (c *Chain) LgsForced() Verdict {
	v := Verdict{Value: false}
	for _, checker := range c.checkers {
		checker.ForceLGS(&v)
	}
	return v
}

var _ Oracle = (*Chain)(nil)
