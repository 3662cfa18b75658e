package constraints

import "go.uber.org/fx"

var Module = fx.Module("constraints",
	fx.Provide(NewSafetyChecker),
	fx.Provide(func(safety *SafetyChecker) Oracle {
		return NewChain(safety)
	}),
)
