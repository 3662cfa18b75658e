package constraints

import (
	"testing"

	"github.com/glucoloop/loopcore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOracle(t *testing.T, cfg config.SafetyConfig) Oracle {
	t.Helper()
	holder, err := config.NewStaticSafetyHolder(cfg)
	require.NoError(t, err)
	return NewChain(NewSafetyChecker(holder))
}

func TestDefaultsAllowEverything(t *testing.T) {
	oracle := newOracle(t, config.DefaultSafetyConfig())

	assert.True(t, oracle.LoopInvocationAllowed().Value)
	assert.True(t, oracle.ClosedLoopAllowed().Value)
	assert.False(t, oracle.LgsForced().Value)
}

func TestLoopDisabledDeniesBoth(t *testing.T) {
	cfg := config.DefaultSafetyConfig()
	cfg.LoopEnabled = false
	oracle := newOracle(t, cfg)

	loop := oracle.LoopInvocationAllowed()
	assert.False(t, loop.Value)
	assert.NotEmpty(t, loop.Reason())
	assert.False(t, oracle.ClosedLoopAllowed().Value)
}

func TestClosedLoopDisabledKeepsOpenLoop(t *testing.T) {
	cfg := config.DefaultSafetyConfig()
	cfg.ClosedLoopEnabled = false
	oracle := newOracle(t, cfg)

	assert.True(t, oracle.LoopInvocationAllowed().Value)
	assert.False(t, oracle.ClosedLoopAllowed().Value)
}

func TestZeroMaxIOBForcesLgs(t *testing.T) {
	cfg := config.DefaultSafetyConfig()
	cfg.MaxIOB = 0
	oracle := newOracle(t, cfg)

	assert.False(t, oracle.ClosedLoopAllowed().Value)
	lgs := oracle.LgsForced()
	assert.True(t, lgs.Value)
	assert.NotEmpty(t, lgs.Reason())
}

func TestLgsOnlyForces(t *testing.T) {
	cfg := config.DefaultSafetyConfig()
	cfg.LgsOnly = true
	oracle := newOracle(t, cfg)

	assert.True(t, oracle.ClosedLoopAllowed().Value)
	assert.True(t, oracle.LgsForced().Value)
}
