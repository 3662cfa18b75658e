package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// SafetyConfig holds the user-adjustable dosing safety limits that feed the
// constraint oracle. It is loaded from safety.yml and hot-reloaded so that a
// settings change takes effect on the next loop cycle without a restart.
type SafetyConfig struct {
	// LoopEnabled is the master switch. When false, loop invocation is denied
	// and the decision engine forces DISABLED_LOOP.
	LoopEnabled bool `mapstructure:"loopEnabled"`
	// ClosedLoopEnabled gates automated dosing. When false the engine may
	// still run open loop (suggestions only).
	ClosedLoopEnabled bool `mapstructure:"closedLoopEnabled"`
	// LgsOnly restricts closed loop to low-glucose-suspend behavior.
	LgsOnly bool `mapstructure:"lgsOnly"`
	// MaxIOB is the insulin-on-board ceiling in units. Zero IOB headroom is
	// treated by the oracle as an LGS forcing condition.
	MaxIOB float64 `mapstructure:"maxIOB"`
	// MaxBasalRate is the absolute temp basal ceiling in U/h.
	MaxBasalRate float64 `mapstructure:"maxBasalRate"`
}

func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		LoopEnabled:       true,
		ClosedLoopEnabled: true,
		LgsOnly:           false,
		MaxIOB:            7.0,
		MaxBasalRate:      25.0,
	}
}

// SafetyHolder exposes the current safety limits behind an atomic so the
// constraint oracle reads a consistent snapshot per evaluation.
type SafetyHolder struct {
	current atomic.Value // holds SafetyConfig
}

func NewSafetyHolder() (*SafetyHolder, error) {
	v := viper.New()

	v.SetConfigName("safety")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/loopcore/config")
	v.AddConfigPath("/etc/loopcore")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LOOPCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultSafetyConfig()
		v.SetDefault("safety.loopEnabled", defaults.LoopEnabled)
		v.SetDefault("safety.closedLoopEnabled", defaults.ClosedLoopEnabled)
		v.SetDefault("safety.lgsOnly", defaults.LgsOnly)
		v.SetDefault("safety.maxIOB", defaults.MaxIOB)
		v.SetDefault("safety.maxBasalRate", defaults.MaxBasalRate)
	}

	var cfg SafetyConfig
	if err := v.UnmarshalKey("safety", &cfg); err != nil {
		return nil, err
	}
	if err := validateSafetyConfig(cfg); err != nil {
		return nil, err
	}

	holder := &SafetyHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated SafetyConfig
		if err := v.UnmarshalKey("safety", &updated); err != nil {
			log.Printf("[safety-config] reload failed: %v", err)
			return
		}
		if err := validateSafetyConfig(updated); err != nil {
			log.Printf("[safety-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[safety-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticSafetyHolder returns a holder with fixed limits and no file
// watching. Used by tests and embedded setups without a config directory.
func NewStaticSafetyHolder(cfg SafetyConfig) (*SafetyHolder, error) {
	if err := validateSafetyConfig(cfg); err != nil {
		return nil, err
	}
	holder := &SafetyHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *SafetyHolder) Get() SafetyConfig {
	return h.current.Load().(SafetyConfig)
}

// Set replaces the current limits. Used by tests and by settings imports.
func (h *SafetyHolder) Set(cfg SafetyConfig) error {
	if err := validateSafetyConfig(cfg); err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}

func validateSafetyConfig(cfg SafetyConfig) error {
	if cfg.MaxIOB < 0 {
		return errors.New("maxIOB must not be negative")
	}
	if cfg.MaxBasalRate < 0 {
		return errors.New("maxBasalRate must not be negative")
	}
	return nil
}
