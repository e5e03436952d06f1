package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PolicyConfig carries the business policy knobs that product owners tune
// without a redeploy. The same maxAgeDays value drives both the dispatch
// freshness skip rule and the janitor's aged-pending sweep; the previous
// system had diverging thresholds per call site and that divergence was a
// recurring source of support tickets.
type PolicyConfig struct {
	// MaxAgeDays is the consent freshness window in business days.
	MaxAgeDays int `mapstructure:"maxAgeDays"`
	// MaxBatchSize caps how many records go into one registry batch request.
	MaxBatchSize int `mapstructure:"maxBatchSize"`
	// DefaultHaltSeconds is the cool-down applied when the registry rate
	// limits us without a Retry-After hint.
	DefaultHaltSeconds int `mapstructure:"defaultHaltSeconds"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MaxAgeDays:         3,
		MaxBatchSize:       100,
		DefaultHaltSeconds: 300,
	}
}

// PolicyHolder exposes the current policy with hot reload from policy.yml.
type PolicyHolder struct {
	current atomic.Value // holds PolicyConfig
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/consentflow/config") // Volume-mounted config
	v.AddConfigPath("/etc/consentflow")            // System config
	v.AddConfigPath(".")                           // Current directory (dev mode)

	v.SetEnvPrefix("CONSENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicyConfig()
	v.SetDefault("policy.maxAgeDays", defaults.MaxAgeDays)
	v.SetDefault("policy.maxBatchSize", defaults.MaxBatchSize)
	v.SetDefault("policy.defaultHaltSeconds", defaults.DefaultHaltSeconds)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg PolicyConfig
	if err := v.UnmarshalKey("policy", &cfg); err != nil {
		return nil, err
	}
	if err := validatePolicyConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PolicyConfig
		if err := v.UnmarshalKey("policy", &updated); err != nil {
			log.Printf("[policy-config] reload failed: %v", err)
			return
		}
		if err := validatePolicyConfig(updated); err != nil {
			log.Printf("[policy-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[policy-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PolicyHolder) Get() PolicyConfig {
	return h.current.Load().(PolicyConfig)
}

// StaticPolicyHolder returns a holder pinned to cfg, for tests.
func StaticPolicyHolder(cfg PolicyConfig) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(cfg)
	return holder
}

func validatePolicyConfig(cfg PolicyConfig) error {
	if cfg.MaxAgeDays <= 0 {
		return errors.New("policy.maxAgeDays must be positive")
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > 100 {
		return errors.New("policy.maxBatchSize must be in 1..100")
	}
	if cfg.DefaultHaltSeconds <= 0 {
		return errors.New("policy.defaultHaltSeconds must be positive")
	}
	return nil
}
