package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EngineConfig tunes how the balance engine selects and drains entitlements.
type EngineConfig struct {
	ReverseDeductionOrder   bool          `mapstructure:"reverseDeductionOrder"`
	InStatuses              []string      `mapstructure:"inStatuses"`
	DefaultOverageBehaviour string        `mapstructure:"defaultOverageBehaviour"`
	DeductionTimeout        time.Duration `mapstructure:"deductionTimeout"`
	CustomerNotFoundRetries int           `mapstructure:"customerNotFoundRetries"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ReverseDeductionOrder:   false,
		InStatuses:              []string{"active", "past_due", "scheduled"},
		DefaultOverageBehaviour: "cap",
		DeductionTimeout:        5 * time.Second,
		CustomerNotFoundRetries: 1,
	}
}

type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

// NewStaticEngineConfigHolder pins a fixed config, mostly for tests.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewEngineConfigHolder(log *zap.Logger) (*EngineConfigHolder, error) {
	log = log.Named("config.engine")
	v := viper.New()

	v.SetConfigName("engine")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/entitlements")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENTITLEMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEngineConfig()
	v.SetDefault("engine.reverseDeductionOrder", defaults.ReverseDeductionOrder)
	v.SetDefault("engine.inStatuses", defaults.InStatuses)
	v.SetDefault("engine.defaultOverageBehaviour", defaults.DefaultOverageBehaviour)
	v.SetDefault("engine.deductionTimeout", defaults.DeductionTimeout)
	v.SetDefault("engine.customerNotFoundRetries", defaults.CustomerNotFoundRetries)

	configLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		configLoaded = false
	}

	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return nil, err
	}
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticEngineConfigHolder(cfg)
	if !configLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EngineConfig
		if err := v.UnmarshalKey("engine", &updated); err != nil {
			log.Warn("engine config reload failed", zap.Error(err))
			return
		}
		if err := validateEngineConfig(updated); err != nil {
			log.Warn("invalid engine config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("engine config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *EngineConfigHolder) Get() EngineConfig {
	if h == nil {
		return DefaultEngineConfig()
	}
	cfg, ok := h.current.Load().(EngineConfig)
	if !ok {
		return DefaultEngineConfig()
	}
	return cfg
}

func validateEngineConfig(cfg EngineConfig) error {
	if len(cfg.InStatuses) == 0 {
		return errors.New("engine.inStatuses cannot be empty")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.DefaultOverageBehaviour)) {
	case "cap", "reject", "allow":
	default:
		return errors.New("engine.defaultOverageBehaviour must be one of cap, reject, allow")
	}
	if cfg.DeductionTimeout < 0 {
		return errors.New("engine.deductionTimeout cannot be negative")
	}
	if cfg.CustomerNotFoundRetries < 0 {
		return errors.New("engine.customerNotFoundRetries cannot be negative")
	}
	return nil
}
