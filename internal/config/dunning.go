package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DunningConfig is the operator-level fallback for billing schedules that do
// not carry their own retry ladder.
type DunningConfig struct {
	// RetrySchedule is the day offsets between payment retries, e.g.
	// [1, 3, 5]. Its length is the maximum number of retries.
	RetrySchedule []int `mapstructure:"retrySchedule"`
	// UnpaidSubscriptionState is the terminal policy applied after the
	// ladder is exhausted: "canceled" or "active".
	UnpaidSubscriptionState string `mapstructure:"unpaidSubscriptionState"`
}

func DefaultDunningConfig() DunningConfig {
	return DunningConfig{
		RetrySchedule:           []int{1, 3, 5},
		UnpaidSubscriptionState: "canceled",
	}
}

// DunningConfigHolder serves the current dunning defaults and swaps them in
// place when the config file changes on disk.
type DunningConfigHolder struct {
	current atomic.Value // holds DunningConfig
}

func NewDunningConfigHolder() (*DunningConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("dunning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/rebill/config") // Volume-mounted config
	v.AddConfigPath("/etc/rebill")            // System config
	v.AddConfigPath(".")                      // Current directory (dev mode)

	v.SetEnvPrefix("REBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultDunningConfig()
		v.SetDefault("dunning.retrySchedule", defaults.RetrySchedule)
		v.SetDefault("dunning.unpaidSubscriptionState", defaults.UnpaidSubscriptionState)
	}

	var cfg DunningConfig
	if err := v.UnmarshalKey("dunning", &cfg); err != nil {
		return nil, err
	}
	if err := validateDunningConfig(cfg); err != nil {
		return nil, err
	}

	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DunningConfig
		if err := v.UnmarshalKey("dunning", &updated); err != nil {
			log.Printf("[dunning-config] reload failed: %v", err)
			return
		}
		if err := validateDunningConfig(updated); err != nil {
			log.Printf("[dunning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[dunning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *DunningConfigHolder) Get() DunningConfig {
	return h.current.Load().(DunningConfig)
}

// NewStaticDunningConfigHolder returns a holder pinned to cfg, without file
// watching. Tests use it.
func NewStaticDunningConfigHolder(cfg DunningConfig) *DunningConfigHolder {
	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateDunningConfig(cfg DunningConfig) error {
	if len(cfg.RetrySchedule) == 0 {
		return errors.New("dunning.retrySchedule cannot be empty")
	}
	for _, days := range cfg.RetrySchedule {
		if days <= 0 {
			return errors.New("dunning.retrySchedule entries must be positive day counts")
		}
	}
	switch cfg.UnpaidSubscriptionState {
	case "canceled", "active":
	default:
		return errors.New("dunning.unpaidSubscriptionState must be canceled or active")
	}
	return nil
}
