// Package config holds the broker daemon's configuration. Values come from
// defaults, a BUSD_-prefixed environment, and an optional config file, in
// ascending precedence; command-line flags bind on top through viper.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/corebus/busd/core/user"
)

// Config holds all daemon configuration.
type Config struct {
	// ControllerFD is the already-connected control-channel descriptor the
	// broker is handed at exec time. The broker never listens or accepts
	// itself.
	ControllerFD int
	Verbose      bool
	Env          string

	// Per-user registry budgets, forwarded verbatim to the quota registry.
	MaxUserBytes   int
	MaxUserFds     int
	MaxUserPeers   int
	MaxUserNames   int
	MaxUserMatches int
}

// Defaults registers the configuration defaults on v.
func Defaults(v *viper.Viper) {
	v.SetDefault("controller_fd", 3)
	v.SetDefault("verbose", false)
	v.SetDefault("env", "production")
	v.SetDefault("max_user_bytes", 16*1024*1024)
	v.SetDefault("max_user_fds", 128)
	v.SetDefault("max_user_peers", 128)
	v.SetDefault("max_user_names", 128)
	v.SetDefault("max_user_matches", 128)
}

// Load resolves the configuration from v, which is expected to carry the
// defaults, any bound flags, and the environment.
func Load(v *viper.Viper) (*Config, error) {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	}

	cfg := &Config{
		ControllerFD:   v.GetInt("controller_fd"),
		Verbose:        v.GetBool("verbose"),
		Env:            v.GetString("env"),
		MaxUserBytes:   v.GetInt("max_user_bytes"),
		MaxUserFds:     v.GetInt("max_user_fds"),
		MaxUserPeers:   v.GetInt("max_user_peers"),
		MaxUserNames:   v.GetInt("max_user_names"),
		MaxUserMatches: v.GetInt("max_user_matches"),
	}

	if cfg.ControllerFD < 0 {
		return nil, fmt.Errorf("config: controller fd must be non-negative, got %d", cfg.ControllerFD)
	}
	return cfg, nil
}

// New builds a viper instance wired for the daemon and loads it. Convenience
// for callers without flags to bind.
func New() (*Config, error) {
	v := viper.New()
	Defaults(v)
	v.SetEnvPrefix("BUSD")
	v.AutomaticEnv()
	return Load(v)
}

// UserLimits converts the registry budgets into the quota registry's limit
// parameters.
func (c *Config) UserLimits() user.Limits {
	return user.Limits{
		MaxBytes:   c.MaxUserBytes,
		MaxFds:     c.MaxUserFds,
		MaxPeers:   c.MaxUserPeers,
		MaxNames:   c.MaxUserNames,
		MaxMatches: c.MaxUserMatches,
	}
}
