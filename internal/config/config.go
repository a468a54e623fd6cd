// Package config loads the gateway's configuration options (spec §6) with
// viper, the way nabbar-golib wires its own server config: defaults set on
// the viper instance, overridable by a YAML file and `RAKNET_`-prefixed
// environment variables, decoded into a typed struct via mapstructure.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TracePackets controls packet tracing verbosity (spec §6).
type TracePackets struct {
	Include   []string `mapstructure:"include"`
	Exclude   []string `mapstructure:"exclude"`
	Verbosity int      `mapstructure:"verbosity"`
}

// Config is the full set of enumerated configuration options from spec §6.
type Config struct {
	IP   string `mapstructure:"ip"`
	Port int    `mapstructure:"port"`

	MaxNumberOfPlayers            int `mapstructure:"max_number_of_players"`
	MaxNumberOfConcurrentConnects int `mapstructure:"max_number_of_concurrent_connects"`

	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`

	ForceOrderingForAll bool `mapstructure:"force_ordering_for_all"`
	EnableEdu           bool `mapstructure:"enable_edu"`
	EnableQuery         bool `mapstructure:"enable_query"`

	TracePackets TracePackets `mapstructure:"trace_packets"`
}

// Addr returns the "ip:port" listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

// Load reads configuration from an optional file path plus environment
// variables (RAKNET_IP, RAKNET_PORT, ...), falling back to the spec §6
// defaults when nothing overrides them.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("ip", "0.0.0.0")
	v.SetDefault("port", 19132)
	v.SetDefault("max_number_of_players", 1000)
	v.SetDefault("max_number_of_concurrent_connects", 0) // 0 = same as max_number_of_players, resolved below
	v.SetDefault("inactivity_timeout", 8500*time.Millisecond)
	v.SetDefault("force_ordering_for_all", false)
	v.SetDefault("enable_edu", false)
	v.SetDefault("enable_query", false)
	v.SetDefault("trace_packets.verbosity", 0)

	v.SetEnvPrefix("raknet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if cfg.MaxNumberOfConcurrentConnects == 0 {
		cfg.MaxNumberOfConcurrentConnects = cfg.MaxNumberOfPlayers
	}

	return cfg, nil
}
