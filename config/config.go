package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full configuration of a node.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`

	Store struct {
		// Backend selects the state store implementation: memory or etcd.
		Backend string `mapstructure:"backend"`
		Etcd    struct {
			Endpoints   []string      `mapstructure:"endpoints"`
			DialTimeout time.Duration `mapstructure:"dial_timeout"`
			Prefix      string        `mapstructure:"prefix"`
		} `mapstructure:"etcd"`
	} `mapstructure:"store"`

	Bus struct {
		RedeliveryLimit int `mapstructure:"redelivery_limit"`
		BufferSize      int `mapstructure:"buffer_size"`
	} `mapstructure:"bus"`

	Registry struct {
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		MissThreshold     int           `mapstructure:"miss_threshold"`
		OfflineGrace      time.Duration `mapstructure:"offline_grace"`
	} `mapstructure:"registry"`

	Dispatch struct {
		QueueSize int `mapstructure:"queue_size"`
		Breaker   struct {
			FailureThreshold int           `mapstructure:"failure_threshold"`
			CoolDown         time.Duration `mapstructure:"cool_down"`
			HalfOpenProbes   int           `mapstructure:"half_open_probes"`
		} `mapstructure:"breaker"`
	} `mapstructure:"dispatch"`

	Engine struct {
		// Group is the consumer group replicas share on the results topic.
		Group string `mapstructure:"group"`
		// Retention is how long finished instances are kept before purge.
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"engine"`
}

// Load reads configuration from the given file (optional) and the
// environment, applying defaults for everything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("taskmesh")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/taskmesh")
		if err := v.ReadInConfig(); err != nil {
			// A missing default config file is fine; env + defaults apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("store.etcd.dial_timeout", 5*time.Second)
	v.SetDefault("store.etcd.prefix", "taskmesh/")
	v.SetDefault("bus.redelivery_limit", 5)
	v.SetDefault("bus.buffer_size", 64)
	v.SetDefault("registry.heartbeat_interval", 10*time.Second)
	v.SetDefault("registry.miss_threshold", 3)
	v.SetDefault("registry.offline_grace", 100*time.Second)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.breaker.failure_threshold", 5)
	v.SetDefault("dispatch.breaker.cool_down", 30*time.Second)
	v.SetDefault("dispatch.breaker.half_open_probes", 1)
	v.SetDefault("engine.group", "engine")
	v.SetDefault("engine.retention", 24*time.Hour)
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "etcd":
	default:
		return fmt.Errorf("store.backend must be memory or etcd, got %q", c.Store.Backend)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	if c.Bus.RedeliveryLimit < 1 {
		return fmt.Errorf("bus.redelivery_limit must be >= 1")
	}
	if c.Registry.HeartbeatInterval <= 0 {
		return fmt.Errorf("registry.heartbeat_interval must be positive")
	}
	return nil
}
