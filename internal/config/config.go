package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Redis struct {
	Addr         string   `mapstructure:"addr"`
	Cluster      bool     `mapstructure:"cluster"`
	ClusterNodes []string `mapstructure:"cluster_nodes"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
	TLS          bool     `mapstructure:"tls"`
	DB           int      `mapstructure:"db"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	// Path prefixes the websocket endpoint, which is served at <path>/peerjs.
	Path string `mapstructure:"path"`
	Key  string `mapstructure:"key"`

	ConcurrentLimit int           `mapstructure:"concurrent_limit"`
	AliveTimeout    time.Duration `mapstructure:"alive_timeout"`
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	OutboxLimit     int           `mapstructure:"outbox_limit"`
	IPTestMode      bool          `mapstructure:"ip_test_mode"`

	BroadcastChannel string        `mapstructure:"broadcast_channel"`
	StateTimeout     time.Duration `mapstructure:"state_timeout"`

	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendQueue    int           `mapstructure:"send_queue"`
	MessageRate  float64       `mapstructure:"message_rate"`
	MessageBurst int           `mapstructure:"message_burst"`

	Redis Redis `mapstructure:"redis"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 9000)
	v.SetDefault("log_level", "info")
	v.SetDefault("path", "/")
	v.SetDefault("key", "peerjs")

	v.SetDefault("concurrent_limit", 5000)
	v.SetDefault("alive_timeout", "90s")
	v.SetDefault("check_interval", "300ms")
	v.SetDefault("outbox_limit", 1000)
	v.SetDefault("ip_test_mode", false)

	v.SetDefault("broadcast_channel", "PEER::SIGNAL::CHANNEL")
	v.SetDefault("state_timeout", "3s")

	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_queue", 256)
	v.SetDefault("message_rate", 0)
	v.SetDefault("message_burst", 20)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.cluster", false)
	v.SetDefault("redis.cluster_nodes", []string{})
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.db", 0)
}

// Load reads the config file at path, or config/config.<CONFIG_ENV>.yaml when
// path is empty. A missing file falls back to defaults. SIGNAL_* environment
// variables and flags override the file.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	fileName := path
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("SIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("port"); f != nil {
			if err := v.BindPFlag("port", f); err != nil {
				return nil, fmt.Errorf("bind port flag: %w", err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("path", cfg.SignalPath()).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Key == "" {
		errs = append(errs, errors.New("key must not be empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ConcurrentLimit <= 0 {
		errs = append(errs, errors.New("concurrent_limit must be positive"))
	}
	if c.OutboxLimit <= 0 {
		errs = append(errs, errors.New("outbox_limit must be positive"))
	}
	if c.AliveTimeout <= 0 {
		errs = append(errs, errors.New("alive_timeout must be positive"))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("check_interval must be positive"))
	}
	if c.StateTimeout <= 0 {
		errs = append(errs, errors.New("state_timeout must be positive"))
	}
	if c.WriteWait <= 0 {
		errs = append(errs, errors.New("write_wait must be positive"))
	}
	if c.MessageRate < 0 {
		errs = append(errs, errors.New("message_rate must not be negative"))
	}
	if c.Redis.Cluster && len(c.Redis.ClusterNodes) == 0 {
		errs = append(errs, errors.New("redis.cluster_nodes required in cluster mode"))
	}
	if !c.Redis.Cluster && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SignalPath is the websocket endpoint path.
func (c *Config) SignalPath() string {
	return strings.TrimRight(c.Path, "/") + "/peerjs"
}
