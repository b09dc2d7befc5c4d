package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg"
	"github.com/zde37/kadnode/pkg/hash"
)

// EnvPrefix is prepended to every environment override, e.g. KADNODE_PORT.
const EnvPrefix = "KADNODE"

// Config holds all configuration for a Kademlia node
type Config struct {
	// Node identification; empty NodeID derives one from Host and Port
	NodeID string `mapstructure:"node_id"`
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"` // 0 picks an ephemeral UDP port

	// HTTP admin API, 0 disables it
	HTTPPort int `mapstructure:"http_port"`
	// Origins allowed to open the event websocket; empty or "*" allows any
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Bootstrap contacts in "<hex-id>@host:port" form
	BootstrapNodes []string `mapstructure:"bootstrap_nodes"`

	// Kademlia parameters
	K             int           `mapstructure:"k"`              // Bucket capacity and lookup result size
	Alpha         int           `mapstructure:"alpha"`          // Lookup parallelism
	RPCTimeout    time.Duration `mapstructure:"rpc_timeout"`    // Deadline for a single outgoing call
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // How often pending calls are checked for timeout

	// Inbound datagram handling
	InboundWorkers   int `mapstructure:"inbound_workers"`    // Size of the dispatch worker pool
	InboundRateLimit int `mapstructure:"inbound_rate_limit"` // Datagrams per second, 0 = unlimited

	// Values
	CacheOnFind bool          `mapstructure:"cache_on_find"` // Store found values at the cache-forward candidate
	ValueTTL    time.Duration `mapstructure:"value_ttl"`     // 0 = values never expire

	// Logging
	LogLevel  string `mapstructure:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `mapstructure:"log_format"` // json, console
	LogFile   string `mapstructure:"log_file"`   // optional rotating log file
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             8440,
		HTTPPort:         8080,
		K:                20,
		Alpha:            3,
		RPCTimeout:       5 * time.Second,
		SweepInterval:    250 * time.Millisecond,
		InboundWorkers:   8,
		InboundRateLimit: 0,
		CacheOnFind:      true,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.K < 1 || c.K > wire.MaxFieldLength {
		return fmt.Errorf("%w: k must be between 1 and %d, got %d", pkg.ErrInvalidConfig, wire.MaxFieldLength, c.K)
	}
	if c.Alpha < 1 {
		return fmt.Errorf("%w: alpha must be at least 1, got %d", pkg.ErrInvalidConfig, c.Alpha)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", pkg.ErrInvalidConfig, c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%w: invalid HTTP port: %d", pkg.ErrInvalidConfig, c.HTTPPort)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("%w: rpc timeout must be positive, got %s", pkg.ErrInvalidConfig, c.RPCTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive, got %s", pkg.ErrInvalidConfig, c.SweepInterval)
	}
	if c.InboundWorkers < 1 {
		return fmt.Errorf("%w: inbound workers must be at least 1, got %d", pkg.ErrInvalidConfig, c.InboundWorkers)
	}
	if c.InboundRateLimit < 0 {
		return fmt.Errorf("%w: inbound rate limit cannot be negative", pkg.ErrInvalidConfig)
	}
	if c.ValueTTL < 0 {
		return fmt.Errorf("%w: value ttl cannot be negative", pkg.ErrInvalidConfig)
	}
	if c.NodeID != "" {
		if _, err := hash.ParseID(c.NodeID); err != nil {
			return fmt.Errorf("%w: %w", pkg.ErrInvalidConfig, err)
		}
	}
	if _, err := c.Bootstrap(); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrInvalidConfig, err)
	}
	return nil
}

// ID returns the configured node ID, or one derived from the listen address.
func (c *Config) ID() (hash.NodeID, error) {
	if c.NodeID == "" {
		return hash.HashAddress(c.Host, c.Port), nil
	}
	return hash.ParseID(c.NodeID)
}

// Bootstrap parses BootstrapNodes into contacts.
func (c *Config) Bootstrap() ([]wire.Contact, error) {
	contacts := make([]wire.Contact, 0, len(c.BootstrapNodes))
	for _, s := range c.BootstrapNodes {
		if strings.TrimSpace(s) == "" {
			continue
		}
		contact, err := wire.ParseContact(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap node: %w", err)
		}
		contacts = append(contacts, contact)
	}
	return contacts, nil
}

// LoggerConfig maps the logging fields onto a pkg.Config.
func (c *Config) LoggerConfig() *pkg.Config {
	lc := pkg.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Format = c.LogFormat
	if c.LogFile != "" {
		lc.File.Enable = true
		lc.File.Path = c.LogFile
	}
	return lc
}

// Load builds a Config from defaults, an optional YAML file at path and
// KADNODE_* environment variables, in increasing precedence. Flags bound to v
// by the caller take precedence over all three.
func Load(path string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	defaults := DefaultConfig()
	v.SetDefault("node_id", defaults.NodeID)
	v.SetDefault("host", defaults.Host)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("http_port", defaults.HTTPPort)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("bootstrap_nodes", []string{})
	v.SetDefault("k", defaults.K)
	v.SetDefault("alpha", defaults.Alpha)
	v.SetDefault("rpc_timeout", defaults.RPCTimeout)
	v.SetDefault("sweep_interval", defaults.SweepInterval)
	v.SetDefault("inbound_workers", defaults.InboundWorkers)
	v.SetDefault("inbound_rate_limit", defaults.InboundRateLimit)
	v.SetDefault("cache_on_find", defaults.CacheOnFind)
	v.SetDefault("value_ttl", defaults.ValueTTL)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("log_file", defaults.LogFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
