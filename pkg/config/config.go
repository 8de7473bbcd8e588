package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full relay configuration, loadable from YAML with
// NOSTRELAY_* environment overrides on top.
type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Limits struct {
		MaxConnections   int `yaml:"max_connections"`
		MaxSubsPerConn   int `yaml:"max_subscriptions_per_connection"`
		MaxMessageSize   int `yaml:"max_message_size"`
		MaxEventSize     int `yaml:"max_event_size"`
		MaxEventsPerMin  int `yaml:"max_events_per_minute"`
		MaxReqsPerMin    int `yaml:"max_reqs_per_minute"`
		MaxFiltersPerReq int `yaml:"max_filters_per_req"`
		MaxSubIDLen      int `yaml:"max_subscription_id_length"`
		ReplayLimit      int `yaml:"replay_limit"`
	} `yaml:"limits"`
	Retention struct {
		MaxEvents int64  `yaml:"max_events"`
		MaxBytes  uint64 `yaml:"max_bytes"`
		MaxDays   int    `yaml:"max_days"`
		Schedule  string `yaml:"schedule"` // cron expression
	} `yaml:"retention"`
	Query struct {
		CacheSize       int `yaml:"cache_size"`
		CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
		SlowThresholdMS int `yaml:"slow_threshold_ms"`
	} `yaml:"query"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // console|json
	} `yaml:"logging"`
}

// Default returns the stock configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Address = "0.0.0.0"
	cfg.Server.Port = 8081
	cfg.Storage.DBPath = "./.nostrelay"
	cfg.Limits.MaxConnections = 100
	cfg.Limits.MaxSubsPerConn = 20
	cfg.Limits.MaxMessageSize = 512 * 1024
	cfg.Limits.MaxEventSize = 256 * 1024
	cfg.Limits.MaxEventsPerMin = 100
	cfg.Limits.MaxReqsPerMin = 60
	cfg.Limits.MaxFiltersPerReq = 10
	cfg.Limits.MaxSubIDLen = 64
	cfg.Limits.ReplayLimit = 1000
	cfg.Retention.MaxEvents = 100000
	cfg.Retention.MaxBytes = 1 << 30
	cfg.Retention.MaxDays = 30
	cfg.Retention.Schedule = "0 * * * *"
	cfg.Query.CacheSize = 100
	cfg.Query.CacheTTLSeconds = 300
	cfg.Query.SlowThresholdMS = 100
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	return cfg
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8081
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// ParseFlags defines and parses the command-line flags.
func ParseFlags() Flags {
	addrPtr := flag.String("addr", "0.0.0.0:8081", "listen address")
	dbPtr := flag.String("db", "./.nostrelay", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}
}

// ResolveConfigPath decides the config file path from the flag value and
// the NOSTRELAY_CONFIG variable when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("NOSTRELAY_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

func envString(name string, dst *string, used *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v
		*used = true
	}
}

func envInt(name string, dst *int, used *bool) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
			*used = true
		}
	}
}

func envInt64(name string, dst *int64, used *bool) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
			*used = true
		}
	}
}

func envUint64(name string, dst *uint64, used *bool) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
			*used = true
		}
	}
}

// ApplyEnvOverrides overlays NOSTRELAY_* environment variables onto cfg
// and reports whether any were present.
func ApplyEnvOverrides(cfg *Config) bool {
	used := false
	envString("NOSTRELAY_ADDRESS", &cfg.Server.Address, &used)
	envInt("NOSTRELAY_PORT", &cfg.Server.Port, &used)
	envString("NOSTRELAY_DB_PATH", &cfg.Storage.DBPath, &used)
	envInt("NOSTRELAY_MAX_CONNECTIONS", &cfg.Limits.MaxConnections, &used)
	envInt("NOSTRELAY_MAX_SUBSCRIPTIONS", &cfg.Limits.MaxSubsPerConn, &used)
	envInt("NOSTRELAY_MAX_MESSAGE_SIZE", &cfg.Limits.MaxMessageSize, &used)
	envInt("NOSTRELAY_MAX_EVENT_SIZE", &cfg.Limits.MaxEventSize, &used)
	envInt("NOSTRELAY_MAX_EVENTS_PER_MINUTE", &cfg.Limits.MaxEventsPerMin, &used)
	envInt("NOSTRELAY_MAX_REQS_PER_MINUTE", &cfg.Limits.MaxReqsPerMin, &used)
	envInt("NOSTRELAY_MAX_FILTERS_PER_REQ", &cfg.Limits.MaxFiltersPerReq, &used)
	envInt("NOSTRELAY_REPLAY_LIMIT", &cfg.Limits.ReplayLimit, &used)
	envInt64("NOSTRELAY_RETENTION_MAX_EVENTS", &cfg.Retention.MaxEvents, &used)
	envUint64("NOSTRELAY_RETENTION_MAX_BYTES", &cfg.Retention.MaxBytes, &used)
	envInt("NOSTRELAY_RETENTION_MAX_DAYS", &cfg.Retention.MaxDays, &used)
	envString("NOSTRELAY_RETENTION_SCHEDULE", &cfg.Retention.Schedule, &used)
	envInt("NOSTRELAY_QUERY_CACHE_SIZE", &cfg.Query.CacheSize, &used)
	envInt("NOSTRELAY_QUERY_CACHE_TTL_SECONDS", &cfg.Query.CacheTTLSeconds, &used)
	envInt("NOSTRELAY_QUERY_SLOW_THRESHOLD_MS", &cfg.Query.SlowThresholdMS, &used)
	envString("NOSTRELAY_LOG_LEVEL", &cfg.Logging.Level, &used)
	envString("NOSTRELAY_LOG_FORMAT", &cfg.Logging.Format, &used)
	return used
}

// LoadEffective loads the config file at path when present, falls back to
// defaults otherwise, and applies environment overrides on top. The flags
// for address and DB path win over both when explicitly set.
func LoadEffective(flags Flags) (*Config, string, error) {
	source := "defaults"
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := Load(cfgPath)
	if err != nil {
		if flags.Set["config"] {
			return nil, "", err
		}
		cfg = Default()
	} else {
		source = "config"
	}
	if ApplyEnvOverrides(cfg) {
		source = "env"
	}
	if flags.Set["addr"] {
		source = "flags"
		host, port, ok := strings.Cut(flags.Addr, ":")
		if ok {
			cfg.Server.Address = host
			if n, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = n
			}
		} else {
			cfg.Server.Address = flags.Addr
		}
	}
	if flags.Set["db"] {
		source = "flags"
		cfg.Storage.DBPath = flags.DB
	}
	return cfg, source, nil
}
