package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Node roles.
const (
	RoleBank     = "bank"
	RoleMintette = "mintette"
)

// Config holds the application configuration
type Config struct {
	Role               string
	Port               string
	BankAddress        string
	SecretKeyFile      string
	DataDir            string
	LogLevel           string
	OwnerFanout        int
	PeriodInterval     time.Duration
	PeriodTimeout      time.Duration
	LogRetentionPeriods int
	RateLimitPerMinute  int
	MaxBodySizeBytes    int64
	ShutdownTimeout     time.Duration
	HSMModule          string
	HSMPin             string
	HSMKeyLabel        string
	NodeAuthSecret     string
	RequireNodeAuth    bool
}

// Default values
const (
	DefaultRateLimitPerMinute = 100
	DefaultMaxBodySizeBytes   = 1 << 20 // 1MB
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultPeriodInterval     = 30 * time.Second
	DefaultPeriodTimeout      = 10 * time.Second

	// DefaultLogRetentionPeriods is how many closed periods keep
	// their archived logs and blocks before being purged.
	DefaultLogRetentionPeriods = 10
)

func defaultConfig() *Config {
	return &Config{
		Role:               RoleMintette,
		Port:               "8080",
		BankAddress:        "127.0.0.1:9090",
		LogLevel:           "info",
		OwnerFanout:        DefaultOwnerFanout,
		PeriodInterval:     DefaultPeriodInterval,
		PeriodTimeout:      DefaultPeriodTimeout,
		LogRetentionPeriods: DefaultLogRetentionPeriods,
		RateLimitPerMinute:  DefaultRateLimitPerMinute,
		MaxBodySizeBytes:    DefaultMaxBodySizeBytes,
		ShutdownTimeout:     DefaultShutdownTimeout,
	}
}

// LoadConfig layers environment variables over an optional YAML file
// named by CONFIG_FILE, over defaults. An empty DataDir means purely
// volatile in-memory operation.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := LoadConfigFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if role := os.Getenv("ROLE"); role != "" {
		cfg.Role = role
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if bank := os.Getenv("BANK_ADDRESS"); bank != "" {
		cfg.BankAddress = bank
	}

	if keyFile := os.Getenv("SECRET_KEY_FILE"); keyFile != "" {
		cfg.SecretKeyFile = keyFile
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if fanout := os.Getenv("OWNER_FANOUT"); fanout != "" {
		if n, err := strconv.Atoi(fanout); err == nil && n > 0 {
			cfg.OwnerFanout = n
		}
	}

	if interval := os.Getenv("PERIOD_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.PeriodInterval = d
		}
	}

	if timeout := os.Getenv("PERIOD_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.PeriodTimeout = d
		}
	}

	if retention := os.Getenv("LOG_RETENTION_PERIODS"); retention != "" {
		if n, err := strconv.Atoi(retention); err == nil && n > 0 {
			cfg.LogRetentionPeriods = n
		}
	}

	if rateLimitEnv := os.Getenv("RATE_LIMIT_PER_MINUTE"); rateLimitEnv != "" {
		if rateLimit, err := strconv.Atoi(rateLimitEnv); err == nil && rateLimit > 0 {
			cfg.RateLimitPerMinute = rateLimit
		}
	}

	if maxBodyEnv := os.Getenv("MAX_BODY_SIZE_BYTES"); maxBodyEnv != "" {
		if maxBody, err := strconv.ParseInt(maxBodyEnv, 10, 64); err == nil && maxBody > 0 {
			cfg.MaxBodySizeBytes = maxBody
		}
	}

	if shutdownTimeout := os.Getenv("SHUTDOWN_TIMEOUT"); shutdownTimeout != "" {
		if d, err := time.ParseDuration(shutdownTimeout); err == nil {
			cfg.ShutdownTimeout = d
		}
	}

	if module := os.Getenv("HSM_MODULE"); module != "" {
		cfg.HSMModule = module
	}

	if pin := os.Getenv("HSM_PIN"); pin != "" {
		cfg.HSMPin = pin
	}

	if label := os.Getenv("HSM_KEY_LABEL"); label != "" {
		cfg.HSMKeyLabel = label
	}

	if secret := os.Getenv("NODE_AUTH_SECRET"); secret != "" {
		cfg.NodeAuthSecret = secret
	}

	if required := os.Getenv("REQUIRE_NODE_AUTH"); required != "" {
		cfg.RequireNodeAuth = required == "true"
	}

	if cfg.Role != RoleBank && cfg.Role != RoleMintette {
		return nil, fmt.Errorf("unknown role %q", cfg.Role)
	}

	return cfg, nil
}

// fileConfig mirrors Config with durations as strings, the way they
// are written in YAML ("30s", "1m").
type fileConfig struct {
	Role               string `yaml:"role"`
	Port               string `yaml:"port"`
	BankAddress        string `yaml:"bank_address"`
	SecretKeyFile      string `yaml:"secret_key_file"`
	DataDir            string `yaml:"data_dir"`
	LogLevel           string `yaml:"log_level"`
	OwnerFanout         int    `yaml:"owner_fanout"`
	PeriodInterval      string `yaml:"period_interval"`
	PeriodTimeout       string `yaml:"period_timeout"`
	LogRetentionPeriods int    `yaml:"log_retention_periods"`
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute"`
	MaxBodySizeBytes   int64  `yaml:"max_body_size_bytes"`
	ShutdownTimeout    string `yaml:"shutdown_timeout"`
	HSMModule          string `yaml:"hsm_module"`
	HSMPin             string `yaml:"hsm_pin"`
	HSMKeyLabel        string `yaml:"hsm_key_label"`
	NodeAuthSecret     string `yaml:"node_auth_secret"`
	RequireNodeAuth    bool   `yaml:"require_node_auth"`
}

// LoadConfigFromFile reads a YAML configuration file over defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := defaultConfig()
	if fc.Role != "" {
		cfg.Role = fc.Role
	}
	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if fc.BankAddress != "" {
		cfg.BankAddress = fc.BankAddress
	}
	if fc.SecretKeyFile != "" {
		cfg.SecretKeyFile = fc.SecretKeyFile
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.OwnerFanout > 0 {
		cfg.OwnerFanout = fc.OwnerFanout
	}
	if fc.LogRetentionPeriods > 0 {
		cfg.LogRetentionPeriods = fc.LogRetentionPeriods
	}
	if fc.RateLimitPerMinute > 0 {
		cfg.RateLimitPerMinute = fc.RateLimitPerMinute
	}
	if fc.MaxBodySizeBytes > 0 {
		cfg.MaxBodySizeBytes = fc.MaxBodySizeBytes
	}
	cfg.HSMModule = fc.HSMModule
	cfg.HSMPin = fc.HSMPin
	cfg.HSMKeyLabel = fc.HSMKeyLabel
	cfg.NodeAuthSecret = fc.NodeAuthSecret
	cfg.RequireNodeAuth = fc.RequireNodeAuth

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.PeriodInterval, &cfg.PeriodInterval},
		{fc.PeriodTimeout, &cfg.PeriodTimeout},
		{fc.ShutdownTimeout, &cfg.ShutdownTimeout},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse duration %q: %w", d.raw, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}
