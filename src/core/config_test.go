package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var configEnvVars = []string{
	"CONFIG_FILE", "ROLE", "PORT", "BANK_ADDRESS", "SECRET_KEY_FILE",
	"DATA_DIR", "LOG_LEVEL", "OWNER_FANOUT", "PERIOD_INTERVAL",
	"PERIOD_TIMEOUT", "RATE_LIMIT_PER_MINUTE", "MAX_BODY_SIZE_BYTES",
	"SHUTDOWN_TIMEOUT", "HSM_MODULE", "HSM_PIN", "HSM_KEY_LABEL",
	"NODE_AUTH_SECRET", "REQUIRE_NODE_AUTH",
}

func clearConfigEnvVars(t *testing.T) {
	t.Helper()
	for _, v := range configEnvVars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnvVars(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Role != RoleMintette {
		t.Errorf("Default role %q, expected mintette", cfg.Role)
	}
	if cfg.Port != "8080" {
		t.Errorf("Default port %q, expected 8080", cfg.Port)
	}
	if cfg.OwnerFanout != DefaultOwnerFanout {
		t.Errorf("Default fanout %d, expected %d", cfg.OwnerFanout, DefaultOwnerFanout)
	}
	if cfg.PeriodInterval != DefaultPeriodInterval {
		t.Errorf("Default period interval %v", cfg.PeriodInterval)
	}
	if cfg.DataDir != "" {
		t.Errorf("Default data dir should be empty (volatile), got %q", cfg.DataDir)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearConfigEnvVars(t)

	t.Setenv("ROLE", "bank")
	t.Setenv("PORT", "9090")
	t.Setenv("OWNER_FANOUT", "5")
	t.Setenv("PERIOD_INTERVAL", "45s")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "250")
	t.Setenv("REQUIRE_NODE_AUTH", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Role != RoleBank {
		t.Errorf("Role %q, expected bank", cfg.Role)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port %q, expected 9090", cfg.Port)
	}
	if cfg.OwnerFanout != 5 {
		t.Errorf("Fanout %d, expected 5", cfg.OwnerFanout)
	}
	if cfg.PeriodInterval != 45*time.Second {
		t.Errorf("Period interval %v, expected 45s", cfg.PeriodInterval)
	}
	if cfg.RateLimitPerMinute != 250 {
		t.Errorf("Rate limit %d, expected 250", cfg.RateLimitPerMinute)
	}
	if !cfg.RequireNodeAuth {
		t.Error("Node auth requirement not picked up")
	}
}

func TestLoadConfigRejectsUnknownRole(t *testing.T) {
	clearConfigEnvVars(t)
	t.Setenv("ROLE", "notary")

	if _, err := LoadConfig(); err == nil {
		t.Error("Expected error for unknown role")
	}
}

func TestLoadConfigFromYAMLFile(t *testing.T) {
	clearConfigEnvVars(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
role: "bank"
port: "9090"
bank_address: "bank.rscoin.local:9090"
log_level: "debug"
owner_fanout: 4
period_interval: "45s"
period_timeout: "5s"
rate_limit_per_minute: 150
max_body_size_bytes: 2097152
data_dir: "/custom/data"
shutdown_timeout: "60s"
node_auth_secret: "mysecret"
require_node_auth: true
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg, err := LoadConfigFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadConfigFromFile failed: %v", err)
	}

	if cfg.Role != RoleBank {
		t.Errorf("Role %q, expected bank", cfg.Role)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port %q, expected 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Log level %q, expected debug", cfg.LogLevel)
	}
	if cfg.OwnerFanout != 4 {
		t.Errorf("Fanout %d, expected 4", cfg.OwnerFanout)
	}
	if cfg.PeriodInterval != 45*time.Second {
		t.Errorf("Period interval %v, expected 45s", cfg.PeriodInterval)
	}
	if cfg.PeriodTimeout != 5*time.Second {
		t.Errorf("Period timeout %v, expected 5s", cfg.PeriodTimeout)
	}
	if cfg.MaxBodySizeBytes != 2097152 {
		t.Errorf("Max body %d, expected 2097152", cfg.MaxBodySizeBytes)
	}
	if cfg.DataDir != "/custom/data" {
		t.Errorf("Data dir %q", cfg.DataDir)
	}
	if cfg.ShutdownTimeout != 60*time.Second {
		t.Errorf("Shutdown timeout %v, expected 60s", cfg.ShutdownTimeout)
	}
	if cfg.NodeAuthSecret != "mysecret" || !cfg.RequireNodeAuth {
		t.Error("Node auth settings not read from file")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearConfigEnvVars(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("port: \"7000\"\nrole: \"mintette\"\n"), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	t.Setenv("CONFIG_FILE", configPath)
	t.Setenv("PORT", "7001")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Port != "7001" {
		t.Errorf("Env should override file: port %q, expected 7001", cfg.Port)
	}
	if cfg.Role != RoleMintette {
		t.Errorf("Role %q, expected mintette from file", cfg.Role)
	}
}

func TestLoadConfigBadFile(t *testing.T) {
	clearConfigEnvVars(t)
	t.Setenv("CONFIG_FILE", "/nonexistent/config.yaml")

	if _, err := LoadConfig(); err == nil {
		t.Error("Expected error for missing config file")
	}

	tmpDir := t.TempDir()
	badPath := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(badPath, []byte("period_interval: \"not a duration\"\n"), 0644); err != nil {
		t.Fatalf("Failed to write bad config: %v", err)
	}
	if _, err := LoadConfigFromFile(badPath); err == nil {
		t.Error("Expected error for malformed duration")
	}
}
