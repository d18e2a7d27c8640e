package store

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
brokers:
  dhan:
    enabled: true
    client_id: "1000000001"
    access_token: "tok"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected config to load, got %v", err)
	}

	if cfg.Cache.Dir != ".cache/instruments" {
		t.Errorf("Expected default cache dir, got %s", cfg.Cache.Dir)
	}
	if cfg.Cache.ExpiryHours != 24 {
		t.Errorf("Expected default expiry 24h, got %d", cfg.Cache.ExpiryHours)
	}
	if !cfg.Brokers.Dhan.Enabled {
		t.Error("Expected dhan to be enabled")
	}
}

func TestLoadConfigNoBrokerEnabled(t *testing.T) {
	path := writeConfig(t, `
brokers:
  dhan:
    enabled: false
`)

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected validation to fail with no broker enabled")
	}
}

func TestLoadConfigDhanNeedsClientID(t *testing.T) {
	path := writeConfig(t, `
brokers:
  dhan:
    enabled: true
`)

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected validation to fail without a dhan client id")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `
brokers:
  zerodha:
    enabled: true
    api_key: "from-file"
`)

	t.Setenv("KITE_API_KEY", "from-env")
	t.Setenv("KITE_ACCESS_TOKEN", "env-token")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected config to load, got %v", err)
	}

	if cfg.Brokers.Zerodha.APIKey != "from-env" {
		t.Errorf("Expected env var to win, got %s", cfg.Brokers.Zerodha.APIKey)
	}
	if cfg.Brokers.Zerodha.AccessToken != "env-token" {
		t.Errorf("Expected access token from env, got %s", cfg.Brokers.Zerodha.AccessToken)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}
