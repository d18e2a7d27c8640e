package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Cache struct {
		Dir         string `yaml:"dir"`
		ExpiryHours int    `yaml:"expiry_hours"`
	} `yaml:"cache"`
	Brokers struct {
		Dhan struct {
			Enabled     bool   `yaml:"enabled"`
			ClientID    string `yaml:"client_id"`
			AccessToken string `yaml:"access_token"`
		} `yaml:"dhan"`
		Upstox struct {
			Enabled     bool   `yaml:"enabled"`
			APIKey      string `yaml:"api_key"`
			APISecret   string `yaml:"api_secret"`
			RedirectURI string `yaml:"redirect_uri"`
			AccessToken string `yaml:"access_token"`
		} `yaml:"upstox"`
		Zerodha struct {
			Enabled      bool   `yaml:"enabled"`
			APIKey       string `yaml:"api_key"`
			APISecret    string `yaml:"api_secret"`
			RequestToken string `yaml:"request_token"`
			AccessToken  string `yaml:"access_token"`
		} `yaml:"zerodha"`
	} `yaml:"brokers"`
}

func (c *Config) Validate() error {
	if c.Cache.ExpiryHours < 0 {
		return fmt.Errorf("cache.expiry_hours must not be negative, got %d", c.Cache.ExpiryHours)
	}
	if !c.Brokers.Dhan.Enabled && !c.Brokers.Upstox.Enabled && !c.Brokers.Zerodha.Enabled {
		return fmt.Errorf("no broker enabled: enable at least one of dhan, upstox, zerodha")
	}
	if c.Brokers.Dhan.Enabled && c.Brokers.Dhan.ClientID == "" {
		return fmt.Errorf("brokers.dhan.client_id is required when dhan is enabled")
	}
	if c.Brokers.Zerodha.Enabled && c.Brokers.Zerodha.APIKey == "" {
		return fmt.Errorf("brokers.zerodha.api_key is required when zerodha is enabled")
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = ".cache/instruments"
	}
	if c.Cache.ExpiryHours == 0 {
		c.Cache.ExpiryHours = 24
	}

	// Secrets prefer the environment over the file.
	applyEnvOverrides(&c)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}

func applyEnvOverrides(c *Config) {
	overrideString(&c.Brokers.Dhan.ClientID, "DHAN_CLIENT_ID")
	overrideString(&c.Brokers.Dhan.AccessToken, "DHAN_ACCESS_TOKEN")
	overrideString(&c.Brokers.Upstox.APIKey, "UPSTOX_API_KEY")
	overrideString(&c.Brokers.Upstox.APISecret, "UPSTOX_API_SECRET")
	overrideString(&c.Brokers.Upstox.AccessToken, "UPSTOX_ACCESS_TOKEN")
	overrideString(&c.Brokers.Zerodha.APIKey, "KITE_API_KEY")
	overrideString(&c.Brokers.Zerodha.APISecret, "KITE_API_SECRET")
	overrideString(&c.Brokers.Zerodha.RequestToken, "KITE_REQUEST_TOKEN")
	overrideString(&c.Brokers.Zerodha.AccessToken, "KITE_ACCESS_TOKEN")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
