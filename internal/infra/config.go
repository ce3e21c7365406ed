package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExchangeConfig describes one exchange connection.
type ExchangeConfig struct {
	Driver       string  `yaml:"driver"` // binance | bitget | kis
	RestURL      string  `yaml:"rest_url"`
	WSURL        string  `yaml:"ws_url"` // optional, fill stream
	AccessKey    string  `yaml:"access_key"`
	SecretKey    string  `yaml:"secret_key"`
	Passphrase   string  `yaml:"passphrase"` // bitget only
	AccountNo    string  `yaml:"account_no"` // kis only
	OpenOrderCap int     `yaml:"open_order_cap"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
	Burst        int     `yaml:"burst"`
	CallTimeoutS int     `yaml:"call_timeout_sec"`
	MaxAttempts  int     `yaml:"max_attempts"`
}

// CallTimeout returns the per-call timeout with a safe default.
func (e ExchangeConfig) CallTimeout() time.Duration {
	if e.CallTimeoutS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(e.CallTimeoutS) * time.Second
}

// Config holds every setting the engine consumes. Secrets can be overridden
// through environment variables after the file is parsed.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Engine struct {
		RebalanceIntervalS  int `yaml:"rebalance_interval_sec"`
		CancelPollIntervalS int `yaml:"cancel_poll_interval_sec"`
		CancelBatchSize     int `yaml:"cancel_batch_size"`
		MaxCancelRetries    int `yaml:"max_cancel_retries"`
		BackoffBaseS        int `yaml:"backoff_base_sec"`
		BackoffMaxS         int `yaml:"backoff_max_sec"`
		NotReadyDelayS      int `yaml:"not_ready_delay_sec"`
		StaleClaimS         int `yaml:"stale_claim_sec"`
		AccountConcurrency  int `yaml:"account_concurrency"`
	} `yaml:"engine"`

	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json | text
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file, applies env overrides, and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the engine cannot safely run with.
func (c *Config) Validate() error {
	if c.Engine.RebalanceIntervalS <= 0 {
		return fmt.Errorf("rebalance interval must be positive")
	}
	if c.Engine.CancelPollIntervalS <= 0 {
		return fmt.Errorf("cancel poll interval must be positive")
	}
	if c.Engine.CancelBatchSize <= 0 {
		return fmt.Errorf("cancel batch size must be positive")
	}
	if c.Engine.MaxCancelRetries < 0 {
		return fmt.Errorf("max cancel retries must not be negative")
	}
	if c.Engine.BackoffBaseS <= 0 || c.Engine.BackoffMaxS < c.Engine.BackoffBaseS {
		return fmt.Errorf("backoff base must be positive and not exceed its cap")
	}
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required")
	}
	for name, ex := range c.Exchanges {
		switch ex.Driver {
		case "binance", "bitget", "kis":
		default:
			return fmt.Errorf("exchange %s: unknown driver %q", name, ex.Driver)
		}
		if ex.RestURL == "" || !strings.HasPrefix(ex.RestURL, "http") {
			return fmt.Errorf("exchange %s: invalid rest URL %q", name, ex.RestURL)
		}
		if ex.OpenOrderCap <= 0 {
			return fmt.Errorf("exchange %s: open order cap must be positive", name)
		}
		if ex.RatePerSec <= 0 {
			return fmt.Errorf("exchange %s: rate limit must be positive", name)
		}
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	return nil
}

// overrideWithEnv replaces secrets from environment variables when present.
// Pattern: ORDERFLOW_<EXCHANGE>_KEY / _SECRET / _PASSPHRASE.
func overrideWithEnv(cfg *Config) {
	for name, ex := range cfg.Exchanges {
		prefix := "ORDERFLOW_" + strings.ToUpper(name) + "_"
		if v := os.Getenv(prefix + "KEY"); v != "" {
			ex.AccessKey = v
		}
		if v := os.Getenv(prefix + "SECRET"); v != "" {
			ex.SecretKey = v
		}
		if v := os.Getenv(prefix + "PASSPHRASE"); v != "" {
			ex.Passphrase = v
		}
		cfg.Exchanges[name] = ex
	}
}
