package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models trustmodel.yml.
type Config struct {
	CA struct {
		KeysDir string `yaml:"keys_dir"`
	} `yaml:"ca"`
	Certificates struct {
		ValidityDays    int `yaml:"validity_days"`
		MinReasonLength int `yaml:"min_reason_length"`
	} `yaml:"certificates"`
	Evaluation struct {
		Workers            int `yaml:"workers"`
		SuiteParallelism   int `yaml:"suite_parallelism"`
		TestTimeoutSeconds int `yaml:"test_timeout_seconds"`
		RunBudgetSeconds   int `yaml:"run_budget_seconds"`
	} `yaml:"evaluation"`
	TACP struct {
		ChallengeTTLSeconds int `yaml:"challenge_ttl_seconds"`
		IdleTimeoutSeconds  int `yaml:"idle_timeout_seconds"`
	} `yaml:"tacp"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Certificates.ValidityDays <= 0 {
		return fmt.Errorf("config.certificates.validity_days must be positive")
	}
	if c.Certificates.MinReasonLength <= 0 {
		return fmt.Errorf("config.certificates.min_reason_length must be positive")
	}
	if c.Evaluation.Workers <= 0 {
		return fmt.Errorf("config.evaluation.workers must be positive")
	}
	if c.Evaluation.SuiteParallelism <= 0 {
		return fmt.Errorf("config.evaluation.suite_parallelism must be positive")
	}
	if c.Evaluation.TestTimeoutSeconds <= 0 {
		return fmt.Errorf("config.evaluation.test_timeout_seconds must be positive")
	}
	if c.Evaluation.RunBudgetSeconds <= 0 {
		return fmt.Errorf("config.evaluation.run_budget_seconds must be positive")
	}
	if c.TACP.ChallengeTTLSeconds <= 0 {
		return fmt.Errorf("config.tacp.challenge_ttl_seconds must be positive")
	}
	if c.TACP.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("config.tacp.idle_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) TestTimeout() time.Duration {
	return time.Duration(c.Evaluation.TestTimeoutSeconds) * time.Second
}

func (c *Config) RunBudget() time.Duration {
	return time.Duration(c.Evaluation.RunBudgetSeconds) * time.Second
}

func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.TACP.ChallengeTTLSeconds) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.TACP.IdleTimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trustmodel.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.CA.KeysDir == "" {
		cfg.CA.KeysDir = defaultKeysDir(workspace)
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes. Zero fields are
// filled from defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func defaultKeysDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".trustmodel", "keys")
}

// Default returns the default Config for a workspace.
func Default(workspace string) *Config {
	var cfg Config
	cfg.CA.KeysDir = defaultKeysDir(workspace)
	cfg.Certificates.ValidityDays = 90
	cfg.Certificates.MinReasonLength = 10
	cfg.Evaluation.Workers = 2
	cfg.Evaluation.SuiteParallelism = 4
	cfg.Evaluation.TestTimeoutSeconds = 60
	cfg.Evaluation.RunBudgetSeconds = 1800
	cfg.TACP.ChallengeTTLSeconds = 60
	cfg.TACP.IdleTimeoutSeconds = 900
	cfg.Server.Addr = "127.0.0.1:8420"
	cfg.Server.BasePath = "/v1"
	return &cfg
}
