package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models fieldproof.yml.
type Config struct {
	Packets struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"packets"`
	Signing struct {
		AttestationStatement string `yaml:"attestation_statement"`
		ImageMaxBytes        int    `yaml:"image_max_bytes"`
		DedupWindowSeconds   int    `yaml:"dedup_window_seconds"`
	} `yaml:"signing"`
	Ledger struct {
		// Policy is block or warn; warn lets a business operation succeed
		// even when its audit event fails contract validation.
		Policy string `yaml:"policy"`
	} `yaml:"ledger"`
	Export struct {
		ReclaimAfterSeconds int    `yaml:"reclaim_after_seconds"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
		OutputDir           string `yaml:"output_dir"`
		Workers             int    `yaml:"workers"`
	} `yaml:"export"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Packets.Catalog) == 0 {
		return fmt.Errorf("config.packets.catalog is required")
	}
	for name := range c.Packets.Catalog {
		if name == "" {
			return fmt.Errorf("config.packets.catalog contains empty packet type")
		}
	}
	if c.Signing.AttestationStatement == "" {
		return fmt.Errorf("config.signing.attestation_statement is required")
	}
	if c.Signing.ImageMaxBytes < 0 {
		return fmt.Errorf("config.signing.image_max_bytes must be >= 0")
	}
	if c.Ledger.Policy != "block" && c.Ledger.Policy != "warn" {
		return fmt.Errorf("config.ledger.policy must be block or warn")
	}
	if c.Export.ReclaimAfterSeconds <= 0 {
		return fmt.Errorf("config.export.reclaim_after_seconds must be > 0")
	}
	if c.Export.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.export.poll_interval_seconds must be > 0")
	}
	if c.Export.Workers <= 0 {
		return fmt.Errorf("config.export.workers must be > 0")
	}
	return nil
}

// KnownPacketType reports whether the catalog names the packet type.
func (c *Config) KnownPacketType(t string) bool {
	_, ok := c.Packets.Catalog[t]
	return ok
}

// DedupWindow as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Signing.DedupWindowSeconds) * time.Second
}

// ReclaimAfter as a duration.
func (c *Config) ReclaimAfter() time.Duration {
	return time.Duration(c.Export.ReclaimAfterSeconds) * time.Second
}

// PollInterval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Export.PollIntervalSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldproof.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `packets:
  catalog:
    insurance:
      description: "Insurance claim evidence packet"
    compliance:
      description: "Regulatory compliance packet"
    handover:
      description: "Client handover packet"

signing:
  attestation_statement: "I confirm the information in this report is true and accurate to the best of my knowledge."
  image_max_bytes: 262144
  dedup_window_seconds: 300

ledger:
  policy: warn

export:
  reclaim_after_seconds: 600
  poll_interval_seconds: 5
  output_dir: exports
  workers: 2
`
