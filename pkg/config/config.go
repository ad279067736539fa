package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/gptbroker/pkg/models"
)

// Config holds all gptbroker configuration.
type Config struct {
	Socket   string             `yaml:"socket"`
	DataDir  string             `yaml:"data_dir"`
	Provider ProviderConfig     `yaml:"provider"`
	Cache    CacheConfig        `yaml:"cache"`
	Budget   BudgetConfig       `yaml:"budget"`
	Broker   BrokerConfig       `yaml:"broker"`
	Audit    models.AuditConfig `yaml:"audit"`
	Logging  LoggingConfig      `yaml:"logging"`
}

// ProviderConfig defines the upstream OpenAI-compatible API.
type ProviderConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	TextModel      string        `yaml:"text_model"`
	EmbeddingModel string        `yaml:"embedding_model"`
	Moderation     bool          `yaml:"moderation"`
}

// CacheConfig controls the durable result cache.
type CacheConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Compression      bool   `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level"`
	Synchronous      string `yaml:"synchronous"`
}

// BudgetConfig controls the rolling spend limit.
type BudgetConfig struct {
	Ceiling float64               `yaml:"ceiling"`
	Window  time.Duration         `yaml:"window"`
	Pricing []models.ModelPricing `yaml:"pricing"`
}

// BrokerConfig tunes the socket server and dispatcher.
type BrokerConfig struct {
	DedupeInFlight  bool          `yaml:"dedupe_inflight"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// DefaultPricing is the built-in per-1K token price table.
func DefaultPricing() []models.ModelPricing {
	return []models.ModelPricing{
		{Model: "text-davinci-003", PromptCost: 0.02},
		{Model: "text-embedding-ada-002", PromptCost: 0.0004},
		{Model: "gpt-3.5-turbo", PromptCost: 0.0015, CompletionCost: 0.002},
		{Model: "gpt-4", PromptCost: 0.03, CompletionCost: 0.06},
	}
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Socket:  "./tmp/gptbroker.sock",
		DataDir: "./tmp",
		Provider: ProviderConfig{
			URL:            "https://api.openai.com",
			Timeout:        120 * time.Second,
			TextModel:      "text-davinci-003",
			EmbeddingModel: "text-embedding-ada-002",
			Moderation:     true,
		},
		Cache: CacheConfig{
			Enabled:          true,
			Compression:      true,
			CompressionLevel: 3,
			Synchronous:      "NORMAL",
		},
		Budget: BudgetConfig{
			Ceiling: 25,
			Window:  30 * 24 * time.Hour,
			Pricing: DefaultPricing(),
		},
		Broker: BrokerConfig{
			MaxRequestBytes: 16 << 20,
		},
		Audit: models.AuditConfig{
			Enabled:       false,
			RetentionDays: 90,
			MaxBodySize:   4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, returning defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the configuration for values the broker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Socket == "" {
		errs = append(errs, errors.New("socket must be set"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must be set"))
	}
	if c.Budget.Ceiling < 0 {
		errs = append(errs, fmt.Errorf("budget.ceiling must not be negative, got %v", c.Budget.Ceiling))
	}
	if c.Budget.Window <= 0 {
		errs = append(errs, fmt.Errorf("budget.window must be positive, got %v", c.Budget.Window))
	}
	seen := make(map[string]bool)
	for _, p := range c.Budget.Pricing {
		if p.Model == "" {
			errs = append(errs, errors.New("budget.pricing entry without model"))
			continue
		}
		if seen[p.Model] {
			errs = append(errs, fmt.Errorf("budget.pricing: duplicate model %q", p.Model))
		}
		seen[p.Model] = true
		if p.PromptCost < 0 || p.CompletionCost < 0 {
			errs = append(errs, fmt.Errorf("budget.pricing: negative price for %q", p.Model))
		}
	}
	for _, m := range []string{c.Provider.TextModel, c.Provider.EmbeddingModel} {
		if m != "" && !seen[m] {
			errs = append(errs, fmt.Errorf("no price configured for model %q", m))
		}
	}
	if c.Cache.CompressionLevel < 0 || c.Cache.CompressionLevel > 22 {
		errs = append(errs, fmt.Errorf("cache.compression_level must be 0-22, got %d", c.Cache.CompressionLevel))
	}
	switch strings.ToUpper(c.Cache.Synchronous) {
	case "", "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		errs = append(errs, fmt.Errorf("cache.synchronous: unknown mode %q", c.Cache.Synchronous))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// DBPath returns the path of the main database under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "gptbroker.db")
}

// AuditDBPath returns the audit database path, defaulting to DataDir.
func (c *Config) AuditDBPath() string {
	if c.Audit.DBPath != "" {
		return c.Audit.DBPath
	}
	return filepath.Join(c.DataDir, "audit.db")
}
