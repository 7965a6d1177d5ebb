package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file configuration
const (
	EnvOllamaURL = "VISIONQA_OLLAMA_URL"
	EnvAddr      = "VISIONQA_ADDR"
	EnvTimeout   = "VISIONQA_TIMEOUT"
	EnvLogLevel  = "VISIONQA_LOG_LEVEL"
	EnvModels    = "VISIONQA_MODELS"
)

// Config holds the application configuration
type Config struct {
	Ollama OllamaConfig `yaml:"ollama"`
	Tokens TokenConfig  `yaml:"tokens"`
	Upload UploadConfig `yaml:"upload"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// OllamaConfig holds the inference backend settings
type OllamaConfig struct {
	Endpoint string `yaml:"endpoint"`
	// Timeout bounds each generate call; 0 waits indefinitely
	Timeout time.Duration `yaml:"timeout"`
	Models  []string      `yaml:"models"`
}

// TokenConfig bounds the max-tokens control
type TokenConfig struct {
	Min           int `yaml:"min"`
	Max           int `yaml:"max"`
	Step          int `yaml:"step"`
	Default       int `yaml:"default"`
	AnswerCeiling int `yaml:"answer_ceiling"`
}

// UploadConfig controls accepted uploads
type UploadConfig struct {
	MaxBytes int64    `yaml:"max_bytes"`
	Formats  []string `yaml:"formats"`
	MaxSide  int      `yaml:"max_side"`
	Quality  int      `yaml:"quality"`
}

// ServerConfig holds the web shell settings
type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Title string `yaml:"title"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Ollama: OllamaConfig{
			Endpoint: "http://localhost:11434/api/generate",
			Timeout:  0,
			Models:   []string{"llava-phi3", "moondream", "qwen2.5vl"},
		},
		Tokens: TokenConfig{
			Min:           200,
			Max:           1400,
			Step:          50,
			Default:       900,
			AnswerCeiling: 400,
		},
		Upload: UploadConfig{
			MaxBytes: 20 << 20,
			Formats:  []string{"jpg", "jpeg", "png", "webp"},
			MaxSide:  0,
			Quality:  85,
		},
		Server: ServerConfig{
			Addr:  ":8501",
			Title: "Image Summary and question regarding the image",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads filename if it exists, falling back to defaults, then applies the environment
func Load(filename string) (*Config, error) {
	config := Default()
	if filename != "" {
		loaded, err := LoadFromFile(filename)
		switch {
		case err == nil:
			config = loaded
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv loads a .env file from the working directory when present and
// applies VISIONQA_* overrides.
func (c *Config) ApplyEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if v := os.Getenv(EnvOllamaURL); v != "" {
		c.Ollama.Endpoint = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvTimeout, err)
		}
		c.Ollama.Timeout = d
	}
	if v := os.Getenv(EnvModels); v != "" {
		var models []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
		c.Ollama.Models = models
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Ollama.Endpoint == "" {
		return fmt.Errorf("ollama.endpoint cannot be empty")
	}

	if c.Ollama.Timeout < 0 {
		return fmt.Errorf("ollama.timeout cannot be negative")
	}

	if len(c.Ollama.Models) == 0 {
		return fmt.Errorf("ollama.models cannot be empty")
	}

	if c.Tokens.Min < 1 || c.Tokens.Max < c.Tokens.Min {
		return fmt.Errorf("tokens.min must be positive and not above tokens.max")
	}

	if c.Tokens.Default < c.Tokens.Min || c.Tokens.Default > c.Tokens.Max {
		return fmt.Errorf("tokens.default must be between %d and %d", c.Tokens.Min, c.Tokens.Max)
	}

	if c.Tokens.Step < 1 {
		return fmt.Errorf("tokens.step must be positive")
	}

	if c.Tokens.AnswerCeiling < 1 {
		return fmt.Errorf("tokens.answer_ceiling must be positive")
	}

	if c.Upload.MaxBytes < 1 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}

	if len(c.Upload.Formats) == 0 {
		return fmt.Errorf("upload.formats cannot be empty")
	}

	if c.Upload.MaxSide < 0 {
		return fmt.Errorf("upload.max_side cannot be negative")
	}

	if c.Upload.Quality < 1 || c.Upload.Quality > 100 {
		return fmt.Errorf("upload.quality must be between 1 and 100")
	}

	return nil
}

// HasModel reports whether name is one of the configured models
func (c *Config) HasModel(name string) bool {
	for _, m := range c.Ollama.Models {
		if m == name {
			return true
		}
	}
	return false
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "vision-qa", "config.yaml")
}
