package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/image-semantics/pkg/caption"
	"github.com/menta2k/image-semantics/pkg/extraction"
	"github.com/menta2k/image-semantics/pkg/prompt"
	"github.com/menta2k/image-semantics/pkg/region"
	"github.com/menta2k/image-semantics/pkg/tagger"
	"github.com/menta2k/image-semantics/pkg/vocab"
)

// Config holds the application configuration
type Config struct {
	Encoder     EncoderConfig     `yaml:"encoder"`
	TextEncoder TextEncoderConfig `yaml:"text_encoder"`
	Vocab       VocabConfig       `yaml:"vocab"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Prompt      PromptConfig      `yaml:"prompt"`
	Upload      UploadConfig      `yaml:"upload"`
	Store       StoreConfig       `yaml:"store"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// EncoderConfig holds the image embedding server settings
type EncoderConfig struct {
	URL         string `yaml:"url"`
	Model       string `yaml:"model"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	SendFormat  string `yaml:"send_format"` // jpg, png
	SendSize    int    `yaml:"send_size"`
	SendQuality int    `yaml:"send_quality"`
}

// Timeout returns the request timeout as a duration
func (c EncoderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// TextEncoderConfig holds the label embedding provider used by vocabulary builds
type TextEncoderConfig struct {
	Provider   string `yaml:"provider"` // llamacpp, ollama, openai
	URL        string `yaml:"url"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
}

// VocabConfig points at the three label dictionaries
type VocabConfig struct {
	Object  vocab.Source `yaml:"object"`
	Caption vocab.Source `yaml:"caption"`
	Style   vocab.Source `yaml:"style"`
}

// Sources returns the dictionaries keyed by tagger kind
func (c VocabConfig) Sources() map[tagger.Kind]vocab.Source {
	return map[tagger.Kind]vocab.Source{
		tagger.KindObject:  c.Object,
		tagger.KindCaption: c.Caption,
		tagger.KindStyle:   c.Style,
	}
}

// ExtractionConfig holds region tiling and prompt assembly settings
type ExtractionConfig struct {
	GridSizes       []int  `yaml:"grid_sizes"`
	RegionTopK      int    `yaml:"region_top_k"`
	StyleTopK       int    `yaml:"style_top_k"`
	CaptionTopK     int    `yaml:"caption_top_k"`
	ObjectKeywords  int    `yaml:"object_keywords"`
	ObjectMinLength int    `yaml:"object_min_length"`
	FallbackPrompt  string `yaml:"fallback_prompt"`
	Workers         int    `yaml:"workers"`
}

// PromptConfig holds the keyword prompt settings
type PromptConfig struct {
	MaxKeywords int    `yaml:"max_keywords"`
	MinLength   int    `yaml:"min_length"`
	Fallback    string `yaml:"fallback"`
}

// UploadConfig holds the annotation endpoint. An empty endpoint disables upload.
type UploadConfig struct {
	Endpoint   string `yaml:"endpoint"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// StoreConfig holds the post store location
type StoreConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Env   string `yaml:"env"`   // prod, dev, local
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns a configuration with default values
func Default() *Config {
	c := &Config{
		Encoder: EncoderConfig{
			URL:   "http://localhost:8080",
			Model: "clip",
		},
		TextEncoder: TextEncoderConfig{
			Provider: "ollama",
			URL:      "http://localhost:11434",
			Model:    "nomic-embed-text",
		},
		Vocab: VocabConfig{
			Object:  vocab.Source{Labels: "vocab/object_labels.json", Embeddings: "vocab/object_embs.npy"},
			Caption: vocab.Source{Labels: "vocab/caption_labels.json", Embeddings: "vocab/caption_embs.npy"},
			Style:   vocab.Source{Labels: "vocab/style_labels.json", Embeddings: "vocab/style_embs.npy"},
		},
		Store: StoreConfig{Path: "./data/posts"},
		HTTP:  HTTPConfig{Port: 8090},
	}
	c.ApplyDefaults()
	return c
}

// Load reads a YAML configuration file, expanding ${VAR} and ${VAR:-default}
// references, then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = expandEnvVars(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills empty fields with default values
func (c *Config) ApplyDefaults() {
	if c.Encoder.TimeoutSec <= 0 {
		c.Encoder.TimeoutSec = 120
	}
	if c.Encoder.SendFormat == "" {
		c.Encoder.SendFormat = "jpg"
	}
	if c.Encoder.SendSize <= 0 {
		c.Encoder.SendSize = 448
	}
	if c.Encoder.SendQuality <= 0 {
		c.Encoder.SendQuality = 90
	}

	ext := extraction.DefaultConfig()
	if len(c.Extraction.GridSizes) == 0 {
		c.Extraction.GridSizes = ext.Region.GridSizes
	}
	if c.Extraction.RegionTopK <= 0 {
		c.Extraction.RegionTopK = ext.Region.TopK
	}
	if c.Extraction.StyleTopK <= 0 {
		c.Extraction.StyleTopK = ext.StyleTopK
	}
	if c.Extraction.CaptionTopK <= 0 {
		c.Extraction.CaptionTopK = ext.CaptionTopK
	}
	if c.Extraction.ObjectKeywords <= 0 {
		c.Extraction.ObjectKeywords = ext.Objects.MaxKeywords
	}
	if c.Extraction.ObjectMinLength <= 0 {
		c.Extraction.ObjectMinLength = ext.Objects.MinLength
	}
	if c.Extraction.FallbackPrompt == "" {
		c.Extraction.FallbackPrompt = ext.FallbackPrompt
	}
	if c.Extraction.Workers <= 0 {
		c.Extraction.Workers = ext.PoolSize
	}

	p := prompt.DefaultConfig()
	if c.Prompt.MaxKeywords <= 0 {
		c.Prompt.MaxKeywords = p.MaxKeywords
	}
	if c.Prompt.MinLength <= 0 {
		c.Prompt.MinLength = p.MinLength
	}
	if c.Prompt.Fallback == "" {
		c.Prompt.Fallback = p.Fallback
	}

	if c.Upload.TimeoutSec <= 0 {
		c.Upload.TimeoutSec = 30
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 30
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 180
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "local"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.RegionConfig().Validate(); err != nil {
		return fmt.Errorf("extraction: %w", err)
	}
	if c.Extraction.StyleTopK < 1 || c.Extraction.CaptionTopK < 1 {
		return fmt.Errorf("extraction.style_top_k and extraction.caption_top_k must be at least 1")
	}

	switch c.Encoder.SendFormat {
	case "jpg", "jpeg", "png":
	default:
		return fmt.Errorf("encoder.send_format must be jpg or png, got %q", c.Encoder.SendFormat)
	}
	if c.Encoder.SendQuality < 1 || c.Encoder.SendQuality > 100 {
		return fmt.Errorf("encoder.send_quality must be between 1 and 100, got %d", c.Encoder.SendQuality)
	}

	switch c.TextEncoder.Provider {
	case "", "llamacpp", "ollama", "openai":
	default:
		return fmt.Errorf("text_encoder.provider must be llamacpp, ollama or openai, got %q", c.TextEncoder.Provider)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required unless store.in_memory is set")
	}
	return nil
}

// RegionConfig returns the tiling settings
func (c *Config) RegionConfig() region.Config {
	return region.Config{
		GridSizes: append([]int(nil), c.Extraction.GridSizes...),
		TopK:      c.Extraction.RegionTopK,
	}
}

// KeywordConfig returns the keyword prompt settings
func (c *Config) KeywordConfig() prompt.Config {
	p := prompt.DefaultConfig()
	p.MaxKeywords = c.Prompt.MaxKeywords
	p.MinLength = c.Prompt.MinLength
	p.Fallback = c.Prompt.Fallback
	return p
}

// OrchestratorConfig returns the orchestrator settings
func (c *Config) OrchestratorConfig() extraction.Config {
	objects := prompt.ObjectConfig()
	objects.MaxKeywords = c.Extraction.ObjectKeywords
	objects.MinLength = c.Extraction.ObjectMinLength

	return extraction.Config{
		Region:         c.RegionConfig(),
		StyleTopK:      c.Extraction.StyleTopK,
		CaptionTopK:    c.Extraction.CaptionTopK,
		Objects:        objects,
		Caption:        caption.DefaultConfig(),
		FallbackPrompt: c.Extraction.FallbackPrompt,
		PoolSize:       c.Extraction.Workers,
	}
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

// GetConfigPath returns the configuration file path: $SEMTAG_CONFIG if set,
// else ./config.yaml when present, else the per-user location.
func GetConfigPath() string {
	if p := os.Getenv("SEMTAG_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "semtag", "config.yaml")
}

// envVarRegex matches ${VAR} and ${VAR:-default}
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
