package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/image-labeler/pkg/taxonomy"
)

// EnvPrefix prefixes environment overrides, e.g. IMAGE_LABELER_CLASSIFIER_MODEL
const EnvPrefix = "IMAGE_LABELER"

// Supported classifier backends
const (
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
	BackendGemini   = "gemini"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config holds the application configuration
type Config struct {
	Threshold      float64          `mapstructure:"threshold" yaml:"threshold"`
	PromptTemplate string           `mapstructure:"prompt_template" yaml:"prompt_template"`
	StrictTaxonomy bool             `mapstructure:"strict_taxonomy" yaml:"strict_taxonomy"`
	Classifier     ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Prepare        PrepareConfig    `mapstructure:"prepare" yaml:"prepare"`
	Ingest         IngestConfig     `mapstructure:"ingest" yaml:"ingest"`
	Taxonomy       TaxonomyConfig   `mapstructure:"taxonomy" yaml:"taxonomy"`
	Server         ServerConfig     `mapstructure:"server" yaml:"server"`
}

// ClassifierConfig selects the vision model used for zero-shot scoring
type ClassifierConfig struct {
	Backend string        `mapstructure:"backend" yaml:"backend"`
	URL     string        `mapstructure:"url" yaml:"url"`
	Model   string        `mapstructure:"model" yaml:"model"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PrepareConfig controls how images are re-encoded for the model
type PrepareConfig struct {
	Format   string        `mapstructure:"format" yaml:"format"`
	MaxDim   int           `mapstructure:"max_dim" yaml:"max_dim"`
	Quality  int           `mapstructure:"quality" yaml:"quality"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// IngestConfig controls which uploads become records
type IngestConfig struct {
	SkipDuplicates bool `mapstructure:"skip_duplicates" yaml:"skip_duplicates"`
	MaxDistance    int  `mapstructure:"max_distance" yaml:"max_distance"`
}

// TaxonomyConfig replaces the built-in label lists when set
type TaxonomyConfig struct {
	Theme []taxonomy.LabelOption `mapstructure:"theme" yaml:"theme"`
	Style []taxonomy.LabelOption `mapstructure:"style" yaml:"style"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Threshold:      0.3,
		PromptTemplate: "uma foto de {}",
		Classifier: ClassifierConfig{
			Backend: BackendOllama,
			URL:     "http://localhost:11434",
			Model:   "qwen2.5vl:7b",
			Timeout: 5 * time.Minute,
		},
		Prepare: PrepareConfig{
			Format:   "jpg",
			MaxDim:   1024,
			Quality:  90,
			CacheTTL: 30 * time.Minute,
		},
		Ingest: IngestConfig{
			MaxDistance: 10,
		},
		Taxonomy: TaxonomyConfig{
			Theme: cloneOptions(taxonomy.DefaultThemeOptions),
			Style: cloneOptions(taxonomy.DefaultStyleOptions),
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

func cloneOptions(opts []taxonomy.LabelOption) []taxonomy.LabelOption {
	return taxonomy.New("", opts).Options()
}

// setDefaults registers every scalar key so environment overrides apply
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("threshold", d.Threshold)
	v.SetDefault("prompt_template", d.PromptTemplate)
	v.SetDefault("strict_taxonomy", d.StrictTaxonomy)
	v.SetDefault("classifier.backend", d.Classifier.Backend)
	v.SetDefault("classifier.url", d.Classifier.URL)
	v.SetDefault("classifier.model", d.Classifier.Model)
	v.SetDefault("classifier.api_key", d.Classifier.APIKey)
	v.SetDefault("classifier.timeout", d.Classifier.Timeout)
	v.SetDefault("prepare.format", d.Prepare.Format)
	v.SetDefault("prepare.max_dim", d.Prepare.MaxDim)
	v.SetDefault("prepare.quality", d.Prepare.Quality)
	v.SetDefault("prepare.cache_ttl", d.Prepare.CacheTTL)
	v.SetDefault("ingest.skip_duplicates", d.Ingest.SkipDuplicates)
	v.SetDefault("ingest.max_distance", d.Ingest.MaxDistance)
	v.SetDefault("server.addr", d.Server.Addr)
}

// FlagKeys maps command line flag names to configuration keys
var FlagKeys = map[string]string{
	"threshold":       "threshold",
	"template":        "prompt_template",
	"strict-taxonomy": "strict_taxonomy",
	"backend":         "classifier.backend",
	"url":             "classifier.url",
	"model":           "classifier.model",
	"api-key":         "classifier.api_key",
	"timeout":         "classifier.timeout",
	"skip-duplicates": "ingest.skip_duplicates",
	"addr":            "server.addr",
}

// Load reads configuration from path (optional), IMAGE_LABELER_* environment
// variables and the flags present in fs, in increasing order of precedence.
// Missing taxonomies fall back to the built-in lists.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if fs != nil {
		for name, key := range FlagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Taxonomy.Theme) == 0 {
		cfg.Taxonomy.Theme = cloneOptions(taxonomy.DefaultThemeOptions)
	}
	if len(cfg.Taxonomy.Style) == 0 {
		cfg.Taxonomy.Style = cloneOptions(taxonomy.DefaultStyleOptions)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type classifierYAML struct {
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key,omitempty"`
	Timeout string `yaml:"timeout"`
}

// MarshalYAML writes the timeout as a duration string
func (c ClassifierConfig) MarshalYAML() (interface{}, error) {
	return classifierYAML{
		Backend: c.Backend,
		URL:     c.URL,
		Model:   c.Model,
		APIKey:  c.APIKey,
		Timeout: c.Timeout.String(),
	}, nil
}

type prepareYAML struct {
	Format   string `yaml:"format"`
	MaxDim   int    `yaml:"max_dim"`
	Quality  int    `yaml:"quality"`
	CacheTTL string `yaml:"cache_ttl"`
}

// MarshalYAML writes the cache TTL as a duration string
func (p PrepareConfig) MarshalYAML() (interface{}, error) {
	return prepareYAML{
		Format:   p.Format,
		MaxDim:   p.MaxDim,
		Quality:  p.Quality,
		CacheTTL: p.CacheTTL.String(),
	}, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return invalid("threshold must be between 0 and 1")
	}

	switch c.Classifier.Backend {
	case BackendOllama, BackendLlamaCpp:
		if c.Classifier.URL == "" {
			return invalid("classifier.url is required for %s", c.Classifier.Backend)
		}
	case BackendGemini:
	default:
		return invalid("classifier.backend must be one of %s, %s, %s", BackendOllama, BackendLlamaCpp, BackendGemini)
	}

	if c.Classifier.Backend != BackendLlamaCpp && c.Classifier.Model == "" {
		return invalid("classifier.model cannot be empty")
	}

	if c.Classifier.Timeout <= 0 {
		return invalid("classifier.timeout must be positive")
	}

	switch strings.ToLower(c.Prepare.Format) {
	case "jpg", "jpeg", "png":
	default:
		return invalid("prepare.format must be jpg or png")
	}

	if c.Prepare.Quality < 1 || c.Prepare.Quality > 100 {
		return invalid("prepare.quality must be between 1 and 100")
	}

	if c.Prepare.MaxDim < 0 {
		return invalid("prepare.max_dim cannot be negative")
	}

	if c.Ingest.MaxDistance < 0 || c.Ingest.MaxDistance > 64 {
		return invalid("ingest.max_distance must be between 0 and 64")
	}

	for name, opts := range map[string][]taxonomy.LabelOption{"theme": c.Taxonomy.Theme, "style": c.Taxonomy.Style} {
		if len(opts) == 0 {
			return invalid("taxonomy.%s cannot be empty", name)
		}
		for i, opt := range opts {
			if strings.TrimSpace(opt.Key) == "" {
				return invalid("taxonomy.%s[%d] has no key", name, i)
			}
			if len(opt.Candidates) == 0 {
				return invalid("taxonomy.%s[%d] (%s) has no candidates", name, i, opt.Key)
			}
		}
	}

	return nil
}

// Themes returns the configured theme taxonomy
func (c *Config) Themes() *taxonomy.Taxonomy {
	return taxonomy.New("theme", c.Taxonomy.Theme)
}

// Styles returns the configured style taxonomy
func (c *Config) Styles() *taxonomy.Taxonomy {
	return taxonomy.New("style", c.Taxonomy.Style)
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "image-labeler", "config.yaml")
}
