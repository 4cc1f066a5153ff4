package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxImages     = 5
	defaultMaxImageBytes = 10 << 20 // 10 MiB
	defaultTimeout       = 120 * time.Second
	defaultPollInterval  = time.Second
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Metrics   bool   `yaml:"metrics"`
}

// UploadsConfig bounds the multipart payloads accepted by the edit endpoints.
type UploadsConfig struct {
	MaxImages     int   `yaml:"max_images"`
	MaxImageBytes int64 `yaml:"max_image_bytes"`
}

// ProvidersConfig catalogues configured upstream providers. Gemini is optional;
// at least one of fal or OpenRouter must be present for the edit endpoints.
type ProvidersConfig struct {
	Fal        *FalConfig        `yaml:"fal"`
	OpenRouter *OpenRouterConfig `yaml:"openrouter"`
	Gemini     *ProviderConfig   `yaml:"gemini"`
}

// ProviderConfig captures authentication and routing info shared by every provider.
type ProviderConfig struct {
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	DefaultModel string            `yaml:"default_model"`
	Timeout      time.Duration     `yaml:"timeout"`
	Headers      Headers           `yaml:"headers"`
	Aliases      map[string]string `yaml:"aliases"`
	Match        MatchConfig       `yaml:"match"`
}

// FalConfig adds the fal queue options.
type FalConfig struct {
	ProviderConfig `yaml:",inline"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	NumImages      int           `yaml:"num_images"`
	OutputFormat   string        `yaml:"output_format"`
	SyncMode       bool          `yaml:"sync_mode"`
}

// OpenRouterConfig adds chat completion options.
type OpenRouterConfig struct {
	ProviderConfig `yaml:",inline"`
	SiteURL        string `yaml:"site_url"`
	AppTitle       string `yaml:"app_title"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// MatchConfig lists the model id rules routed to a provider. A model id matches
// when it starts with any prefix or contains any marker.
type MatchConfig struct {
	Prefixes []string `yaml:"prefixes"`
	Contains []string `yaml:"contains"`
}

// Empty reports whether no rule is configured.
func (m MatchConfig) Empty() bool {
	return len(m.Prefixes) == 0 && len(m.Contains) == 0
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Load reads YAML configuration from disk, expands ${VAR} references from the
// environment, applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Uploads.MaxImages == 0 {
		c.Uploads.MaxImages = defaultMaxImages
	}
	if c.Uploads.MaxImageBytes == 0 {
		c.Uploads.MaxImageBytes = defaultMaxImageBytes
	}

	if fal := c.Providers.Fal; fal != nil {
		applyProviderDefaults(&fal.ProviderConfig, "https://queue.fal.run", "fal-ai/nano-banana/edit")
		if fal.Match.Empty() {
			fal.Match.Prefixes = []string{"fal-ai/"}
		}
		if fal.PollInterval == 0 {
			fal.PollInterval = defaultPollInterval
		}
		if fal.NumImages == 0 {
			fal.NumImages = 1
		}
		if fal.OutputFormat == "" {
			fal.OutputFormat = "jpeg"
		}
	}

	if orc := c.Providers.OpenRouter; orc != nil {
		applyProviderDefaults(&orc.ProviderConfig, "https://openrouter.ai/api/v1", "google/gemini-2.5-flash-image-preview:free")
		if orc.Match.Empty() {
			orc.Match.Contains = []string{"google/gemini", "openrouter"}
		}
		if orc.SiteURL == "" {
			orc.SiteURL = "http://localhost:3000"
		}
		if orc.AppTitle == "" {
			orc.AppTitle = "Nano Banana App"
		}
		if orc.MaxTokens == 0 {
			orc.MaxTokens = 1000
		}
	}

	if gm := c.Providers.Gemini; gm != nil {
		applyProviderDefaults(gm, "https://generativelanguage.googleapis.com/v1beta", "gemini-2.0-flash-exp")
	}
}

func applyProviderDefaults(p *ProviderConfig, baseURL, model string) {
	if p.BaseURL == "" {
		p.BaseURL = baseURL
	}
	if p.DefaultModel == "" {
		p.DefaultModel = model
	}
	if p.Timeout == 0 {
		p.Timeout = defaultTimeout
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q must be one of debug, info, warn, error", c.Server.LogLevel)
	}
	switch strings.ToLower(c.Server.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("server.log_format %q must be text or json", c.Server.LogFormat)
	}

	if c.Uploads.MaxImages <= 0 {
		return fmt.Errorf("uploads.max_images must be positive, got %d", c.Uploads.MaxImages)
	}
	if c.Uploads.MaxImageBytes <= 0 {
		return fmt.Errorf("uploads.max_image_bytes must be positive, got %d", c.Uploads.MaxImageBytes)
	}

	if c.Providers.Fal == nil && c.Providers.OpenRouter == nil {
		return fmt.Errorf("at least one of providers.fal or providers.openrouter must be configured")
	}

	if fal := c.Providers.Fal; fal != nil {
		if err := validateProvider("fal", fal.ProviderConfig, true); err != nil {
			return err
		}
		if fal.PollInterval < 0 {
			return fmt.Errorf("provider fal: poll_interval must not be negative")
		}
		if fal.NumImages < 0 {
			return fmt.Errorf("provider fal: num_images must not be negative")
		}
	}
	if orc := c.Providers.OpenRouter; orc != nil {
		if err := validateProvider("openrouter", orc.ProviderConfig, true); err != nil {
			return err
		}
		if orc.MaxTokens < 0 {
			return fmt.Errorf("provider openrouter: max_tokens must not be negative")
		}
	}
	if gm := c.Providers.Gemini; gm != nil {
		if err := validateProvider("gemini", *gm, false); err != nil {
			return err
		}
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig, routed bool) error {
	if strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if u, err := url.Parse(provider.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider %s: base_url %q must be an absolute URL", name, provider.BaseURL)
	}
	if strings.TrimSpace(provider.DefaultModel) == "" {
		return fmt.Errorf("provider %s: default_model must not be empty", name)
	}
	if provider.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must not be negative", name)
	}

	if routed {
		if provider.Match.Empty() {
			return fmt.Errorf("provider %s: at least one match prefix or marker must be configured", name)
		}
		for _, rule := range append(append([]string(nil), provider.Match.Prefixes...), provider.Match.Contains...) {
			if strings.TrimSpace(rule) == "" {
				return fmt.Errorf("provider %s: match rules must not be empty", name)
			}
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range provider.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
