// Package config loads DearMe settings from defaults, a YAML file and
// DEARME_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	NLP       NLPConfig
	Retrieval RetrievalConfig
	Rewrite   RewriteConfig
	Ollama    OllamaConfig
	Ingest    IngestConfig
	MCP       MCPConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
	// APIToken, when set, is required as a bearer token on /api routes.
	APIToken       string
	AllowedOrigins []string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type NLPConfig struct {
	URL         string
	PlanTimeout time.Duration
}

type RetrievalConfig struct {
	Backend     string
	Timeout     time.Duration
	MatchCount  int
	RecentCount int
}

type RewriteConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	APIKey      string
}

type OllamaConfig struct {
	URL string
}

type IngestConfig struct {
	PollInterval time.Duration
}

type MCPConfig struct {
	UserID string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4000,
			MaxConnections: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		NLP: NLPConfig{
			URL:         "http://localhost:8000",
			PlanTimeout: 10 * time.Second,
		},
		Retrieval: RetrievalConfig{
			Backend:     "sqlite",
			Timeout:     5 * time.Second,
			MatchCount:  5,
			RecentCount: 3,
		},
		Rewrite: RewriteConfig{
			Provider:    "none",
			Model:       "gpt-4o-mini",
			Timeout:     8 * time.Second,
			MaxTokens:   240,
			Temperature: 0.2,
		},
		Ollama: OllamaConfig{
			URL: "http://localhost:11434",
		},
		Ingest: IngestConfig{
			PollInterval: 2 * time.Second,
		},
		MCP: MCPConfig{
			UserID: "local",
		},
	}
}

// Load reads configuration from the YAML config file, the secrets file and
// environment variables, in that order of increasing precedence.
//
// The config file lives at $DEARME_CONFIG, or $XDG_CONFIG_HOME/dearme/config.yaml.
// Secrets (API keys and the server token) are never read from the config
// file; they come from secrets.yaml next to it (mode 0600) or from env.
func Load() (Config, error) {
	b, err := newFileBackend(ConfigFilePath())
	if err != nil {
		return Config{}, err
	}
	secrets, err := newFileBackend(SecretsFilePath())
	if err != nil {
		return Config{}, err
	}
	envs, err := newEnvBackend()
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, secrets, envs)
}

func loadWith(b, secrets, envs ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b, plainKeys); err != nil {
		return Config{}, err
	}
	if err := applyBackend(&cfg, secrets, secretKeys); err != nil {
		return Config{}, err
	}
	if err := applyBackend(&cfg, envs, allKeys); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	validBackends  = map[string]bool{"sqlite": true, "chromem": true}
	validProviders = map[string]bool{"none": true, "openai": true, "ollama": true, "gemini": true}
	validLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats   = map[string]bool{"text": true, "json": true}
)

// Validate checks that the configuration contains usable values.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be non-negative")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log.level %q: must be one of debug, info, warn, error", c.Log.Level)
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log.format %q: must be text or json", c.Log.Format)
	}
	if c.NLP.URL == "" {
		return fmt.Errorf("nlp.url is required")
	}
	if !validBackends[c.Retrieval.Backend] {
		return fmt.Errorf("invalid retrieval.backend %q: must be sqlite or chromem", c.Retrieval.Backend)
	}
	if c.Retrieval.RecentCount < 3 || c.Retrieval.RecentCount > 5 {
		return fmt.Errorf("retrieval.recent_count must be between 3 and 5, got %d", c.Retrieval.RecentCount)
	}
	if c.Retrieval.MatchCount <= 0 {
		return fmt.Errorf("retrieval.match_count must be positive")
	}
	if !validProviders[c.Rewrite.Provider] {
		return fmt.Errorf("invalid rewrite.provider %q: must be one of none, openai, ollama, gemini", c.Rewrite.Provider)
	}
	if c.Rewrite.MaxTokens <= 0 {
		return fmt.Errorf("rewrite.max_tokens must be positive")
	}
	if c.Rewrite.Temperature < 0 || c.Rewrite.Temperature > 2 {
		return fmt.Errorf("rewrite.temperature must be between 0 and 2")
	}
	for key, d := range map[string]time.Duration{
		"nlp.plan_timeout":     c.NLP.PlanTimeout,
		"retrieval.timeout":    c.Retrieval.Timeout,
		"rewrite.timeout":      c.Rewrite.Timeout,
		"ingest.poll_interval": c.Ingest.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.MCP.UserID == "" {
		return fmt.Errorf("mcp.user_id is required")
	}
	return nil
}

// ConfigFilePath returns the YAML config file location.
func ConfigFilePath() string {
	if p := os.Getenv("DEARME_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(configDir(), "config.yaml")
}

// SecretsFilePath returns the secrets file location, next to the config file.
func SecretsFilePath() string {
	return filepath.Join(filepath.Dir(ConfigFilePath()), "secrets.yaml")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "dearme")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "dearme-data"
		}
	}
	return filepath.Join(dir, "dearme")
}
