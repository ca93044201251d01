package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DEARME_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "DEARME_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "server.allowed_origins", typ: kList, env: "DEARME_SERVER_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.AllowedOrigins = v.([]string) },
		extract: func(cfg Config) any { return cfg.Server.AllowedOrigins },
	},
	{
		key: "server.api_token", typ: kString, env: "DEARME_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DEARME_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DEARME_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "DEARME_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "nlp.url", typ: kString, env: "DEARME_NLP_URL",
		apply:   func(cfg *Config, v any) { cfg.NLP.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.NLP.URL },
	},
	{
		key: "nlp.plan_timeout", typ: kDuration, env: "DEARME_NLP_PLAN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.NLP.PlanTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.NLP.PlanTimeout },
	},
	{
		key: "retrieval.backend", typ: kString, env: "DEARME_RETRIEVAL_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Backend },
	},
	{
		key: "retrieval.timeout", typ: kDuration, env: "DEARME_RETRIEVAL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.Timeout },
	},
	{
		key: "retrieval.match_count", typ: kInt, env: "DEARME_RETRIEVAL_MATCH_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MatchCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MatchCount },
	},
	{
		key: "retrieval.recent_count", typ: kInt, env: "DEARME_RETRIEVAL_RECENT_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RecentCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.RecentCount },
	},
	{
		key: "rewrite.provider", typ: kString, env: "DEARME_REWRITE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.Provider = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Rewrite.Provider },
	},
	{
		key: "rewrite.model", typ: kString, env: "DEARME_REWRITE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Rewrite.Model },
	},
	{
		key: "rewrite.base_url", typ: kString, env: "DEARME_REWRITE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Rewrite.BaseURL },
	},
	{
		key: "rewrite.timeout", typ: kDuration, env: "DEARME_REWRITE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Rewrite.Timeout },
	},
	{
		key: "rewrite.max_tokens", typ: kInt, env: "DEARME_REWRITE_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Rewrite.MaxTokens },
	},
	{
		key: "rewrite.temperature", typ: kFloat, env: "DEARME_REWRITE_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Rewrite.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Rewrite.Temperature },
	},
	{
		key: "rewrite.api_key", typ: kString, env: "DEARME_REWRITE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Rewrite.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Rewrite.APIKey },
	},
	{
		key: "ollama.url", typ: kString, env: "DEARME_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.URL },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "DEARME_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "mcp.user_id", typ: kString, env: "DEARME_MCP_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.MCP.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.MCP.UserID },
	},
}

func plainKeys(s keySpec) bool  { return !s.secret }
func secretKeys(s keySpec) bool { return s.secret }
func allKeys(keySpec) bool      { return true }

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend, include func(keySpec) bool) error {
	for _, s := range specs {
		if !include(s) {
			continue
		}
		v, ok, err := readValue(b, s)
		if err != nil {
			return err
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}

func readValue(b ConfigBackend, s keySpec) (any, bool, error) {
	switch s.typ {
	case kInt:
		v, ok, err := b.GetInt(s.key)
		if err != nil {
			return nil, false, fmt.Errorf("reading %s: %w", s.key, err)
		}
		return v, ok, nil
	case kList:
		v, ok, err := b.GetStrings(s.key)
		if err != nil {
			return nil, false, fmt.Errorf("reading %s: %w", s.key, err)
		}
		return v, ok, nil
	default:
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return nil, false, fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			return nil, false, nil
		}
		v, err := parseValue(s, raw)
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}
}

// parseValue converts a raw string to the key's Go type.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kString:
		return raw, nil
	case kInt:
		i, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float value for %s: %w", s.key, err)
		}
		return f, nil
	case kDuration:
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid duration value for %s: %w", s.key, err)
		}
		return d, nil
	case kList:
		return splitList(raw), nil
	}
	return nil, fmt.Errorf("unsupported type for %s", s.key)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case []string:
		return strings.Join(val, ",")
	case time.Duration:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
