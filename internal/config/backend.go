package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ConfigBackend abstracts config storage so loading and `config set` can be
// tested without touching the user's files.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetStrings(key string) (val []string, ok bool, err error)
	Set(key string, val any) error
	Delete(key string) error
}

// koanfBackend stores flat dotted keys in a koanf instance. When path is set
// the values are persisted there as YAML; env-backed instances are read-only.
type koanfBackend struct {
	path string
	k    *koanf.Koanf
}

// newFileBackend loads the YAML file at path. A missing file is an empty
// backend.
func newFileBackend(path string) (*koanfBackend, error) {
	b := &koanfBackend{path: path, k: koanf.New(".")}
	if _, err := os.Stat(path); err == nil {
		if err := b.k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}
	return b, nil
}

// newEnvBackend collects DEARME_* variables that name a known key.
func newEnvBackend() (*koanfBackend, error) {
	byEnv := make(map[string]string, len(specs))
	for _, s := range specs {
		byEnv[s.env] = s.key
	}
	b := &koanfBackend{k: koanf.New(".")}
	err := b.k.Load(env.Provider("DEARME_", ".", func(s string) string {
		return byEnv[s]
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}
	return b, nil
}

func (b *koanfBackend) GetString(key string) (string, bool, error) {
	if !b.k.Exists(key) {
		return "", false, nil
	}
	return b.k.String(key), true, nil
}

func (b *koanfBackend) GetInt(key string) (int, bool, error) {
	if !b.k.Exists(key) {
		return 0, false, nil
	}
	switch v := b.k.Get(key).(type) {
	case int:
		return v, true, nil
	case int64:
		return int(v), true, nil
	case uint64:
		if v > math.MaxInt {
			return 0, true, fmt.Errorf("value %v for %s is out of range", v, key)
		}
		return int(v), true, nil
	case float64:
		if v < math.MinInt || v > math.MaxInt || v != math.Trunc(v) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", v, key)
		}
		return int(v), true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

// GetStrings accepts a YAML list or a comma-separated string.
func (b *koanfBackend) GetStrings(key string) ([]string, bool, error) {
	if !b.k.Exists(key) {
		return nil, false, nil
	}
	switch v := b.k.Get(key).(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out, true, nil
	case []string:
		return v, true, nil
	case string:
		return splitList(v), true, nil
	default:
		return nil, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *koanfBackend) Set(key string, val any) error {
	if err := b.k.Set(key, val); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return b.save()
}

func (b *koanfBackend) Delete(key string) error {
	b.k.Delete(key)
	return b.save()
}

func (b *koanfBackend) save() error {
	if b.path == "" {
		return fmt.Errorf("backend is read-only")
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := b.k.Marshal(yaml.Parser())
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	return os.WriteFile(b.path, data, 0o600)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
