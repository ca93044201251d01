package config

import (
	"fmt"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll returns all config key/value pairs from the current config.
// Secret values are reported only as set or unset.
func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		value := formatValue(s.extract(cfg))
		if s.secret {
			if value != "" {
				value = "(set)"
			} else {
				value = "(unset)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  value,
			Secret: s.secret,
		})
	}
	return result
}

// SetKey writes a config key. Secrets go to the secrets file, everything
// else to the YAML config file.
func SetKey(key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	path := ConfigFilePath()
	if s.secret {
		path = SecretsFilePath()
	}
	b, err := newFileBackend(path)
	if err != nil {
		return err
	}
	return setKeyWith(b, s, value)
}

func setKeyWith(b ConfigBackend, s keySpec, value string) error {
	v, err := parseValue(s, value)
	if err != nil {
		return err
	}

	// Reject values Load would refuse later.
	check := defaults()
	s.apply(&check, v)
	if err := check.Validate(); err != nil {
		return err
	}

	switch val := v.(type) {
	case time.Duration:
		return b.Set(s.key, val.String())
	default:
		return b.Set(s.key, val)
	}
}

// UnsetKey removes a key from its file so the default applies again.
func UnsetKey(key string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	path := ConfigFilePath()
	if s.secret {
		path = SecretsFilePath()
	}
	b, err := newFileBackend(path)
	if err != nil {
		return err
	}
	return b.Delete(s.key)
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
