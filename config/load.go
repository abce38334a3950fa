package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/bozzfozz/harmony-sub003/errors"
)

// Load reads configuration from the given path. An empty path falls back to
// the first of ./harmony.toml and ~/.harmony/config.toml that exists; if none
// does, defaults plus environment variables apply.
//
// The returned Viper instance is the live configuration source: the retry
// policy provider re-reads [retry.*] from it on every refresh.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix("HARMONY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// LoadWithViper loads configuration using a provided Viper instance.
// Useful for tests that build configuration programmatically.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// findConfigFile returns the first config file found in the standard
// locations, or empty string if none exists.
func findConfigFile() string {
	if _, err := os.Stat("harmony.toml"); err == nil {
		return "harmony.toml"
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".harmony", "config.toml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
