// Package xfconfig loads transform configuration from flags, environment
// variables, and an optional config file, mirroring internal/config's
// viper-backed layering.
package xfconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called
// once at startup, before any Get* call.
func Initialize() error {
	v = viper.New()

	v.SetConfigName("imt")
	v.SetConfigType("yaml")

	cwd, err := os.Getwd()
	if err == nil {
		v.AddConfigPath(cwd)
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "imt"))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(homeDir, ".imt"))
	}

	// IMT_SOURCE, IMT_TARGET, IMT_DANGLING_REFERENCES, etc.
	v.SetEnvPrefix("IMT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("source", "")
	v.SetDefault("target", "")
	v.SetDefault("state", "")
	v.SetDefault("target-scope-element-id", "")
	v.SetDefault("include-source-provenance", false)
	v.SetDefault("preserve-element-ids-for-filtering", false)
	v.SetDefault("dangling-references", "reject")
	v.SetDefault("source-copied-to-target", false)
	v.SetDefault("log-file", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

// GetString retrieves a string setting.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean setting.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetUint64 retrieves an unsigned integer setting, used for id-valued
// flags (target-scope-element-id accepts hex like "0x20000000002").
func GetUint64(key string) uint64 {
	if v == nil {
		return 0
	}
	s := v.GetString(key)
	if s == "" {
		return 0
	}
	var n uint64
	_, _ = fmt.Sscanf(s, "0x%x", &n)
	if n == 0 {
		_, _ = fmt.Sscanf(s, "%d", &n)
	}
	return n
}

// Set overrides a setting, used by cmd/imt to apply parsed flags over
// the file/env-derived defaults.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}
