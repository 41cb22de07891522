// Package config loads the gateway's TOML configuration overlaid with
// ARKRELAY_*-tagged environment variables.
package config

import (
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
)

// Path is a filesystem path with join/convert helpers, used for config
// and credential file locations.
type Path string

func (p Path) Join(elem ...string) Path {
	parts := append([]string{string(p)}, elem...)
	return Path(filepath.Join(parts...))
}

func (p Path) ToString() string {
	return string(p)
}

// Resolve picks the effective config file: the ARKRELAY_CONFIG
// environment variable wins over the flag/default value, so deployments
// can relocate the file without changing the unit's command line.
func Resolve(fallback string) Path {
	if env := os.Getenv("ARKRELAY_CONFIG"); env != "" {
		return Path(env)
	}
	return Path(fallback)
}

// Load reads the TOML file at path into cfg and applies environment
// overrides per cfg's env tags.
func Load(path Path, cfg any) error {
	err := cleanenv.ReadConfig(path.ToString(), cfg)
	return err
}
