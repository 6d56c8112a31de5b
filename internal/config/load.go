package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by FromEnv
const (
	EnvEngineHost   = "JUT_ENGINE_HOST"
	EnvEnginePort   = "JUT_ENGINE_PORT"
	EnvClientID     = "JUT_CLIENT_ID"
	EnvClientSecret = "JUT_CLIENT_SECRET"
)

// fileConfig mirrors the settings file layout. enginePort is kept as a raw
// node so a non-integer value is reported as a violation, not a decode error.
type fileConfig struct {
	EngineHost   *string    `yaml:"engineHost"`
	EnginePort   *yaml.Node `yaml:"enginePort"`
	ClientID     *string    `yaml:"clientId"`
	ClientSecret *string    `yaml:"clientSecret"`
}

// FromFile reads a YAML or JSON settings file into an Update
func FromFile(path string) (Update, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Update{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML (or JSON) settings into an Update
func Parse(data []byte) (Update, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Update{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	u := Update{
		EngineHost:   fc.EngineHost,
		ClientID:     fc.ClientID,
		ClientSecret: fc.ClientSecret,
	}

	if n := fc.EnginePort; n != nil && n.Tag != "!!null" {
		if n.Kind == yaml.ScalarNode && (n.Tag == "!!int" || n.Tag == "!!str") {
			u = u.WithPortText(n.Value)
		} else {
			u.invalid = append(u.invalid, fmt.Sprintf("enginePort must be an integer (got %q)", n.Value))
		}
	}
	return u, nil
}

// FromEnv builds an Update from the JUT_* environment variables.
// Unset or empty variables leave the corresponding field untouched.
func FromEnv() Update {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) Update {
	get := func(k string) *string {
		if v, ok := lookup(k); ok && v != "" {
			return &v
		}
		return nil
	}

	u := Update{
		EngineHost:   get(EnvEngineHost),
		ClientID:     get(EnvClientID),
		ClientSecret: get(EnvClientSecret),
	}
	if raw := get(EnvEnginePort); raw != nil {
		u = u.WithPortText(*raw)
	}
	return u
}

// WithPortText parses a textual port (flag or env value) into u.
// A non-integer value is recorded as a violation for Apply to report.
func (u Update) WithPortText(raw string) Update {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		u.invalid = append(append([]string(nil), u.invalid...), fmt.Sprintf("enginePort must be an integer (got %q)", raw))
		u.EnginePort = nil
		return u
	}
	u.EnginePort = &port
	return u
}
