package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "CONVERGE_"

// File is the on-disk runtime configuration.
//
//	defaults:
//	  execution_budget_ms: 100
//	modules:
//	  Cart:
//	    mode: dirty
type File struct {
	Defaults Patch            `yaml:"defaults"`
	Modules  map[string]Patch `yaml:"modules"`
}

// ParseFile decodes a runtime configuration document. Unknown keys are errors.
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &f, nil
}

// LoadFile reads and decodes the runtime configuration at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseFile(data)
}

// FromEnv reads a Patch from CONVERGE_* environment variables.
// Unset variables leave the corresponding field nil.
func FromEnv() (Patch, error) {
	return parseEnv(env.Options{Prefix: EnvPrefix})
}

// FromEnvMap is FromEnv over an explicit environment, for tests and tools.
func FromEnvMap(environ map[string]string) (Patch, error) {
	return parseEnv(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func parseEnv(opts env.Options) (Patch, error) {
	var p Patch
	if err := env.ParseWithOptions(&p, opts); err != nil {
		return Patch{}, fmt.Errorf("parse env: %w", err)
	}
	return p, nil
}
