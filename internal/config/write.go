package config

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/agusx1211/dispatch/internal/catalog"
)

const (
	fileMode        = 0o600
	dirMode         = 0o700
	tempFilePattern = ".config-*.toml.tmp"
)

// fileSchema is the on-disk layout. Durations are written as strings such
// as "30m" so the file stays hand-editable.
type fileSchema struct {
	Server       Server               `toml:"server"`
	Store        Store                `toml:"store"`
	Runtime      runtimeSchema        `toml:"runtime"`
	Model        Model                `toml:"model"`
	Client       clientSchema         `toml:"client"`
	Capabilities []catalog.Capability `toml:"capabilities,omitempty"`
}

type runtimeSchema struct {
	Grace        string `toml:"grace"`
	ReapInterval string `toml:"reap_interval"`
	ReplayLimit  int    `toml:"replay_limit"`
}

type clientSchema struct {
	BaseURL       string `toml:"base_url"`
	Token         string `toml:"token,omitempty"`
	FlushInterval string `toml:"flush_interval"`
	FlushBytes    int    `toml:"flush_bytes"`
}

func toSchema(c *Config) fileSchema {
	return fileSchema{
		Server: c.Server,
		Store:  c.Store,
		Runtime: runtimeSchema{
			Grace:        c.Runtime.Grace.String(),
			ReapInterval: c.Runtime.ReapInterval.String(),
			ReplayLimit:  c.Runtime.ReplayLimit,
		},
		Model: c.Model,
		Client: clientSchema{
			BaseURL:       c.Client.BaseURL,
			Token:         c.Client.Token,
			FlushInterval: c.Client.FlushInterval.String(),
			FlushBytes:    c.Client.FlushBytes,
		},
		Capabilities: c.Capabilities,
	}
}

// Encode renders c as TOML.
func Encode(c *Config) ([]byte, error) {
	data, err := toml.Marshal(toSchema(c))
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// Write atomically replaces the file at path with c.
func Write(path string, c *Config) error {
	data, err := Encode(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	cleanup = false
	return nil
}
