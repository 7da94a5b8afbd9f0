// Package config loads dispatch settings from ~/.dispatch/config.toml,
// DISPATCH_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agusx1211/dispatch/internal/catalog"
)

const (
	configName = "config"
	configType = "toml"
	envPrefix  = "DISPATCH"
	homeEnv    = "DISPATCH_HOME"
	redacted   = "********"
)

// TLS modes for Server.TLS.
const (
	TLSOff        = ""
	TLSSelfSigned = "self-signed"
	TLSCustom     = "custom"
)

// Server configures the HTTP listener.
type Server struct {
	Host      string  `mapstructure:"host" toml:"host"`
	Port      int     `mapstructure:"port" toml:"port"`
	AuthToken string  `mapstructure:"auth_token" toml:"auth_token,omitempty"`
	RateLimit float64 `mapstructure:"rate_limit" toml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" toml:"rate_burst"`
	TLS       string  `mapstructure:"tls" toml:"tls,omitempty"`
	CertFile  string  `mapstructure:"cert_file" toml:"cert_file,omitempty"`
	KeyFile   string  `mapstructure:"key_file" toml:"key_file,omitempty"`
	MDNS      bool    `mapstructure:"mdns" toml:"mdns"`
}

// Store configures the session ledger.
type Store struct {
	Path string `mapstructure:"path" toml:"path"`
}

// Runtime configures the live task registry.
type Runtime struct {
	Grace        time.Duration `mapstructure:"grace"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	ReplayLimit  int           `mapstructure:"replay_limit"`
}

// Model selects the model runner.
type Model struct {
	Provider string `mapstructure:"provider" toml:"provider"`
	Name     string `mapstructure:"name" toml:"name,omitempty"`
	APIKey   string `mapstructure:"api_key" toml:"api_key,omitempty"`
}

// Client configures commands that talk to a running server.
type Client struct {
	BaseURL       string        `mapstructure:"base_url"`
	Token         string        `mapstructure:"token"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushBytes    int           `mapstructure:"flush_bytes"`
}

// Config is the full set of settings.
type Config struct {
	Server       Server               `mapstructure:"server"`
	Store        Store                `mapstructure:"store"`
	Runtime      Runtime              `mapstructure:"runtime"`
	Model        Model                `mapstructure:"model"`
	Client       Client               `mapstructure:"client"`
	Capabilities []catalog.Capability `mapstructure:"capabilities"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// Dir returns the dispatch home directory. DISPATCH_HOME overrides the
// default of ~/.dispatch.
func Dir() string {
	if dir := strings.TrimSpace(os.Getenv(homeEnv)); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".dispatch")
}

// Path returns the default config file location.
func Path() string {
	return filepath.Join(Dir(), configName+"."+configType)
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:      "127.0.0.1",
			Port:      8080,
			RateLimit: 20,
			RateBurst: 40,
		},
		Store: Store{Path: filepath.Join(Dir(), "sessions.db")},
		Runtime: Runtime{
			Grace:        30 * time.Minute,
			ReapInterval: 5 * time.Minute,
			ReplayLimit:  2048,
		},
		Model: Model{Provider: "echo"},
		Client: Client{
			BaseURL:       "http://127.0.0.1:8080",
			FlushInterval: 16 * time.Millisecond,
			FlushBytes:    4096,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.auth_token", d.Server.AuthToken)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)
	v.SetDefault("server.tls", d.Server.TLS)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.mdns", d.Server.MDNS)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("runtime.grace", d.Runtime.Grace)
	v.SetDefault("runtime.reap_interval", d.Runtime.ReapInterval)
	v.SetDefault("runtime.replay_limit", d.Runtime.ReplayLimit)
	v.SetDefault("model.provider", d.Model.Provider)
	v.SetDefault("model.name", d.Model.Name)
	v.SetDefault("model.api_key", d.Model.APIKey)
	v.SetDefault("client.base_url", d.Client.BaseURL)
	v.SetDefault("client.token", d.Client.Token)
	v.SetDefault("client.flush_interval", d.Client.FlushInterval)
	v.SetDefault("client.flush_bytes", d.Client.FlushBytes)
}

// Binding ties a command-line flag to a config key. The flag only wins when
// it was set explicitly.
type Binding struct {
	Key  string
	Flag *pflag.Flag
}

// Load reads the config file at path, or the default location when path is
// empty. A missing file is not an error.
func Load(path string, bindings ...Binding) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(Dir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, b := range bindings {
		if b.Flag == nil {
			continue
		}
		if err := v.BindPFlag(b.Key, b.Flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", b.Flag.Name, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Server.TLS {
	case TLSOff, TLSSelfSigned:
	case TLSCustom:
		if c.Server.CertFile == "" || c.Server.KeyFile == "" {
			return errors.New("server.tls = custom requires server.cert_file and server.key_file")
		}
	default:
		return fmt.Errorf("server.tls must be %q or %q, got %q", TLSSelfSigned, TLSCustom, c.Server.TLS)
	}
	switch c.Model.Provider {
	case "echo", "genai":
	default:
		return fmt.Errorf("model.provider must be echo or genai, got %q", c.Model.Provider)
	}
	if c.Store.Path == "" {
		return errors.New("store.path is empty")
	}
	return nil
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Capabilities = append([]catalog.Capability(nil), c.Capabilities...)
	if out.Server.AuthToken != "" {
		out.Server.AuthToken = redacted
	}
	if out.Model.APIKey != "" {
		out.Model.APIKey = redacted
	}
	if out.Client.Token != "" {
		out.Client.Token = redacted
	}
	return &out
}
