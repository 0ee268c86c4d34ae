// Package config loads picomcp settings from a TOML or YAML file, the
// environment and a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PICOMCP_HTTP_ADDR.
const EnvPrefix = "PICOMCP_"

type Config struct {
	Server    ServerConfig     `toml:"server" yaml:"server" envPrefix:"SERVER_"`
	Stdio     StdioConfig      `toml:"stdio" yaml:"stdio" envPrefix:"STDIO_"`
	HTTP      HTTPConfig       `toml:"http" yaml:"http" envPrefix:"HTTP_"`
	BLE       BLEConfig        `toml:"ble" yaml:"ble" envPrefix:"BLE_"`
	Providers []ProviderConfig `toml:"providers" yaml:"providers"`
}

type ServerConfig struct {
	Name    string `toml:"name" yaml:"name" env:"NAME"`
	Version string `toml:"version" yaml:"version" env:"VERSION"`
	// HandlerTimeout bounds a single request; zero disables the bound.
	HandlerTimeout time.Duration `toml:"handler_timeout" yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`
}

type StdioConfig struct {
	MaxLineBytes int `toml:"max_line_bytes" yaml:"max_line_bytes" env:"MAX_LINE_BYTES"`
}

type HTTPConfig struct {
	Addr         string `toml:"addr" yaml:"addr" env:"ADDR"`
	Path         string `toml:"path" yaml:"path" env:"PATH"`
	MaxBodyBytes int64  `toml:"max_body_bytes" yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

type BLEConfig struct {
	DeviceName string `toml:"device_name" yaml:"device_name" env:"DEVICE_NAME"`
	// MTU is the largest payload carried by one write or notify event.
	MTU             int  `toml:"mtu" yaml:"mtu" env:"MTU"`
	MaxMessageBytes int  `toml:"max_message_bytes" yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
	EagerParse      bool `toml:"eager_parse" yaml:"eager_parse" env:"EAGER_PARSE"`
}

// ProviderConfig is one [[providers]] table.
type ProviderConfig struct {
	Name          string   `toml:"name" yaml:"name"`
	Provider      string   `toml:"provider" yaml:"provider"`
	Roots         []string `toml:"roots" yaml:"roots"`
	MaxBytes      int      `toml:"max_bytes" yaml:"max_bytes"`
	IncludeHidden bool     `toml:"include_hidden" yaml:"include_hidden"`
	AllowBinary   bool     `toml:"allow_binary" yaml:"allow_binary"`
}

// Default returns the built-in configuration: the demo provider served with
// conservative limits.
func Default() Config {
	return Config{
		Server: ServerConfig{Name: "picomcp", Version: "0.1.0"},
		Stdio:  StdioConfig{MaxLineBytes: 1 << 20},
		HTTP:   HTTPConfig{Addr: ":8080", Path: "/", MaxBodyBytes: 1 << 20},
		BLE: BLEConfig{
			DeviceName:      "PicoMCP-BLE",
			MTU:             20,
			MaxMessageBytes: 8 << 10,
			EagerParse:      true,
		},
		Providers: []ProviderConfig{{Name: "demo", Provider: "demo"}},
	}
}

// Load layers the file at path (skipped when path is empty) and the
// environment over Default. A missing file is reported with an error
// matching fs.ErrNotExist.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	// A file that declares providers replaces the default provider list.
	cfg.Providers = nil
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	default:
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = Default().Providers
	}
	return nil
}

// ApplyEnv overlays PICOMCP_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}

// normalize makes relative provider roots absolute.
func (c *Config) normalize() {
	for i := range c.Providers {
		for j, r := range c.Providers[i].Roots {
			if r == "" || filepath.IsAbs(r) {
				continue
			}
			if abs, err := filepath.Abs(r); err == nil {
				c.Providers[i].Roots[j] = abs
			}
		}
	}
	if c.HTTP.Path == "" {
		c.HTTP.Path = "/"
	}
}

// Validate checks that limits are usable and every provider is named.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Name == "" {
		errs = append(errs, errors.New("server.name is required"))
	}
	if c.Server.HandlerTimeout < 0 {
		errs = append(errs, errors.New("server.handler_timeout must not be negative"))
	}
	if c.Stdio.MaxLineBytes <= 0 {
		errs = append(errs, errors.New("stdio.max_line_bytes must be positive"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	if c.BLE.MTU < 1 {
		errs = append(errs, errors.New("ble.mtu must be at least 1"))
	}
	if c.BLE.MaxMessageBytes < c.BLE.MTU {
		errs = append(errs, errors.New("ble.max_message_bytes must not be smaller than ble.mtu"))
	}
	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("at least one provider is required"))
	}
	for i, p := range c.Providers {
		if p.Provider == "" {
			errs = append(errs, fmt.Errorf("providers[%d].provider is required", i))
		}
	}
	return errors.Join(errs...)
}

// DefaultPath returns the config file location inside configDir, or in the
// working directory when configDir is empty.
func DefaultPath(configDir string) string {
	if configDir == "" {
		wd, _ := os.Getwd()
		return filepath.Join(wd, "picomcp.toml")
	}
	return filepath.Join(configDir, "picomcp.toml")
}

// Sample renders a commented starter config serving the demo provider and
// an fs provider over roots.
func Sample(name string, roots []string) string {
	if len(roots) == 0 {
		roots = []string{"./"}
	}
	quoted := make([]string, 0, len(roots))
	for _, r := range roots {
		quoted = append(quoted, fmt.Sprintf("%q", r))
	}
	d := Default()
	return fmt.Sprintf(`# picomcp configuration
# Every key can be overridden with a PICOMCP_* environment variable,
# e.g. PICOMCP_HTTP_ADDR=":9000" or PICOMCP_BLE_MTU=244.

[server]
name = %q
version = %q
# handler_timeout = "10s"

[stdio]
max_line_bytes = %d

[http]
addr = %q
path = "/"
max_body_bytes = %d

[ble]
device_name = %q
mtu = %d
max_message_bytes = %d
eager_parse = true

[[providers]]
name = "demo"
provider = "demo"

[[providers]]
name = "fs"
provider = "fs"
roots = [%s]
# max_bytes = 1048576
# include_hidden = false
# allow_binary = false
`, name, d.Server.Version, d.Stdio.MaxLineBytes, d.HTTP.Addr, d.HTTP.MaxBodyBytes,
		d.BLE.DeviceName, d.BLE.MTU, d.BLE.MaxMessageBytes, strings.Join(quoted, ", "))
}
