package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as "1m30s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(v)
	return nil
}

// Config models proxim8.yml.
type Config struct {
	Scheduler struct {
		Interval             Duration `yaml:"interval"`
		PhaseInterval        Duration `yaml:"phase_interval"`
		HousekeepingInterval Duration `yaml:"housekeeping_interval"`
		Retention            Duration `yaml:"retention"`
		BatchSize            int      `yaml:"batch_size"`
	} `yaml:"scheduler"`
	Narrative struct {
		Backend string   `yaml:"backend"`
		Model   string   `yaml:"model"`
		Host    string   `yaml:"host"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"narrative"`
	Catalog struct {
		File string `yaml:"file"`
	} `yaml:"catalog"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads config from workspace, falling back to defaults when the file
// is absent. Values in the file overlay the defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config.scheduler.interval must be positive")
	}
	if c.Scheduler.PhaseInterval <= 0 {
		return fmt.Errorf("config.scheduler.phase_interval must be positive")
	}
	if c.Scheduler.HousekeepingInterval <= 0 {
		return fmt.Errorf("config.scheduler.housekeeping_interval must be positive")
	}
	if c.Scheduler.Retention < 0 {
		return fmt.Errorf("config.scheduler.retention must not be negative")
	}
	if c.Scheduler.BatchSize < 0 {
		return fmt.Errorf("config.scheduler.batch_size must not be negative")
	}
	switch c.Narrative.Backend {
	case "none", "ollama", "gemini":
	default:
		return fmt.Errorf("config.narrative.backend must be one of none, ollama, gemini")
	}
	if c.Narrative.Timeout <= 0 {
		return fmt.Errorf("config.narrative.timeout must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "" {
		return fmt.Errorf("config.log.level %q is not a valid level", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("config.log.format must be console or json")
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("config.server.addr: %w", err)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Keys lists the dotted keys accepted by Set, sorted.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var setters = map[string]func(c *Config, v string) error{
	"scheduler.interval":              durationSetter(func(c *Config) *Duration { return &c.Scheduler.Interval }),
	"scheduler.phase_interval":        durationSetter(func(c *Config) *Duration { return &c.Scheduler.PhaseInterval }),
	"scheduler.housekeeping_interval": durationSetter(func(c *Config) *Duration { return &c.Scheduler.HousekeepingInterval }),
	"scheduler.retention":             durationSetter(func(c *Config) *Duration { return &c.Scheduler.Retention }),
	"scheduler.batch_size": func(c *Config, v string) error {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return fmt.Errorf("invalid batch size %q", v)
		}
		c.Scheduler.BatchSize = n
		return nil
	},
	"narrative.backend": func(c *Config, v string) error { c.Narrative.Backend = strings.ToLower(v); return nil },
	"narrative.model":   func(c *Config, v string) error { c.Narrative.Model = v; return nil },
	"narrative.host":    func(c *Config, v string) error { c.Narrative.Host = v; return nil },
	"narrative.timeout": durationSetter(func(c *Config) *Duration { return &c.Narrative.Timeout }),
	"catalog.file":      func(c *Config, v string) error { c.Catalog.File = v; return nil },
	"log.level":         func(c *Config, v string) error { c.Log.Level = strings.ToLower(v); return nil },
	"log.format":        func(c *Config, v string) error { c.Log.Format = strings.ToLower(v); return nil },
	"server.addr":       func(c *Config, v string) error { c.Server.Addr = v; return nil },
	"server.base_path":  func(c *Config, v string) error { c.Server.BasePath = v; return nil },
}

func durationSetter(field func(c *Config) *Duration) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q", v)
		}
		*field(c) = Duration(d)
		return nil
	}
}

// Set overrides one value by dotted key, e.g. "narrative.backend".
func (c *Config) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown config key %s", key)
	}
	if err := set(c, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "proxim8.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the effective config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `scheduler:
  interval: 1m
  phase_interval: 30s
  housekeeping_interval: 1h
  retention: 720h
  batch_size: 100

narrative:
  backend: none
  model: ""
  host: ""
  timeout: 10s

catalog:
  file: ""

log:
  level: info
  format: console

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
