// Package config loads the gateway configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentsh/execgate/pkg/types"
)

type Config struct {
	Server   ServerConfig           `yaml:"server"`
	Policy   PolicyConfig           `yaml:"policy"`
	Approval ApprovalConfig         `yaml:"approval"`
	Defaults RoutingConfig          `yaml:"defaults"`
	Agents   map[string]AgentConfig `yaml:"agents"`
	Events   EventsConfig           `yaml:"events"`
	Sandbox  SandboxConfig          `yaml:"sandbox"`
	Logging  LoggingConfig          `yaml:"logging"`
}

type ServerConfig struct {
	// Addr is the local HTTP API listener. Loopback only; the gateway
	// API is not meant to be exposed over a network.
	Addr string `yaml:"addr"`

	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

type PolicyConfig struct {
	// Path locates the policy document for this execution host.
	Path string `yaml:"path"`

	// SkillBinDir is the directory whose executables count as
	// allowlist matches for agents with autoAllowSkillBinaries.
	SkillBinDir string `yaml:"skill_bin_dir"`
}

type ApprovalConfig struct {
	// Socket is the approval IPC socket path hosted by the approving
	// UI. Recorded in the policy document when the UI starts.
	Socket string `yaml:"socket"`

	ConnectTimeout Duration `yaml:"connect_timeout"`
	Timeout        Duration `yaml:"timeout"`
}

// RoutingConfig is the global default for the routing axes. Empty
// fields fall through to the hardcoded safe defaults (sandbox, deny,
// on-miss, deny).
type RoutingConfig struct {
	Host        string `yaml:"host"`
	Node        string `yaml:"node"`
	Security    string `yaml:"security"`
	Ask         string `yaml:"ask"`
	AskFallback string `yaml:"ask_fallback"`
}

// AgentConfig is a per-agent routing override.
type AgentConfig struct {
	Host string `yaml:"host"`
	Node string `yaml:"node"`
}

type EventsConfig struct {
	// DBPath locates the sqlite audit store. Empty disables audit
	// persistence; the in-memory broker still serves live events.
	DBPath string `yaml:"db_path"`
}

type SandboxConfig struct {
	// Workdir roots sandbox-host executions.
	Workdir string `yaml:"workdir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// Default returns the built-in configuration rooted under baseDir.
func Default(baseDir string) *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:7070",
			ReadTimeout:  Duration{30 * time.Second},
			WriteTimeout: Duration{30 * time.Second},
		},
		Policy: PolicyConfig{
			Path:        filepath.Join(baseDir, "policy.json"),
			SkillBinDir: filepath.Join(baseDir, "skills", "bin"),
		},
		Approval: ApprovalConfig{
			Socket:         filepath.Join(baseDir, "approval.sock"),
			ConnectTimeout: Duration{2 * time.Second},
			Timeout:        Duration{5 * time.Minute},
		},
		Events: EventsConfig{
			DBPath: filepath.Join(baseDir, "events.db"),
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultBaseDir is where gateway state lives unless configured
// otherwise.
func DefaultBaseDir() string {
	if dir := os.Getenv("EXECGATE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".execgate"
	}
	return filepath.Join(home, ".execgate")
}

// Load reads and validates the configuration at path, filling unset
// fields from the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default(DefaultBaseDir())
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the enum-valued fields.
func (c *Config) Validate() error {
	if c.Defaults.Host != "" {
		if _, err := types.ParseHostKind(c.Defaults.Host); err != nil {
			return fmt.Errorf("defaults.host: %w", err)
		}
	}
	if c.Defaults.Security != "" {
		if _, err := types.ParseSecurityMode(c.Defaults.Security); err != nil {
			return fmt.Errorf("defaults.security: %w", err)
		}
	}
	if c.Defaults.Ask != "" {
		if _, err := types.ParseAskMode(c.Defaults.Ask); err != nil {
			return fmt.Errorf("defaults.ask: %w", err)
		}
	}
	if c.Defaults.AskFallback != "" {
		if _, err := types.ParseSecurityMode(c.Defaults.AskFallback); err != nil {
			return fmt.Errorf("defaults.ask_fallback: %w", err)
		}
	}
	for id, a := range c.Agents {
		if a.Host != "" {
			if _, err := types.ParseHostKind(a.Host); err != nil {
				return fmt.Errorf("agents.%s.host: %w", id, err)
			}
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format: invalid format %q", c.Logging.Format)
	}
	return nil
}

// Duration is a yaml-friendly time.Duration.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be scalar")
	}
	dd, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}
