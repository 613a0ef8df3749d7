package agent

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rescued/pkg/telemetry"
)

const (
	// ConfigPath is where the agent looks for its YAML configuration.
	ConfigPath = "/etc/rescued/agent.yaml"

	// Version is reported in the bootstrap status line.
	Version = "1.6.0"
)

// Config represents the agent configuration stored on disk. Zero fields are
// filled from DefaultConfig.
type Config struct {
	Hubs            []string      `yaml:"hubs"`
	HubPort         int           `yaml:"hub_port"`
	ListenAddr      string        `yaml:"listen_addr"`
	ListenPort      int           `yaml:"listen_port"`
	HeartbeatMin    time.Duration `yaml:"heartbeat_min"`
	HeartbeatMax    time.Duration `yaml:"heartbeat_max"`
	HeartbeatFactor float64       `yaml:"heartbeat_factor"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	WorkDir         string        `yaml:"work_dir"`
	Namespace       string        `yaml:"namespace"`
	Instructions    string        `yaml:"instructions"`
	Executable      string        `yaml:"executable"`
	TemplateDir     string        `yaml:"template_dir"`
	Viewers         []string      `yaml:"viewers"`
	LogLevel        string        `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Hubs:            []string{"192.168.1.61", "192.168.1.244", "192.168.1.8"},
		HubPort:         8000,
		ListenAddr:      "0.0.0.0",
		ListenPort:      8001,
		HeartbeatMin:    30 * time.Second,
		HeartbeatMax:    300 * time.Second,
		HeartbeatFactor: 1.5,
		RetryDelay:      10 * time.Second,
		DialTimeout:     time.Second,
		RequestTimeout:  10 * time.Second,
		FetchTimeout:    2 * time.Minute,
		WorkDir:         "/var/lib/rescued",
		Namespace:       "scripts",
		Instructions:    "scripts/instructions.sh",
		Viewers:         []string{"garcon-url-handler", "xdg-open", "open"},
		LogLevel:        "INFO",
	}
}

// LoadConfig reads the YAML file at p. A missing file at the default
// location yields the defaults.
func LoadConfig(p string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(p)
	switch {
	case err == nil:
		var fromFile Config
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
		cfg = fromFile.withDefaults()
	case errors.Is(err, os.ErrNotExist) && p == ConfigPath:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.Hubs) == 0 {
		c.Hubs = def.Hubs
	}
	if c.HubPort == 0 {
		c.HubPort = def.HubPort
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.ListenPort == 0 {
		c.ListenPort = def.ListenPort
	}
	if c.HeartbeatMin == 0 {
		c.HeartbeatMin = def.HeartbeatMin
	}
	if c.HeartbeatMax == 0 {
		c.HeartbeatMax = def.HeartbeatMax
	}
	if c.HeartbeatFactor == 0 {
		c.HeartbeatFactor = def.HeartbeatFactor
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.WorkDir == "" {
		c.WorkDir = def.WorkDir
	}
	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	if c.Instructions == "" {
		c.Instructions = def.Instructions
	}
	if c.Viewers == nil {
		c.Viewers = def.Viewers
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return c
}

// Validate rejects configurations the scheduler cannot run with.
func (c Config) Validate() error {
	if len(c.Hubs) == 0 {
		return errors.New("config needs at least one hub candidate")
	}
	for _, port := range []int{c.HubPort, c.ListenPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
	}
	if c.HeartbeatMin <= 0 || c.HeartbeatMax < c.HeartbeatMin {
		return fmt.Errorf("heartbeat bounds %s..%s are invalid", c.HeartbeatMin, c.HeartbeatMax)
	}
	if c.HeartbeatFactor < 1 {
		return fmt.Errorf("heartbeat factor %v must be at least 1", c.HeartbeatFactor)
	}
	if c.RetryDelay <= 0 {
		return errors.New("retry delay must be positive")
	}
	if strings.TrimSpace(c.WorkDir) == "" {
		return errors.New("config missing work_dir")
	}
	if _, err := telemetry.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	ns := strings.Trim(c.Namespace, "/")
	if ns == "" {
		return errors.New("config missing namespace")
	}
	if path.Dir(c.Instructions) != ns {
		return fmt.Errorf("instructions %q must live in namespace %q", c.Instructions, ns)
	}
	return nil
}
