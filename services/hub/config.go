package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sethvargo/go-envconfig"

	"rescued/pkg/manifest"
)

// Config holds runtime configuration for the hub.
type Config struct {
	Addr           string        `env:"RESCUE_HUB_ADDR,default=0.0.0.0"`
	Port           int           `env:"RESCUE_HUB_PORT,default=8000"`
	Roots          string        `env:"RESCUE_ROOTS,default=scripts=./templates/scripts"`
	EvidenceDir    string        `env:"RESCUE_EVIDENCE_DIR,default=./evidence"`
	AuditDir       string        `env:"RESCUE_AUDIT_DIR,default=./audit"`
	CacheDir       string        `env:"RESCUE_CACHE_DIR,default=./cache"`
	WakePort       int           `env:"RESCUE_WAKE_PORT,default=8001"`
	WakeTimeout    time.Duration `env:"RESCUE_WAKE_TIMEOUT,default=2s"`
	ProxyTimeout   time.Duration `env:"RESCUE_PROXY_TIMEOUT,default=30s"`
	MaxUploadBytes int64         `env:"RESCUE_MAX_UPLOAD_BYTES,default=268435456"`
	RateLimit      int           `env:"RESCUE_RATE_LIMIT,default=120"`
	LogLevel       string        `env:"RESCUE_LOG_LEVEL,default=INFO"`
	NATSURL        string        `env:"NATS_URL"`
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith populates a Config from the given lookuper and validates it.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ports, limits and the root list.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid hub port %d", c.Port)
	}
	if c.WakePort <= 0 || c.WakePort > 65535 {
		return fmt.Errorf("invalid wake port %d", c.WakePort)
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if _, err := c.ParsedRoots(); err != nil {
		return err
	}
	return nil
}

// ParsedRoots returns the distributable roots.
func (c Config) ParsedRoots() ([]manifest.Root, error) {
	roots, err := manifest.ParseRoots(c.Roots)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, errors.New("at least one distributable root is required")
	}
	return roots, nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Addr, strconv.Itoa(c.Port))
}
