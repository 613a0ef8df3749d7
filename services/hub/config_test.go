package hub

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("LoadWith: %v", err)
	}
	if cfg.Port != 8000 || cfg.WakePort != 8001 {
		t.Fatalf("unexpected ports %d/%d", cfg.Port, cfg.WakePort)
	}
	if cfg.WakeTimeout != 2*time.Second || cfg.ProxyTimeout != 30*time.Second {
		t.Fatalf("unexpected timeouts %s/%s", cfg.WakeTimeout, cfg.ProxyTimeout)
	}
	if cfg.ListenAddr() != "0.0.0.0:8000" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr())
	}
	roots, err := cfg.ParsedRoots()
	if err != nil || len(roots) != 1 || roots[0].Prefix != "scripts" {
		t.Fatalf("roots = %+v, %v", roots, err)
	}
}

func TestLoadWithRejectsInvalidValues(t *testing.T) {
	tests := map[string]map[string]string{
		"port":      {"RESCUE_HUB_PORT": "70000"},
		"wake port": {"RESCUE_WAKE_PORT": "0"},
		"roots":     {"RESCUE_ROOTS": "scripts"},
		"no roots":  {"RESCUE_ROOTS": " , "},
		"upload":    {"RESCUE_MAX_UPLOAD_BYTES": "0"},
		"rate":      {"RESCUE_RATE_LIMIT": "-1"},
	}
	for name, env := range tests {
		if _, err := LoadWith(context.Background(), envconfig.MapLookuper(env)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
