package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "agent.yaml")
	data := "hubs: [10.0.0.2, 10.0.0.3]\nheartbeat_max: 2m\nwork_dir: /tmp/rescue\n"
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Hubs) != 2 || cfg.Hubs[1] != "10.0.0.3" {
		t.Fatalf("hubs = %v", cfg.Hubs)
	}
	if cfg.HeartbeatMax != 2*time.Minute || cfg.HeartbeatMin != 30*time.Second {
		t.Fatalf("heartbeat = %s..%s", cfg.HeartbeatMin, cfg.HeartbeatMax)
	}
	if cfg.HubPort != 8000 || cfg.ListenPort != 8001 || cfg.HeartbeatFactor != 1.5 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Instructions != "scripts/instructions.sh" || cfg.WorkDir != "/tmp/rescue" {
		t.Fatalf("unexpected paths: %+v", cfg)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"bad yaml":        "hubs: [",
		"inverted bounds": "heartbeat_min: 5m\nheartbeat_max: 1m\n",
		"slow factor":     "heartbeat_factor: 0.5\n",
		"bad port":        "hub_port: 70000\n",
		"foreign instr":   "instructions: other/run.sh\n",
	}
	for name, body := range tests {
		p := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := LoadConfig(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("missing explicit config should fail")
	}
}
