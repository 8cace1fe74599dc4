package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "config", "agent.yml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return base
}

func TestDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadMainConfig(t.TempDir())
	if err != nil {
		t.Fatalf("missing config file must fall back to defaults: %v", err)
	}
	if cfg.Port != "25600" {
		t.Errorf("expected default port, got %s", cfg.Port)
	}
	if cfg.Gossip.Fanout != 3 || cfg.Gossip.DefaultTTL != 3 {
		t.Errorf("unexpected gossip defaults: %+v", cfg.Gossip)
	}
	if cfg.Safety.AutonomousMode {
		t.Error("autonomous mode must default to off")
	}
	if !strings.HasPrefix(cfg.NodeID, "agent-") {
		t.Errorf("expected generated node id, got %q", cfg.NodeID)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	base := writeConfig(t, `
node_id: agent-r1
port: "26000"
global_secret: "0123456789abcdef"
peers:
  - id: agent-r2
    address: 192.0.2.2
    port: 26000
gossip:
  fanout: 5
safety:
  autonomous_mode: true
  critical_interfaces: ["eth0"]
`)
	cfg, err := LoadMainConfig(base)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NodeID != "agent-r1" || cfg.Port != "26000" {
		t.Errorf("overrides not applied: id=%s port=%s", cfg.NodeID, cfg.Port)
	}
	if cfg.Gossip.Fanout != 5 {
		t.Errorf("expected fanout 5, got %d", cfg.Gossip.Fanout)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Gossip.IntervalSeconds != 30 {
		t.Errorf("expected default interval, got %d", cfg.Gossip.IntervalSeconds)
	}
	if !cfg.Safety.AutonomousMode || len(cfg.Safety.CriticalInterfaces) != 1 {
		t.Errorf("unexpected safety config: %+v", cfg.Safety)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].ID != "agent-r2" {
		t.Errorf("unexpected peers: %+v", cfg.Peers)
	}
}

func TestPeersRequireSecret(t *testing.T) {
	base := writeConfig(t, `
peers:
  - id: agent-r2
    address: 192.0.2.2
    port: 26000
`)
	if _, err := LoadMainConfig(base); err == nil {
		t.Fatal("peers without global_secret must be rejected")
	}
}

func TestShortSecretRejected(t *testing.T) {
	base := writeConfig(t, `global_secret: "tooshort"`)
	if _, err := LoadMainConfig(base); err == nil {
		t.Fatal("a secret shorter than 16 bytes must be rejected")
	}
}

func TestMalformedYAMLRejected(t *testing.T) {
	base := writeConfig(t, "port: [unclosed")
	if _, err := LoadMainConfig(base); err == nil {
		t.Fatal("malformed yaml must be an error, not a silent default")
	}
}

func TestInvalidPeerPortRejected(t *testing.T) {
	base := writeConfig(t, `
global_secret: "0123456789abcdef"
peers:
  - id: agent-r2
    address: 192.0.2.2
    port: 99999
`)
	if _, err := LoadMainConfig(base); err == nil {
		t.Fatal("out-of-range peer port must be rejected")
	}
}

func TestMetricRangeValidated(t *testing.T) {
	base := writeConfig(t, `
safety:
  metric_min: 100
  metric_max: 10
`)
	if _, err := LoadMainConfig(base); err == nil {
		t.Fatal("metric_max <= metric_min must be rejected")
	}
}
