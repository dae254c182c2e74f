package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml",
		"gateway_addr: :9999\nstore_dir: /var/lib/modelplane\nheartbeat_timeout_ms: 5000\nload_timeout_ms: 60000\nworker_capacity_mb: 4096\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GatewayAddr != ":9999" || cfg.StoreDir != "/var/lib/modelplane" ||
		cfg.HeartbeatTimeoutMs != 5000 || cfg.LoadTimeoutMs != 60000 || cfg.WorkerCapacityMB != 4096 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json",
		`{"store_addr":":7070","coordinator_url":"http://coord:7071","default_deadline_ms":25000,"cors_enabled":true,"cors_origins":["http://a","http://b"]}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreAddr != ":7070" || cfg.CoordinatorURL != "http://coord:7071" || cfg.DefaultDeadlineMs != 25000 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if !cfg.CORSEnabled || len(cfg.CORSOrigins) != 2 {
		t.Fatalf("cors cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml",
		"coordinator_addr=\":7071\"\nstore_url=\"http://store:7070\"\nmax_evictions_per_load=8\nworker_id=\"w1\"\nmax_body_bytes=2097152\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CoordinatorAddr != ":7071" || cfg.StoreURL != "http://store:7070" ||
		cfg.MaxEvictionsPerLoad != 8 || cfg.WorkerID != "w1" || cfg.MaxBodyBytes != 2097152 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	if _, err := Load("/no/such/file.yaml"); err == nil {
		t.Fatalf("expected error on missing file")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.ini", "addr=:1\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error on unsupported extension")
	}
	p = writeTempFile(t, d, "bad.json", `{"store_addr":`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error on malformed JSON")
	}
}
