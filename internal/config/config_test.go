package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.MetricsAddr != ":9090" {
		t.Errorf("unexpected addresses %q %q", cfg.ListenAddr, cfg.MetricsAddr)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Errorf("TokenTTL = %s", cfg.TokenTTL)
	}
	if !cfg.WatchSeed {
		t.Error("WatchSeed should default to true")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_DISABLED", "true")
	t.Setenv("LISTEN_ADDR", ":7000")
	t.Setenv("TOKEN_TTL", "90m")
	t.Setenv("WATCH_SEED", "nope") // unparsable falls back
	t.Setenv("LSP_LISTEN", "tcp:127.0.0.1:7998")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.TokenTTL != 90*time.Minute {
		t.Errorf("TokenTTL = %s", cfg.TokenTTL)
	}
	if !cfg.WatchSeed {
		t.Error("unparsable WATCH_SEED should keep the default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"secret", Config{JWTSecret: "x"}, true},
		{"auth disabled", Config{AuthDisabled: true}, true},
		{"no secret", Config{}, false},
		{"half tls", Config{AuthDisabled: true, TLSCertFile: "cert.pem"}, false},
		{"stdio", Config{AuthDisabled: true, LSPListen: "stdio"}, true},
		{"ws", Config{AuthDisabled: true, LSPListen: "ws::7999"}, true},
		{"bad lsp", Config{AuthDisabled: true, LSPListen: "pipe"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestLoadClient(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := "server: http://repo:8080\nview: services\ntimeout: 5s\nmax_fetch_retries: 2\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EXPLORER_RETRIES", "7")

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.Server != "http://repo:8080" || cfg.View != "services" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Timeout != 5*time.Second || cfg.MaxFetchRetries != 2 {
		t.Errorf("durations/ints not applied: %+v", cfg)
	}
	if cfg.Retries != 7 {
		t.Errorf("env override not applied: Retries = %d", cfg.Retries)
	}
	if cfg.FetchConcurrent != 8 {
		t.Errorf("default lost: FetchConcurrent = %d", cfg.FetchConcurrent)
	}
}

func TestLoadClientMissingFile(t *testing.T) {
	cfg, err := LoadClient(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.Server != DefaultClientConfig().Server {
		t.Errorf("Server = %q", cfg.Server)
	}
}

func TestLoadClientInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("fetch_concurrency: 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadClient(path); err == nil {
		t.Error("zero fetch_concurrency accepted")
	}

	if err := os.WriteFile(path, []byte("server: [\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadClient(path); err == nil {
		t.Error("malformed YAML accepted")
	}
}

func TestClientConfigSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultClientConfig()
	cfg.RPC = "tcp://localhost:7998"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if got.RPC != cfg.RPC {
		t.Errorf("RPC = %q, want %q", got.RPC, cfg.RPC)
	}
}
