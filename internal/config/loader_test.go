package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("MANIFOLD_TEST_HOST", "db.internal")
	defer os.Unsetenv("MANIFOLD_TEST_HOST")

	cases := []struct {
		in   string
		want string
	}{
		{"${MANIFOLD_TEST_HOST}", "db.internal"},
		{"${MANIFOLD_TEST_HOST:fallback}", "db.internal"},
		{"${MANIFOLD_TEST_MISSING:fallback}", "fallback"},
		{"${MANIFOLD_TEST_MISSING}", ""},
		{"plain text", "plain text"},
		{"prefix-${MANIFOLD_TEST_HOST}-suffix", "prefix-db.internal-suffix"},
	}
	for _, tc := range cases {
		if got := expandEnvVars(tc.in); got != tc.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  port: 9999
transport:
  max_retries: 5
  backoff_base: 250ms
system:
  prompt: "You are concise."
  mode: append
pool:
  file: /var/lib/manifold/pools.yaml
`
	if err := os.WriteFile(filepath.Join(dir, "gateway.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(dir, nil)
	if err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	cfg := loader.Config()

	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	// Unset fields keep their defaults.
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q", cfg.Server.Host)
	}
	if cfg.Transport.MaxRetries != 5 || cfg.Transport.BackoffBase != 250*time.Millisecond {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Transport.DNSTTL != 5*time.Minute {
		t.Errorf("dns ttl default = %v", cfg.Transport.DNSTTL)
	}
	if cfg.System.Prompt != "You are concise." || cfg.System.Mode != "append" {
		t.Errorf("system = %+v", cfg.System)
	}
	if cfg.Pool.File != "/var/lib/manifold/pools.yaml" {
		t.Errorf("pool file = %q", cfg.Pool.File)
	}
}

func TestLoadFile_WithEnvVars(t *testing.T) {
	os.Setenv("MANIFOLD_TEST_PASSWORD", "hunter2")
	defer os.Unsetenv("MANIFOLD_TEST_PASSWORD")

	dir := t.TempDir()
	content := `
database:
  password: ${MANIFOLD_TEST_PASSWORD}
  host: ${MANIFOLD_TEST_DBHOST:localhost}
`
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	if err := LoadFile(path, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("password = %q", cfg.Database.Password)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("host = %q", cfg.Database.Host)
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Name: "manifold", User: "mg", Password: "pw"}
	want := "postgres://mg:pw@db:5432/manifold?sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}
}
