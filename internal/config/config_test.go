package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	for _, k := range []string{"SHOPLEDGER_SOURCE", "SHOPLEDGER_HTTP_ADDR", "SHOPLEDGER_REFRESH_INTERVAL", "SHOPLEDGER_RATE_BURST"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source != SourceFixture || cfg.HTTPAddr != ":8080" || cfg.RefreshInterval != 0 || cfg.RateBurst != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := "SHOPLEDGER_SOURCE=postgres\nSHOPLEDGER_PG_DSN=postgres://localhost/shop\nSHOPLEDGER_REFRESH_INTERVAL=2m\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv does not override variables that are already set.
	for _, k := range []string{"SHOPLEDGER_SOURCE", "SHOPLEDGER_PG_DSN", "SHOPLEDGER_REFRESH_INTERVAL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source != SourcePostgres || cfg.PGDSN != "postgres://localhost/shop" || cfg.RefreshInterval != 2*time.Minute {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Source: SourcePostgres, HTTPAddr: ":8080", RateBurst: 1, RatePerSec: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing DSN error")
	}
	cfg = &Config{Source: "mongo", HTTPAddr: ":8080", RateBurst: 1, RatePerSec: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown source error")
	}
}

func TestInvalidDuration(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SHOPLEDGER_REFRESH_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected invalid duration error")
	}
}

func TestMissingEnvFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (testing.T.Chdir is unavailable before Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
