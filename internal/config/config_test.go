package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadServerDefaultsRequireSecret(t *testing.T) {
	inTempDir(t)
	t.Setenv("CONFIG_ENV", "test")
	if _, err := LoadServer(nil); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestLoadServerFileEnvAndFlags(t *testing.T) {
	dir := inTempDir(t)
	t.Setenv("CONFIG_ENV", "test")
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "secret: s3cret\nport: 5000\ntoken_ttl: 1h\n"
	if err := os.WriteFile(filepath.Join(dir, "config", "server.test.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HELPLINE_GOOGLE_CLIENT_ID", "client-1")

	cfg, err := LoadServer([]string{"--port", "6000"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 6000 {
		t.Errorf("port = %d, want flag value 6000", cfg.Port)
	}
	if cfg.TokenTTL != time.Hour {
		t.Errorf("token ttl = %v", cfg.TokenTTL)
	}
	if cfg.GoogleClientID != "client-1" {
		t.Errorf("google client id = %q", cfg.GoogleClientID)
	}
	if cfg.MaxFrameBytes != 512*1024 {
		t.Errorf("max frame bytes = %d", cfg.MaxFrameBytes)
	}
	if cfg.Retention != 90*24*time.Hour {
		t.Errorf("retention = %v", cfg.Retention)
	}
}

func TestLoadAgentDefaults(t *testing.T) {
	inTempDir(t)
	t.Setenv("CONFIG_ENV", "test")
	cfg, err := LoadAgent([]string{"--autoplay"})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Autoplay {
		t.Error("autoplay flag not applied")
	}
	if cfg.CaptureInterval != 2*time.Second || cfg.MaxReconnectAttempts != 3 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
