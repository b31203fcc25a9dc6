package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmisfs.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, rest, err := Load("mount", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %v", rest)
	}
	if cfg.CacheTTL != 600*time.Second || cfg.Backend != "auto" || cfg.WriteThreshold != 8<<20 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestPrecedence(t *testing.T) {
	path := writeFile(t, `
url: http://file/browser
user: alice
cache_ttl: 30s
write_threshold: 1024
backend: cgofuse
`)
	t.Setenv("CMISFS_USER", "bob")
	t.Setenv("CMISFS_CACHE_TTL", "45s")

	cfg, rest, err := Load("mount", []string{"-config", path, "-cache-ttl", "1m", "/mnt/cmis"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.URL != "http://file/browser" {
		t.Errorf("URL = %q, want value from file", cfg.URL)
	}
	if cfg.User != "bob" {
		t.Errorf("User = %q, want env override", cfg.User)
	}
	if cfg.CacheTTL != time.Minute {
		t.Errorf("CacheTTL = %v, want flag override", cfg.CacheTTL)
	}
	if cfg.WriteThreshold != 1024 || cfg.Backend != "cgofuse" {
		t.Errorf("file values lost: %+v", cfg)
	}
	if len(rest) != 1 || rest[0] != "/mnt/cmis" {
		t.Errorf("rest = %v", rest)
	}
}

func TestConfigFromEnvPath(t *testing.T) {
	path := writeFile(t, "url: http://env-file/browser\n")
	t.Setenv("CMISFS_CONFIG", path)

	cfg, _, err := Load("info", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.URL != "http://env-file/browser" {
		t.Errorf("URL = %q", cfg.URL)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, _, err := Load("mount", []string{"-config=/does/not/exist.yaml"}); err == nil {
		t.Error("expected error for a missing file")
	}
	bad := writeFile(t, "cache_ttl: [1, 2]\n")
	if _, _, err := Load("mount", []string{"--config", bad}); err == nil {
		t.Error("expected error for an invalid file")
	}
}

func TestInvalidEnvKeepsFallback(t *testing.T) {
	t.Setenv("CMISFS_CACHE_CAPACITY", "lots")
	t.Setenv("CMISFS_ALLOW_OTHER", "maybe")
	cfg, _, err := Load("mount", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CacheCapacity != 16384 || cfg.AllowOther {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "url") {
		t.Errorf("missing url: %v", err)
	}

	cfg.URL = "http://repo/browser"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config: %v", err)
	}
	if err := cfg.ValidateMount(); err == nil {
		t.Error("mount without mount point should fail")
	}
	cfg.MountPoint = "/mnt/cmis"
	if err := cfg.ValidateMount(); err != nil {
		t.Errorf("ValidateMount: %v", err)
	}

	cfg.Backend = "nfs"
	cfg.RetryAttempts = 0
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "backend") || !strings.Contains(err.Error(), "retry") {
		t.Errorf("expected backend and retry errors, got %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"-config", "a.yaml"}, "a.yaml"},
		{[]string{"--config=b.yaml"}, "b.yaml"},
		{[]string{"-url", "x", "-config=c.yaml"}, "c.yaml"},
		{[]string{"--", "-config", "d.yaml"}, ""},
		{[]string{"config", "e.yaml"}, ""},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Errorf("configPath(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
