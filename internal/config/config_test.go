package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFileAppliesDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("database_url: ./metadata.db\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(cfgPath)
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}

	if cfg.Region != DefaultRegion {
		t.Fatalf("unexpected region default: %q", cfg.Region)
	}
	if cfg.Mode != DefaultMode {
		t.Fatalf("unexpected mode default: %q", cfg.Mode)
	}
	if cfg.PublicGateway != DefaultPublicGateway {
		t.Fatalf("unexpected public_gateway default: %q", cfg.PublicGateway)
	}
	if !cfg.Experimental.TrimEmptyFolders {
		t.Fatal("expected experimental_trim_empty_folders default to be true")
	}
	if !cfg.Experimental.AutoMime {
		t.Fatal("expected experimental_auto_mime default to be true")
	}
	if cfg.Auth.Enabled() {
		t.Fatal("expected auth disabled when no credentials configured")
	}
	if cfg.ConcurrentMultipart != DefaultConcurrentMultipart {
		t.Fatalf("unexpected concurrent_multipart_upload default: %d", cfg.ConcurrentMultipart)
	}
}

func TestLoadFileParsesAuthCredentials(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := "database_url: ./metadata.db\nauth:\n  auth_access_key: AKIDEXAMPLE\n  auth_secret_key: secret\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(cfgPath)
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}
	if !cfg.Auth.Enabled() {
		t.Fatal("expected auth enabled when both credentials are set")
	}
}

func TestValidateRejectsInvalidMode(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.DatabaseURL = "./metadata.db"
	cfg.Mode = "bogus"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "mode must be one of") {
		t.Fatalf("expected mode validation error, got: %v", err)
	}
}

func TestValidateRejectsPartialAuthCredentials(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.DatabaseURL = "./metadata.db"
	cfg.Auth.AccessKey = "AKIDEXAMPLE"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "auth_access_key and auth_secret_key must both be set") {
		t.Fatalf("expected paired-credential validation error, got: %v", err)
	}
}

func TestValidateRejectsMissingDatabaseURL(t *testing.T) {
	t.Parallel()
	cfg := Default()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "database_url is required") {
		t.Fatalf("expected database_url validation error, got: %v", err)
	}
}

func TestValidateRejectsInvalidIPExtraction(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.DatabaseURL = "./metadata.db"
	cfg.IPExtraction = "bogus"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "ip_extraction must be one of") {
		t.Fatalf("expected ip_extraction validation error, got: %v", err)
	}
}
