package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		prev, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, prev)
			}
		})
	}
}

func TestLoadRequiresEncryptionAndJWTSecrets(t *testing.T) {
	clearEnv(t, "ENCRYPTION_KEY", "JWT_SECRET")
	if _, err := Load(); err == nil {
		t.Fatalf("expected an error when ENCRYPTION_KEY/JWT_SECRET are unset")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t, "PORT", "MAX_IMAGE_SIZE_MB", "SUPPORTED_IMAGE_FORMATS")
	os.Setenv("ENCRYPTION_KEY", "test-encryption-key")
	os.Setenv("JWT_SECRET", "test-jwt-secret")
	t.Cleanup(func() {
		os.Unsetenv("ENCRYPTION_KEY")
		os.Unsetenv("JWT_SECRET")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8443" {
		t.Errorf("got Port %q, want default 8443", cfg.Port)
	}
	if cfg.MaxImageSizeMB != 50 {
		t.Errorf("got MaxImageSizeMB %d, want default 50", cfg.MaxImageSizeMB)
	}
	if len(cfg.SupportedImageFormats) == 0 {
		t.Errorf("expected default supported image formats to be non-empty")
	}
}

func TestToolPathsFromEnvUsesClosedVocabulary(t *testing.T) {
	clearEnv(t, "IMAGING_TOOL_PATH")
	os.Setenv("IMAGING_TOOL_PATH", "/usr/local/bin/imaging-tool")
	t.Cleanup(func() { os.Unsetenv("IMAGING_TOOL_PATH") })

	paths := toolPathsFromEnv()
	if paths["imaging"] != "/usr/local/bin/imaging-tool" {
		t.Errorf("got %q, want the configured path", paths["imaging"])
	}
	if _, ok := paths["citations"]; ok {
		t.Errorf("expected unconfigured providers to be absent from the map")
	}
}
