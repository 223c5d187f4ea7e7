package config

import "testing"

func TestLoadConfig_BindsJWTClaimSettings(t *testing.T) {
	t.Setenv("JWT_AUDIENCE", "bank-clients")
	t.Setenv("JWT_ISSUER", "https://id.example.com")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.JWTAudience != "bank-clients" {
		t.Fatalf("expected audience from environment, got %q", cfg.JWTAudience)
	}
	if cfg.JWTIssuer != "https://id.example.com" {
		t.Fatalf("expected issuer from environment, got %q", cfg.JWTIssuer)
	}
}
