package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsInDevelopment(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "3000" {
		t.Errorf("Port = %q, want 3000", cfg.Port)
	}
	if cfg.CredentialTTL != 7*24*time.Hour {
		t.Errorf("CredentialTTL = %v, want 168h", cfg.CredentialTTL)
	}
	if cfg.Simulation.TurnSeconds != 120 {
		t.Errorf("TurnSeconds = %d, want 120", cfg.Simulation.TurnSeconds)
	}
	if cfg.Simulation.EnforceHardCap {
		t.Error("EnforceHardCap should default to false")
	}
	if cfg.Orchestrator.Provider != ProviderGemini {
		t.Errorf("Provider = %q, want gemini", cfg.Orchestrator.Provider)
	}
	if len(cfg.JWTSecret) != 32 || !cfg.EphemeralSecret() {
		t.Errorf("expected a generated 32-byte development secret, got %d bytes (ephemeral=%v)", len(cfg.JWTSecret), cfg.EphemeralSecret())
	}
}

func TestLoadRequiresSecretInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected JWT_SECRET error, got %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ENFORCE_HARD_CAP", "yes")
	t.Setenv("TURN_SECONDS", "45")
	t.Setenv("ORCHESTRATOR_PROVIDER", "OpenAI")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(cfg.JWTSecret) != "s3cret" || cfg.EphemeralSecret() {
		t.Errorf("unexpected secret handling")
	}
	if !cfg.Simulation.EnforceHardCap {
		t.Error("EnforceHardCap not applied")
	}
	if cfg.Simulation.TurnSeconds != 45 {
		t.Errorf("TurnSeconds = %d, want 45", cfg.Simulation.TurnSeconds)
	}
	if cfg.Orchestrator.Provider != ProviderOpenAI {
		t.Errorf("Provider = %q, want openai", cfg.Orchestrator.Provider)
	}
	if cfg.RateLimit.WindowDuration != 30*time.Second {
		t.Errorf("WindowDuration = %v", cfg.RateLimit.WindowDuration)
	}
}

func TestValidateGRPCNeedsAddr(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("ORCHESTRATOR_PROVIDER", "grpc")
	t.Setenv("ORCHESTRATOR_ADDR", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected grpc provider without address to fail")
	}
}

func TestAllowedOrigins(t *testing.T) {
	c := &Config{}
	if got := c.AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Errorf("AllowedOrigins() = %v", got)
	}
	c.FrontendURL = "https://lab.example.com/"
	if got := c.AllowedOrigins(); got[0] != "https://lab.example.com" {
		t.Errorf("AllowedOrigins() = %v", got)
	}
}

func TestLoadOrchestratorIgnoresServerSettings(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ORCHESTRATOR_PROVIDER", "Scripted")
	t.Setenv("ORCHESTRATOR_TIMEOUT", "5s")

	oc := LoadOrchestrator()
	if oc.Provider != ProviderScripted {
		t.Errorf("Provider = %q, want scripted", oc.Provider)
	}
	if oc.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", oc.Timeout)
	}
}
