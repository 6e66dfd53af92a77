// Package config provides application configuration.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported orchestrator providers.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGRPC      = "grpc"
	ProviderScripted  = "scripted"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	JWTSecret       []byte
	CredentialTTL   time.Duration
	Orchestrator    OrchestratorConfig
	Simulation      SimulationConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig

	// ephemeralSecret is set when JWTSecret was generated for this process.
	ephemeralSecret bool
}

// OrchestratorConfig selects and configures the generative-language backend.
type OrchestratorConfig struct {
	Provider        string
	Model           string
	EvaluationModel string
	ThemeModel      string
	GeminiAPIKey    string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	Addr            string // remote orchestrator, grpc provider only
	Timeout         time.Duration
}

// SimulationConfig controls the live turn/timer state machine.
type SimulationConfig struct {
	TurnSeconds    int
	TickInterval   time.Duration
	EnforceHardCap bool
	IdleTTL        time.Duration
}

// RateLimitConfig bounds model-calling requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:          getEnv("PORT", "3000"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/scenario-lab.db"),
		JWTSecret:     []byte(getEnv("JWT_SECRET", "")),
		CredentialTTL: getEnvDuration("CREDENTIAL_TTL", 7*24*time.Hour),
		Orchestrator:  LoadOrchestrator(),
		Simulation: SimulationConfig{
			TurnSeconds:    getEnvInt("TURN_SECONDS", 120),
			TickInterval:   getEnvDuration("TICK_INTERVAL", time.Second),
			EnforceHardCap: getEnvBool("ENFORCE_HARD_CAP", false),
			IdleTTL:        getEnvDuration("SIMULATION_IDLE_TTL", 60*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	// Development runs get a throwaway signing key so credentials die with the process.
	if len(cfg.JWTSecret) == 0 && cfg.IsDevelopment() {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate development jwt secret: %w", err)
		}
		cfg.JWTSecret = secret
		cfg.ephemeralSecret = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrchestrator reads only the orchestrator settings from the
// environment. Tools that host or probe a backend use it without the rest of
// the server configuration.
func LoadOrchestrator() OrchestratorConfig {
	return OrchestratorConfig{
		Provider:        strings.ToLower(getEnv("ORCHESTRATOR_PROVIDER", ProviderGemini)),
		Model:           getEnv("ORCHESTRATOR_MODEL", ""),
		EvaluationModel: getEnv("EVALUATION_MODEL", ""),
		ThemeModel:      getEnv("THEME_MODEL", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		Addr:            getEnv("ORCHESTRATOR_ADDR", ""),
		Timeout:         getEnvDuration("ORCHESTRATOR_TIMEOUT", 90*time.Second),
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.JWTSecret) == 0 {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.CredentialTTL <= 0 {
		return fmt.Errorf("CREDENTIAL_TTL must be > 0")
	}
	switch c.Orchestrator.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderAnthropic, ProviderScripted:
	case ProviderGRPC:
		if c.Orchestrator.Addr == "" {
			return fmt.Errorf("ORCHESTRATOR_ADDR is required for the grpc provider")
		}
	default:
		return fmt.Errorf("unknown ORCHESTRATOR_PROVIDER %q", c.Orchestrator.Provider)
	}
	if c.Orchestrator.Timeout <= 0 {
		return fmt.Errorf("ORCHESTRATOR_TIMEOUT must be > 0")
	}
	if c.Simulation.TurnSeconds <= 0 {
		return fmt.Errorf("TURN_SECONDS must be > 0")
	}
	if c.Simulation.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be > 0")
	}
	if c.Simulation.IdleTTL <= 0 {
		return fmt.Errorf("SIMULATION_IDLE_TTL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// EphemeralSecret reports whether the signing key was generated for this process.
func (c *Config) EphemeralSecret() bool {
	return c.ephemeralSecret
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
