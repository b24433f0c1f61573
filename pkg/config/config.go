// Package config loads and validates process configuration from the
// environment. There is no global settings object: each process builds its
// config at startup and passes it down via constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nwbflow/nwbflow/pkg/models"
)

// LLMProvider selects where completions are generated.
type LLMProvider string

const (
	// ProviderCloud is a remote-service API authenticated with a bearer
	// credential.
	ProviderCloud LLMProvider = "cloud"
	// ProviderLocal is an OpenAI-compatible HTTP endpoint on the local
	// network (e.g. an Ollama server).
	ProviderLocal LLMProvider = "local"
)

// ServerConfig configures the orchestrator process.
type ServerConfig struct {
	Host             string
	Port             int
	RedisURL         string
	CacheTTL         time.Duration
	SessionStorePath string
	OutputDir        string
	LogLevel         string

	// RouterTimeout bounds each routed agent call. Per-agent overrides may
	// extend it up to RouterMaxTimeout.
	RouterTimeout    time.Duration
	RouterMaxTimeout time.Duration

	// Durable-store retention. Cache TTL handles the hot tier; the janitor
	// removes filesystem records older than RetentionWindow.
	RetentionWindow time.Duration
	CleanupInterval time.Duration
}

// LLMConfig holds the per-agent LLM parameters.
type LLMConfig struct {
	Provider       LLMProvider
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float64
	MaxTokens      int
	TopP           float64
	RequestTimeout time.Duration
	MaxAttempts    int
}

// AgentConfig configures one agent process.
type AgentConfig struct {
	Name            string
	Type            models.AgentType
	Port            int
	BaseURL         string
	OrchestratorURL string
	OutputDir       string
	LogLevel        string
	LLM             LLMConfig

	// External tool commands consumed by the conversion and evaluation
	// agents. Empty means the agent refuses the corresponding task.
	ConverterCmd string
	InspectorCmd string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return f, nil
}

func getEnvSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return time.Duration(n) * time.Second, nil
}

// LoadServerFromEnv builds the orchestrator configuration from environment
// variables, applying defaults for anything unset.
func LoadServerFromEnv() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Host:             getEnv("NWBFLOW_HOST", "0.0.0.0"),
		RedisURL:         getEnv("NWBFLOW_REDIS_URL", "redis://localhost:6379/0"),
		SessionStorePath: getEnv("NWBFLOW_SESSION_STORE_PATH", "./data/sessions"),
		OutputDir:        getEnv("NWBFLOW_OUTPUT_DIR", "./data/output"),
		LogLevel:         getEnv("NWBFLOW_LOG_LEVEL", "info"),
		RouterMaxTimeout: 300 * time.Second,
	}

	var err error
	if cfg.Port, err = getEnvInt("NWBFLOW_PORT", 8000); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getEnvSeconds("NWBFLOW_CACHE_TTL_SECONDS", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RouterTimeout, err = getEnvSeconds("NWBFLOW_ROUTER_TIMEOUT_SECONDS", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetentionWindow, err = getEnvSeconds("NWBFLOW_RETENTION_SECONDS", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = getEnvSeconds("NWBFLOW_CLEANUP_INTERVAL_SECONDS", time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise fail deep inside the
// server at an awkward time.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Port)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %s", c.CacheTTL)
	}
	if c.RouterTimeout <= 0 {
		return fmt.Errorf("router timeout must be positive, got %s", c.RouterTimeout)
	}
	if c.RouterTimeout > c.RouterMaxTimeout {
		return fmt.Errorf("router timeout %s exceeds maximum %s", c.RouterTimeout, c.RouterMaxTimeout)
	}
	if c.SessionStorePath == "" {
		return fmt.Errorf("session store path is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	return nil
}

// defaultAgentPorts fixes a default port per agent type so that the three
// processes can run side by side without any configuration.
var defaultAgentPorts = map[models.AgentType]int{
	models.AgentConversation: 8001,
	models.AgentConversion:   8002,
	models.AgentEvaluation:   8003,
}

// LoadAgentFromEnv builds an agent configuration for the given agent type.
func LoadAgentFromEnv(agentType models.AgentType) (*AgentConfig, error) {
	if !agentType.Valid() {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}

	cfg := &AgentConfig{
		Name:            getEnv("NWBFLOW_AGENT_NAME", string(agentType)+"_agent"),
		Type:            agentType,
		OrchestratorURL: getEnv("NWBFLOW_ORCHESTRATOR_URL", "http://localhost:8000"),
		OutputDir:       getEnv("NWBFLOW_OUTPUT_DIR", "./data/output"),
		LogLevel:        getEnv("NWBFLOW_LOG_LEVEL", "info"),
		ConverterCmd:    os.Getenv("NWBFLOW_CONVERTER_CMD"),
		InspectorCmd:    os.Getenv("NWBFLOW_INSPECTOR_CMD"),
	}

	var err error
	if cfg.Port, err = getEnvInt("NWBFLOW_AGENT_PORT", defaultAgentPorts[agentType]); err != nil {
		return nil, err
	}
	cfg.BaseURL = getEnv("NWBFLOW_AGENT_BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Port))

	if cfg.LLM, err = loadLLMFromEnv(agentType); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadLLMFromEnv reads the LLM variables. Different agents run as separate
// processes, so "per-agent settings" are each process's own environment
// (the conversion agent ships a lower default temperature than the
// user-facing conversation agent).
func loadLLMFromEnv(agentType models.AgentType) (LLMConfig, error) {
	temperatureDefault := 0.7
	if agentType == models.AgentConversion {
		temperatureDefault = 0.1
	}

	llm := LLMConfig{
		Provider: LLMProvider(getEnv("NWBFLOW_LLM_PROVIDER", string(ProviderCloud))),
		Model:    getEnv("NWBFLOW_LLM_MODEL", "gpt-4o-mini"),
		APIKey:   os.Getenv("NWBFLOW_LLM_API_KEY"),
		BaseURL:  os.Getenv("NWBFLOW_LLM_BASE_URL"),
	}

	var err error
	if llm.Temperature, err = getEnvFloat("NWBFLOW_LLM_TEMPERATURE", temperatureDefault); err != nil {
		return llm, err
	}
	if llm.MaxTokens, err = getEnvInt("NWBFLOW_LLM_MAX_TOKENS", 2048); err != nil {
		return llm, err
	}
	if llm.TopP, err = getEnvFloat("NWBFLOW_LLM_TOP_P", 1.0); err != nil {
		return llm, err
	}
	if llm.RequestTimeout, err = getEnvSeconds("NWBFLOW_LLM_REQUEST_TIMEOUT_SECONDS", 120*time.Second); err != nil {
		return llm, err
	}
	if llm.MaxAttempts, err = getEnvInt("NWBFLOW_LLM_MAX_RETRIES", 5); err != nil {
		return llm, err
	}
	return llm, nil
}

// Validate checks agent configuration invariants.
func (c *AgentConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("agent port out of range: %d", c.Port)
	}
	if c.OrchestratorURL == "" {
		return fmt.Errorf("orchestrator URL is required")
	}
	switch c.LLM.Provider {
	case ProviderCloud:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("cloud LLM provider requires NWBFLOW_LLM_API_KEY")
		}
	case ProviderLocal:
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("local LLM provider requires NWBFLOW_LLM_BASE_URL")
		}
	default:
		return fmt.Errorf("unknown LLM provider %q (want cloud or local)", c.LLM.Provider)
	}
	if c.LLM.MaxAttempts <= 0 {
		return fmt.Errorf("LLM max retries must be positive, got %d", c.LLM.MaxAttempts)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("LLM temperature out of range: %v", c.LLM.Temperature)
	}
	if c.LLM.TopP <= 0 || c.LLM.TopP > 1 {
		return fmt.Errorf("LLM top_p out of range: %v", c.LLM.TopP)
	}
	return nil
}
