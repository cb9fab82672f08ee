package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every setting the service reads from the
// environment.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	AI       AIConfig
	Workflow WorkflowConfig
	Sweeper  SweeperConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	wf, err := loadWorkflowConfig()
	if err != nil {
		return nil, err
	}

	sweeper, err := loadSweeperConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Store:    StoreConfig{Path: strings.TrimSpace(os.Getenv("DB_PATH"))},
		AI:       ai,
		Workflow: wf,
		Sweeper:  sweeper,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" verbatim.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// StoreConfig describes persistence. An empty Path selects the
// in-memory store.
type StoreConfig struct {
	Path string
}

// AIConfig describes the chat model used by both adapters.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled reports whether the required credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel creates a model instance from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials missing: provide ARK_API_KEY + MODEL or the AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// WorkflowConfig tunes the message pipeline.
type WorkflowConfig struct {
	RiskThreshold int
	MaxAttempts   int
	CallTimeout   time.Duration
	BackoffBase   time.Duration
	HistoryLimit  int
}

func loadWorkflowConfig() (WorkflowConfig, error) {
	threshold, err := parseIntEnv("RISK_THRESHOLD", 5)
	if err != nil {
		return WorkflowConfig{}, err
	}

	attempts, err := parseIntEnv("STEP_MAX_ATTEMPTS", 3)
	if err != nil {
		return WorkflowConfig{}, err
	}

	callTimeout, err := parseDurationEnv("STEP_CALL_TIMEOUT", 30*time.Second)
	if err != nil {
		return WorkflowConfig{}, err
	}

	backoff, err := parseDurationEnv("STEP_BACKOFF_BASE", 500*time.Millisecond)
	if err != nil {
		return WorkflowConfig{}, err
	}

	historyLimit, err := parseIntEnv("HISTORY_LIMIT", 10)
	if err != nil {
		return WorkflowConfig{}, err
	}

	return WorkflowConfig{
		RiskThreshold: threshold,
		MaxAttempts:   attempts,
		CallTimeout:   callTimeout,
		BackoffBase:   backoff,
		HistoryLimit:  historyLimit,
	}, nil
}

// SweeperConfig controls the idle-session sweep.
type SweeperConfig struct {
	IdleTTL  time.Duration
	Schedule string
}

func loadSweeperConfig() (SweeperConfig, error) {
	ttl, err := parseDurationEnv("SESSION_IDLE_TTL", 24*time.Hour)
	if err != nil {
		return SweeperConfig{}, err
	}

	return SweeperConfig{
		IdleTTL:  ttl,
		Schedule: getEnvOrDefault("SWEEP_SCHEDULE", "@hourly"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
