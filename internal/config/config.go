package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendOllama    = "ollama"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"

	RetryNearest = "nearest"
	RetryLast    = "last"
)

// Config holds application configuration for both the chat client and the
// reference chat server. Values are layered: defaults, then the YAML file,
// then .env and environment variables, then command line flags.
type Config struct {
	Debug    bool   `yaml:"debug"`
	LogDir   string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level"`

	// Client
	Endpoint    string        `yaml:"endpoint"`     // chat endpoint, http(s):// or ws(s)://
	Collection  string        `yaml:"collection"`   // active topic
	IdleTimeout time.Duration `yaml:"idle_timeout"` // zero disables
	RetryPolicy string        `yaml:"retry_policy"` // nearest|last
	Greeting    string        `yaml:"greeting"`
	SessionID   string        `yaml:"-"` // transcript to resume
	DBPath      string        `yaml:"db_path"`

	// Analytics sink
	AnalyticsURL           string        `yaml:"analytics_url"`
	AnalyticsBatchSize     int           `yaml:"analytics_batch_size"`
	AnalyticsFlushInterval time.Duration `yaml:"analytics_flush_interval"`

	// Server
	ListenAddr       string        `yaml:"listen_addr"`
	Backend          string        `yaml:"backend"`
	OllamaHost       string        `yaml:"ollama_host"`
	OllamaModel      string        `yaml:"ollama_model"` // format "model:version"
	OpenAIBaseURL    string        `yaml:"openai_base_url"`
	OpenAIModel      string        `yaml:"openai_model"`
	OpenAIAPIKey     string        `yaml:"-"` // environment only
	AnthropicBaseURL string        `yaml:"anthropic_base_url"`
	AnthropicModel   string        `yaml:"anthropic_model"`
	AnthropicAPIKey  string        `yaml:"-"`
	LibraryPath      string        `yaml:"library_path"`
	TopK             int           `yaml:"top_k"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPassword    string        `yaml:"-"`
	AllowedOrigins   []string      `yaml:"allowed_origins"` // CORS; empty disables
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		LogDir:                 "logs",
		LogLevel:               "info",
		Endpoint:               "http://localhost:8080/api/chat",
		Collection:             "menopause",
		IdleTimeout:            60 * time.Second,
		RetryPolicy:            RetryNearest,
		DBPath:                 "circlechat.db",
		AnalyticsBatchSize:     20,
		AnalyticsFlushInterval: 5 * time.Second,
		ListenAddr:             ":8080",
		Backend:                BackendOllama,
		OllamaHost:             "http://localhost:11434",
		OllamaModel:            "llama3:latest",
		OpenAIBaseURL:          "https://api.openai.com/v1",
		OpenAIModel:            "gpt-4o-mini",
		AnthropicBaseURL:       "https://api.anthropic.com",
		AnthropicModel:         "claude-sonnet-4-20250514",
		LibraryPath:            "collections.yaml",
		TopK:                   4,
		CacheTTL:               time.Hour,
	}
}

// Load builds the configuration from the optional YAML file at path, a .env
// file in the working directory and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"CIRCLECHAT_LOG_DIR":       &c.LogDir,
		"CIRCLECHAT_LOG_LEVEL":     &c.LogLevel,
		"CIRCLECHAT_ENDPOINT":      &c.Endpoint,
		"CIRCLECHAT_COLLECTION":    &c.Collection,
		"CIRCLECHAT_RETRY_POLICY":  &c.RetryPolicy,
		"CIRCLECHAT_GREETING":      &c.Greeting,
		"CIRCLECHAT_DB":            &c.DBPath,
		"CIRCLECHAT_ANALYTICS_URL": &c.AnalyticsURL,
		"CIRCLECHAT_LISTEN_ADDR":   &c.ListenAddr,
		"CIRCLECHAT_BACKEND":       &c.Backend,
		"OLLAMA_HOST":              &c.OllamaHost,
		"OLLAMA_MODEL":             &c.OllamaModel,
		"OPENAI_BASE_URL":          &c.OpenAIBaseURL,
		"OPENAI_MODEL":             &c.OpenAIModel,
		"OPENAI_API_KEY":           &c.OpenAIAPIKey,
		"ANTHROPIC_BASE_URL":       &c.AnthropicBaseURL,
		"ANTHROPIC_MODEL":          &c.AnthropicModel,
		"ANTHROPIC_API_KEY":        &c.AnthropicAPIKey,
		"CIRCLECHAT_LIBRARY":       &c.LibraryPath,
		"REDIS_ADDR":               &c.RedisAddr,
		"REDIS_PASSWORD":           &c.RedisPassword,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"CIRCLECHAT_IDLE_TIMEOUT":             &c.IdleTimeout,
		"CIRCLECHAT_ANALYTICS_FLUSH_INTERVAL": &c.AnalyticsFlushInterval,
		"CIRCLECHAT_CACHE_TTL":                &c.CacheTTL,
	}
	for key, dst := range durations {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"CIRCLECHAT_ANALYTICS_BATCH_SIZE": &c.AnalyticsBatchSize,
		"CIRCLECHAT_TOP_K":                &c.TopK,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv("CIRCLECHAT_ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitList(v)
	}

	if v, ok := os.LookupEnv("CIRCLECHAT_DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CIRCLECHAT_DEBUG: %w", err)
		}
		c.Debug = b
	}
	return nil
}

// ValidateClient checks the settings the chat client depends on
func (c Config) ValidateClient() error {
	var problems []string
	if c.Endpoint == "" {
		problems = append(problems, "endpoint is required")
	} else if !hasScheme(c.Endpoint, "http://", "https://", "ws://", "wss://") {
		problems = append(problems, fmt.Sprintf("endpoint %q must start with http(s):// or ws(s)://", c.Endpoint))
	}
	if c.IdleTimeout < 0 {
		problems = append(problems, "idle_timeout cannot be negative")
	}
	switch c.RetryPolicy {
	case RetryNearest, RetryLast:
	default:
		problems = append(problems, fmt.Sprintf("unknown retry_policy %q (nearest|last)", c.RetryPolicy))
	}
	if c.AnalyticsURL != "" && c.AnalyticsBatchSize <= 0 {
		problems = append(problems, "analytics_batch_size must be positive")
	}
	return joinProblems(problems)
}

// ValidateServer checks the settings the reference server depends on
func (c Config) ValidateServer() error {
	var problems []string
	if c.ListenAddr == "" {
		problems = append(problems, "listen_addr is required")
	}
	switch c.Backend {
	case BackendOllama:
		if c.OllamaHost == "" || c.OllamaModel == "" {
			problems = append(problems, "ollama_host and ollama_model are required for the ollama backend")
		}
	case BackendOpenAI:
		if c.OpenAIAPIKey == "" {
			problems = append(problems, "OPENAI_API_KEY not set")
		}
	case BackendAnthropic:
		if c.AnthropicAPIKey == "" {
			problems = append(problems, "ANTHROPIC_API_KEY not set")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown backend %q (ollama|openai|anthropic)", c.Backend))
	}
	if c.LibraryPath == "" {
		problems = append(problems, "library_path is required")
	}
	if c.TopK <= 0 {
		problems = append(problems, "top_k must be positive")
	}
	return joinProblems(problems)
}

// Level returns the slog level for LogLevel, forced to debug by Debug
func (c Config) Level() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func hasScheme(s string, schemes ...string) bool {
	for _, scheme := range schemes {
		if strings.HasPrefix(s, scheme) {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}
