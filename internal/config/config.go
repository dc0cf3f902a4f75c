// Package config provides centralized configuration for the cadence server.
// Values come from an optional YAML file, then a .env.local file, then the
// process environment, with sensible defaults underneath.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "CADENCE_CONFIG"

// Config holds all server configuration values.
type Config struct {
	// Port is the HTTP server listen port.
	Port string `yaml:"port" validate:"required,numeric"`

	// DBPath is the path to the SQLite database file.
	DBPath string `yaml:"db_path" validate:"required"`

	// LLMProvider selects which LLM backend to use: "openai", "claude", "gemini", "ollama", "stub".
	LLMProvider string `yaml:"llm_provider" validate:"oneof=openai claude gemini ollama stub"`

	OpenAIKey     string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url" validate:"omitempty,url"`
	OpenAIModel   string `yaml:"openai_model"`

	AnthropicKey     string `yaml:"anthropic_api_key"`
	AnthropicBaseURL string `yaml:"anthropic_base_url" validate:"omitempty,url"`
	AnthropicModel   string `yaml:"anthropic_model"`

	GeminiKey   string `yaml:"gemini_api_key"`
	GeminiModel string `yaml:"gemini_model"`

	OllamaURL   string `yaml:"ollama_url" validate:"omitempty,url"`
	OllamaModel string `yaml:"ollama_model"`

	// ProviderKeys maps key references used in prompt presets to secrets.
	ProviderKeys map[string]string `yaml:"provider_keys"`

	// GenerationTimeout bounds a single provider call.
	GenerationTimeout time.Duration `yaml:"generation_timeout" validate:"gt=0"`

	// GenerationRPS caps provider calls per second. Zero disables the limit.
	GenerationRPS float64 `yaml:"generation_rps" validate:"gte=0"`

	// SweepSchedule is the cron spec of the publishing sweep.
	SweepSchedule string `yaml:"sweep_schedule" validate:"required"`

	// SweepConcurrency bounds parallel deliveries within one sweep.
	SweepConcurrency int `yaml:"sweep_concurrency" validate:"gte=1,lte=64"`

	// ClaimTTL is how long a publishing claim may be held before recovery releases it.
	ClaimTTL time.Duration `yaml:"claim_ttl" validate:"gt=0"`

	// Channel selects the delivery adapter: "telegram" or "stub".
	Channel       string `yaml:"channel" validate:"oneof=telegram stub"`
	TelegramToken string `yaml:"telegram_token" validate:"required_if=Channel telegram"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// HTTPTimeout is the timeout for outgoing HTTP requests (reference extraction, LLM).
	HTTPTimeout time.Duration `yaml:"http_timeout" validate:"gt=0"`

	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string `yaml:"cors_origin"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Port:              "8080",
		DBPath:            "cadence.db",
		LLMProvider:       "openai",
		OpenAIBaseURL:     "https://api.openai.com/v1",
		OpenAIModel:       "gpt-4o-mini",
		AnthropicModel:    "claude-sonnet-4-20250514",
		GeminiModel:       "gemini-2.0-flash",
		OllamaURL:         "http://localhost:11434",
		OllamaModel:       "llama3",
		GenerationTimeout: 90 * time.Second,
		GenerationRPS:     2,
		SweepSchedule:     "@every 1m",
		SweepConcurrency:  4,
		ClaimTTL:          10 * time.Minute,
		Channel:           "stub",
		LogLevel:          "info",
		HTTPTimeout:       60 * time.Second,
		CORSOrigin:        "*",
	}
}

// Path returns the config file path from the flag value or CADENCE_CONFIG.
// An empty result means no file is read.
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(EnvConfigPath)
}

// Load builds the configuration. path may be empty. A named file that does
// not exist is an error; a missing .env.local is not.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	loadEnvFile(".env.local")
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Port = envOr("PORT", c.Port)
	c.DBPath = envOr("DB_PATH", c.DBPath)
	c.LLMProvider = envOr("LLM_PROVIDER", c.LLMProvider)
	c.OpenAIKey = envOr("OPENAI_API_KEY", c.OpenAIKey)
	c.OpenAIBaseURL = envOr("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.OpenAIModel = envOr("OPENAI_MODEL", c.OpenAIModel)
	c.AnthropicKey = envOr("ANTHROPIC_API_KEY", c.AnthropicKey)
	c.AnthropicBaseURL = envOr("ANTHROPIC_BASE_URL", c.AnthropicBaseURL)
	c.AnthropicModel = envOr("ANTHROPIC_MODEL", c.AnthropicModel)
	c.GeminiKey = envOr("GEMINI_API_KEY", c.GeminiKey)
	c.GeminiModel = envOr("GEMINI_MODEL", c.GeminiModel)
	c.OllamaURL = envOr("OLLAMA_URL", c.OllamaURL)
	c.OllamaModel = envOr("OLLAMA_MODEL", c.OllamaModel)
	c.GenerationTimeout = envDuration("GENERATION_TIMEOUT", c.GenerationTimeout)
	c.GenerationRPS = envFloat("GENERATION_RPS", c.GenerationRPS)
	c.SweepSchedule = envOr("SWEEP_SCHEDULE", c.SweepSchedule)
	c.SweepConcurrency = envInt("SWEEP_CONCURRENCY", c.SweepConcurrency)
	c.ClaimTTL = envDuration("CLAIM_TTL", c.ClaimTTL)
	c.Channel = envOr("CHANNEL", c.Channel)
	c.TelegramToken = envOr("TELEGRAM_TOKEN", c.TelegramToken)
	c.LogLevel = strings.ToLower(envOr("LOG_LEVEL", c.LogLevel))
	c.HTTPTimeout = envDuration("HTTP_TIMEOUT", c.HTTPTimeout)
	c.CORSOrigin = envOr("CORS_ORIGIN", c.CORSOrigin)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks every field and reports the first failure by its yaml key.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Field(), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("invalid config: %w", err)
}

// UseStubs returns true when no LLM API key is configured for the selected provider.
func (c Config) UseStubs() bool {
	switch c.LLMProvider {
	case "stub":
		return true
	case "claude":
		return c.AnthropicKey == ""
	case "gemini":
		return c.GeminiKey == ""
	case "ollama":
		return false // Ollama runs locally, no key needed
	default:
		return c.OpenAIKey == ""
	}
}

// DefaultModelRef returns the "provider:model" reference for the selected provider.
func (c Config) DefaultModelRef() string {
	if c.UseStubs() {
		return "stub:"
	}
	switch c.LLMProvider {
	case "claude":
		return "claude:" + c.AnthropicModel
	case "gemini":
		return "gemini:" + c.GeminiModel
	case "ollama":
		return "ollama:" + c.OllamaModel
	default:
		return "openai:" + c.OpenAIModel
	}
}

// loadEnvFile reads KEY=VALUE lines into the environment. Variables already
// set in the real environment win. A missing file is silently ignored.
func loadEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = unquote(strings.TrimSpace(value))
		if _, set := os.LookupEnv(key); set {
			continue
		}
		os.Setenv(key, value)
	}
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
