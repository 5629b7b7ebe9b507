package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLM provider identifiers accepted by LLM_PROVIDER / LLM_FALLBACK_PROVIDER.
const (
	ProviderOpenAI  = "openai"
	ProviderAzure   = "azure"
	ProviderBedrock = "bedrock"
	ProviderGemini  = "gemini"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Clinic persona
	ClinicName     string
	AgentName      string
	ClinicTimezone string

	// Generation
	LLMProvider          string
	LLMFallbackProvider  string
	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIModel          string
	AzureOpenAIEndpoint  string
	AzureOpenAIAPIKey    string
	AzureOpenAIDeploy    string
	AzureOpenAIVersion   string
	BedrockModelID       string
	GeminiAPIKey         string
	GeminiModel          string
	LLMMaxTokens         int
	LLMTemperature       float64
	LLMPromptTokenBudget int
	GenerationTimeout    time.Duration

	// Booking provider
	BookingAPIBaseURL   string
	BookingAPIKey       string
	BookingAPIKeyHeader string
	BookingTimeout      time.Duration

	// Active-call registry
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	ActiveCallTTL time.Duration

	// Voice transport
	ReconnectGrace time.Duration

	// AWS (Bedrock + booking events)
	AWSRegion             string
	AWSAccessKeyID        string
	AWSSecretAccessKey    string
	AWSEndpointOverride   string
	BookingEventsQueueURL string

	// Operator endpoints
	OpsJWTSecret string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ClinicName:     getEnv("CLINIC_NAME", "our medical office"),
		AgentName:      getEnv("AGENT_NAME", ""),
		ClinicTimezone: getEnv("CLINIC_TIMEZONE", "America/New_York"),

		LLMProvider:          strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", ProviderOpenAI))),
		LLMFallbackProvider:  strings.ToLower(strings.TrimSpace(getEnv("LLM_FALLBACK_PROVIDER", ""))),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:          getEnv("OPENAI_MODEL", "gpt-4o"),
		AzureOpenAIEndpoint:  getEnv("AZURE_OPENAI_ENDPOINT", ""),
		AzureOpenAIAPIKey:    getEnv("AZURE_OPENAI_API_KEY", ""),
		AzureOpenAIDeploy:    getEnv("AZURE_OPENAI_DEPLOYMENT", ""),
		AzureOpenAIVersion:   getEnv("AZURE_OPENAI_API_VERSION", "2024-06-01"),
		BedrockModelID:       getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		GeminiModel:          getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		LLMMaxTokens:         getEnvAsInt("LLM_MAX_TOKENS", 400),
		LLMTemperature:       getEnvAsFloat("LLM_TEMPERATURE", 0.3),
		LLMPromptTokenBudget: getEnvAsInt("LLM_PROMPT_TOKEN_BUDGET", 6000),
		GenerationTimeout:    getEnvAsDuration("GENERATION_TIMEOUT", 10*time.Second),

		BookingAPIBaseURL:   getEnv("BOOKING_API_BASE_URL", ""),
		BookingAPIKey:       getEnv("BOOKING_API_KEY", ""),
		BookingAPIKeyHeader: getEnv("BOOKING_API_KEY_HEADER", "X-API-Key"),
		BookingTimeout:      getEnvAsDuration("BOOKING_TIMEOUT", 10*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		ActiveCallTTL: getEnvAsDuration("ACTIVE_CALL_TTL", 2*time.Hour),

		ReconnectGrace: getEnvAsDuration("RECONNECT_GRACE", 10*time.Second),

		AWSRegion:             getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:        getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:   getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		BookingEventsQueueURL: getEnv("BOOKING_EVENTS_QUEUE_URL", ""),

		OpsJWTSecret: getEnv("OPS_JWT_SECRET", ""),
	}
}

// Validate reports every missing key required by the selected providers.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BookingAPIBaseURL) == "" {
		errs = append(errs, errors.New("BOOKING_API_BASE_URL is required"))
	}
	if strings.TrimSpace(c.BookingAPIKey) == "" {
		errs = append(errs, errors.New("BOOKING_API_KEY is required"))
	}
	errs = append(errs, c.validateProvider(c.LLMProvider, "LLM_PROVIDER")...)
	if c.LLMFallbackProvider != "" {
		errs = append(errs, c.validateProvider(c.LLMFallbackProvider, "LLM_FALLBACK_PROVIDER")...)
	}
	if _, err := time.LoadLocation(c.ClinicTimezone); err != nil {
		errs = append(errs, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err))
	}
	return errors.Join(errs...)
}

func (c *Config) validateProvider(provider, key string) []error {
	switch provider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return []error{errors.New("OPENAI_API_KEY is required for the openai provider")}
		}
	case ProviderAzure:
		var errs []error
		if c.AzureOpenAIEndpoint == "" {
			errs = append(errs, errors.New("AZURE_OPENAI_ENDPOINT is required for the azure provider"))
		}
		if c.AzureOpenAIAPIKey == "" {
			errs = append(errs, errors.New("AZURE_OPENAI_API_KEY is required for the azure provider"))
		}
		if c.AzureOpenAIDeploy == "" {
			errs = append(errs, errors.New("AZURE_OPENAI_DEPLOYMENT is required for the azure provider"))
		}
		return errs
	case ProviderBedrock:
		if c.BedrockModelID == "" {
			return []error{errors.New("BEDROCK_MODEL_ID is required for the bedrock provider")}
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return []error{errors.New("GEMINI_API_KEY is required for the gemini provider")}
		}
	default:
		return []error{fmt.Errorf("%s %q is not supported", key, provider)}
	}
	return nil
}

// Location returns the clinic time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
