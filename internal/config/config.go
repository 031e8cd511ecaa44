package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default timeouts for call handling. These bound every suspension point in
// the media bridge so a call can never hang while holding resources.
const (
	DefaultConnectionTimeout = 10 * time.Second
	DefaultFirstFrameTimeout = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultDrainTimeout      = 5 * time.Second
	DefaultCloseGracePeriod  = 5 * time.Second
)

// CallAgentConfig holds the configuration for the calling agent service.
type CallAgentConfig struct {
	Port          string
	ServerBaseURL string

	// Twilio configuration
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	// Gemini configuration
	GeminiAPIKey  string
	GeminiBaseURL string
	GeminiModel   string

	// GeminiPoolSize is how many live sessions to keep pre-warmed so an
	// answered call skips the setup round trip.
	GeminiPoolSize int

	// System prompt for the AI agent, loaded from SystemPromptPath at startup.
	SystemPromptPath string
	SystemPrompt     string

	// Debug audio recording
	RecordingEnabled bool
	RecordingDir     string

	// Timeouts
	ConnectionTimeout time.Duration
	FirstFrameTimeout time.Duration
	IdleTimeout       time.Duration
	DrainTimeout      time.Duration
}

// LoadConfigFromEnv loads the calling agent configuration from environment
// variables. Note: .env is loaded in main.go for local development using
// godotenv.Load().
func LoadConfigFromEnv() (*CallAgentConfig, error) {
	cfg := &CallAgentConfig{
		Port:          getEnvOrDefault("SERVER_PORT", "8080"),
		ServerBaseURL: getEnvOrDefault("SERVER_BASE_URL", ""),

		TwilioAccountSID:  getEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   getEnvOrDefault("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber: getEnvOrDefault("TWILIO_PHONE_NUMBER", ""),

		GeminiAPIKey:   getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiBaseURL:  getEnvOrDefault("GEMINI_BASE_URL", "wss://generativelanguage.googleapis.com"),
		GeminiModel:    getEnvOrDefault("GEMINI_MODEL", "models/gemini-live-2.5-flash-preview-native-audio"),
		GeminiPoolSize: getEnvAsIntOrDefault("GEMINI_POOL_SIZE", 2),

		SystemPromptPath: getEnvOrDefault("SYSTEM_PROMPT_FILE", "gemini_system_prompt.txt"),

		RecordingEnabled: getEnvAsBoolOrDefault("AUDIO_RECORDING_ENABLED", false),
		RecordingDir:     getEnvOrDefault("AUDIO_RECORDING_DIR", "recordings"),

		ConnectionTimeout: getEnvAsDurationOrDefault("CONNECTION_TIMEOUT", DefaultConnectionTimeout),
		FirstFrameTimeout: getEnvAsDurationOrDefault("FIRST_FRAME_TIMEOUT", DefaultFirstFrameTimeout),
		IdleTimeout:       getEnvAsDurationOrDefault("IDLE_TIMEOUT", DefaultIdleTimeout),
		DrainTimeout:      getEnvAsDurationOrDefault("DRAIN_TIMEOUT", DefaultDrainTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	prompt, err := os.ReadFile(cfg.SystemPromptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load system prompt from %s: %w", cfg.SystemPromptPath, err)
	}
	cfg.SystemPrompt = strings.TrimSpace(string(prompt))
	if cfg.SystemPrompt == "" {
		return nil, fmt.Errorf("system prompt file %s is empty", cfg.SystemPromptPath)
	}

	return cfg, nil
}

// Validate checks that all required configuration values are present.
func (c *CallAgentConfig) Validate() error {
	required := map[string]string{
		"SERVER_BASE_URL":     c.ServerBaseURL,
		"TWILIO_ACCOUNT_SID":  c.TwilioAccountSID,
		"TWILIO_AUTH_TOKEN":   c.TwilioAuthToken,
		"TWILIO_PHONE_NUMBER": c.TwilioPhoneNumber,
		"GEMINI_API_KEY":      c.GeminiAPIKey,
		"GEMINI_MODEL":        c.GeminiModel,
	}

	var missing []string
	for name, value := range required {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// WebSocketBaseURL returns the public base URL with a ws/wss scheme, used
// when generating the TwiML <Stream> target.
func (c *CallAgentConfig) WebSocketBaseURL() string {
	url := c.ServerBaseURL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return url
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
