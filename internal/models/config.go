package models

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"readTimeoutSec"`
	WriteTimeoutSec int `json:"writeTimeoutSec"`
	IdleTimeoutSec  int `json:"idleTimeoutSec"`
}

// DatabaseConfig configures the sqlite durable store.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// TransportConfig configures the messaging-server client.
type TransportConfig struct {
	BaseURL    string `json:"baseUrl"`
	AuthToken  string `json:"authToken,omitempty"`
	TimeoutSec int    `json:"timeoutSec"`
}

// QueueConfig tunes the job queue engine.
type QueueConfig struct {
	MaxAttempts       int `json:"maxAttempts"`
	JobTimeoutSec     int `json:"jobTimeoutSec"`
	MaxAgeHours       int `json:"maxAgeHours"`
	ShutdownGraceSec  int `json:"shutdownGraceSec"`
	UploadConcurrency int `json:"uploadConcurrency"`
}

// ChallengeConfig tunes the challenge coordinator.
type ChallengeConfig struct {
	MaxAgeHours           int `json:"maxAgeHours"`
	SolveBackoffInitialMs int `json:"solveBackoffInitialMs"`
	SolveBackoffMaxSec    int `json:"solveBackoffMaxSec"`
	// PromptTimeoutSec bounds the wait for a human to solve a challenge.
	// Zero waits indefinitely.
	PromptTimeoutSec int `json:"promptTimeoutSec"`
}

// RetryConfig tunes local retry backoff for transient failures.
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter"` // "stdout" or "otlp"
	OTLPEndpoint string  `json:"otlpEndpoint,omitempty"`
	SampleRate   float64 `json:"sampleRate"`
}

// Config is the top-level daemon configuration, loaded from JSON with
// environment overrides applied after validation.
type Config struct {
	LogLevel      string          `json:"logLevel"`
	Server        ServerConfig    `json:"server"`
	Database      DatabaseConfig  `json:"database"`
	Transport     TransportConfig `json:"transport"`
	Queue         QueueConfig     `json:"queue"`
	Challenge     ChallengeConfig `json:"challenge"`
	Retry         RetryConfig     `json:"retry"`
	Tracing       TracingConfig   `json:"tracing"`
	RetentionDays int             `json:"retentionDays"`
}

// ConfigError indicates an invalid or incomplete configuration.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
