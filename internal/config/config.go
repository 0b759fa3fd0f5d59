package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"courier/internal/constants"
	"courier/internal/models"
	"courier/internal/security"
)

var (
	ErrMissingTransportURL = models.ConfigError{Message: "missing transport base URL"}
	ErrMissingDBPath       = models.ConfigError{Message: "missing database path"}
)

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	// Perform security validation after environment overrides
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Transport.BaseURL == "" {
		return ErrMissingTransportURL
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Transport.TimeoutSec <= 0 {
		c.Transport.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}

	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = constants.DefaultMaxAttempts
	}
	if c.Queue.JobTimeoutSec <= 0 {
		c.Queue.JobTimeoutSec = constants.DefaultJobTimeoutSec
	}
	if c.Queue.MaxAgeHours <= 0 {
		c.Queue.MaxAgeHours = constants.DefaultJobMaxAgeHours
	}
	if c.Queue.ShutdownGraceSec <= 0 {
		c.Queue.ShutdownGraceSec = constants.DefaultShutdownGraceSec
	}
	if c.Queue.UploadConcurrency <= 0 {
		c.Queue.UploadConcurrency = constants.DefaultUploadConcurrency
	}

	if c.Challenge.MaxAgeHours <= 0 {
		c.Challenge.MaxAgeHours = constants.DefaultChallengeMaxAgeHours
	}
	if c.Challenge.SolveBackoffInitialMs <= 0 {
		c.Challenge.SolveBackoffInitialMs = constants.DefaultSolveBackoffInitialMs
	}
	if c.Challenge.SolveBackoffMaxSec <= 0 {
		c.Challenge.SolveBackoffMaxSec = constants.DefaultSolveBackoffMaxSec
	}
	if c.Challenge.PromptTimeoutSec < 0 {
		return models.ConfigError{Message: "challenge prompt timeout cannot be negative"}
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = c.Queue.MaxAttempts
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.Exporter != "stdout" && c.Tracing.Exporter != "otlp" {
		return models.ConfigError{Message: fmt.Sprintf("unknown tracing exporter %q", c.Tracing.Exporter)}
	}
	if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
		c.Tracing.SampleRate = 0.1
	}

	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("COURIER_TRANSPORT_URL"); url != "" {
		c.Transport.BaseURL = url
	}

	// SECURITY: auth tokens should be set via environment variables
	if token := os.Getenv("COURIER_TRANSPORT_TOKEN"); token != "" {
		c.Transport.AuthToken = token
	}

	if path := os.Getenv("COURIER_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if port := os.Getenv("COURIER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if level := os.Getenv("COURIER_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("COURIER_ENV") == "production"

	if isProduction {
		if c.Transport.AuthToken == "" {
			return models.ConfigError{Message: "transport auth token is required in production (set COURIER_TRANSPORT_TOKEN environment variable)"}
		}
		if len(c.Transport.AuthToken) < 32 {
			return models.ConfigError{Message: "transport auth token must be at least 32 characters long"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else {
		if c.Transport.AuthToken == "" {
			fmt.Fprintf(os.Stderr, "WARNING: transport auth token not set. Set COURIER_TRANSPORT_TOKEN environment variable for security.\n")
		}
	}

	return nil
}
