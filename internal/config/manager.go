// Package config provides configuration management for the proxy.
// All configuration comes from environment variables, optionally loaded from a
// .env file at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/coulsontl/gemini-antiblock/internal/protocol"
	"github.com/coulsontl/gemini-antiblock/internal/types"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Manager implements types.ConfigManager backed by environment variables.
type Manager struct {
	serverConfig   types.ServerConfig
	corsConfig     types.CORSConfig
	logConfig      types.LogConfig
	upstreamConfig types.UpstreamConfig
	retryConfig    types.RetryConfig
	protocolConfig types.ProtocolConfig
}

// NewManager creates a new configuration manager, loading .env if present.
func NewManager() (types.ConfigManager, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using system environment variables")
	}

	m := &Manager{
		serverConfig: types.ServerConfig{
			Port:                    parseInteger(os.Getenv("PORT"), 8080),
			Host:                    getEnvOrDefault("HOST", "0.0.0.0"),
			ReadTimeout:             parseInteger(os.Getenv("SERVER_READ_TIMEOUT"), 120),
			WriteTimeout:            parseInteger(os.Getenv("SERVER_WRITE_TIMEOUT"), 0),
			IdleTimeout:             parseInteger(os.Getenv("SERVER_IDLE_TIMEOUT"), 120),
			GracefulShutdownTimeout: parseInteger(os.Getenv("SERVER_GRACEFUL_SHUTDOWN_TIMEOUT"), 10),
		},
		corsConfig: types.CORSConfig{
			Enabled:          parseBoolean(os.Getenv("ENABLE_CORS"), true),
			AllowedOrigins:   parseArray(os.Getenv("ALLOWED_ORIGINS"), []string{"*"}),
			AllowedMethods:   parseArray(os.Getenv("ALLOWED_METHODS"), []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders:   parseArray(os.Getenv("ALLOWED_HEADERS"), []string{"*"}),
			AllowCredentials: parseBoolean(os.Getenv("ALLOW_CREDENTIALS"), false),
		},
		logConfig: types.LogConfig{
			Level:      getEnvOrDefault("LOG_LEVEL", "info"),
			Format:     getEnvOrDefault("LOG_FORMAT", "text"),
			EnableFile: parseBoolean(os.Getenv("LOG_ENABLE_FILE"), false),
			FilePath:   getEnvOrDefault("LOG_FILE_PATH", "./data/logs/app.log"),
		},
		upstreamConfig: types.UpstreamConfig{
			URLBase: strings.TrimSuffix(os.Getenv("UPSTREAM_URL_BASE"), "/"),
		},
		retryConfig: types.RetryConfig{
			MaxRetries:                   parseInteger(os.Getenv("MAX_RETRIES"), protocol.DefaultMaxRetries),
			MaxFetchRetries:              parseInteger(os.Getenv("MAX_FETCH_RETRIES"), protocol.DefaultMaxFetchRetries),
			MaxNonRetryableStatusRetries: parseInteger(os.Getenv("MAX_NON_RETRYABLE_STATUS_RETRIES"), protocol.DefaultMaxNonRetryableStatusCodes),
			FatalStatusCodes:             parseIntegerArray(os.Getenv("FATAL_STATUS_CODES")),
		},
		protocolConfig: types.ProtocolConfig{
			ThoughtPrelude:            getEnvOrDefault("THOUGHT_PRELUDE", protocol.DefaultThoughtPrelude),
			SwallowThoughtsAfterRetry: parseBoolean(os.Getenv("SWALLOW_THOUGHTS_AFTER_RETRY"), true),
			DebugMode:                 parseBoolean(os.Getenv("DEBUG_MODE"), true),
		},
	}

	if m.protocolConfig.DebugMode && os.Getenv("LOG_LEVEL") == "" {
		m.logConfig.Level = "debug"
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// GetServerConfig returns the server configuration.
func (m *Manager) GetServerConfig() types.ServerConfig { return m.serverConfig }

// GetCORSConfig returns the CORS configuration.
func (m *Manager) GetCORSConfig() types.CORSConfig { return m.corsConfig }

// GetLogConfig returns the logging configuration.
func (m *Manager) GetLogConfig() types.LogConfig { return m.logConfig }

// GetUpstreamConfig returns the upstream endpoint configuration.
func (m *Manager) GetUpstreamConfig() types.UpstreamConfig { return m.upstreamConfig }

// GetRetryConfig returns the retry budgets.
func (m *Manager) GetRetryConfig() types.RetryConfig { return m.retryConfig }

// GetProtocolConfig returns the sentinel protocol tunables.
func (m *Manager) GetProtocolConfig() types.ProtocolConfig { return m.protocolConfig }

// Validate checks the configuration for fatal problems.
func (m *Manager) Validate() error {
	if m.upstreamConfig.URLBase == "" {
		return fmt.Errorf("UPSTREAM_URL_BASE is required")
	}
	if !strings.HasPrefix(m.upstreamConfig.URLBase, "http://") && !strings.HasPrefix(m.upstreamConfig.URLBase, "https://") {
		return fmt.Errorf("UPSTREAM_URL_BASE must be an http(s) URL, got %q", m.upstreamConfig.URLBase)
	}
	if m.serverConfig.Port < 1 || m.serverConfig.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", m.serverConfig.Port)
	}
	if m.retryConfig.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0, got %d", m.retryConfig.MaxRetries)
	}
	return nil
}

// DisplayServerConfig logs the effective configuration at startup.
func (m *Manager) DisplayServerConfig() {
	logrus.Info("=== Server Configuration ===")
	logrus.Infof("Listen: %s:%d", m.serverConfig.Host, m.serverConfig.Port)
	logrus.Infof("Upstream: %s", m.upstreamConfig.URLBase)
	logrus.Infof("Max retries: %d (fetch: %d, non-retryable: %d)",
		m.retryConfig.MaxRetries, m.retryConfig.MaxFetchRetries, m.retryConfig.MaxNonRetryableStatusRetries)
	if len(m.retryConfig.FatalStatusCodes) > 0 {
		logrus.Infof("Fatal status codes: %v", m.retryConfig.FatalStatusCodes)
	} else {
		logrus.Info("Fatal status codes: none")
	}
	logrus.Infof("Debug mode: %v", m.protocolConfig.DebugMode)
	logrus.Infof("CORS enabled: %v", m.corsConfig.Enabled)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInteger(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logrus.Warnf("Invalid integer value %q, using default %d", value, defaultValue)
		return defaultValue
	}
	return parsed
}

func parseBoolean(value string, defaultValue bool) bool {
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logrus.Warnf("Invalid boolean value %q, using default %v", value, defaultValue)
		return defaultValue
	}
	return parsed
}

func parseArray(value string, defaultValue []string) []string {
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

func parseIntegerArray(value string) []int {
	if value == "" {
		return nil
	}
	var result []int
	for _, p := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		parsed, err := strconv.Atoi(trimmed)
		if err != nil {
			logrus.Warnf("Ignoring invalid status code %q", trimmed)
			continue
		}
		result = append(result, parsed)
	}
	return result
}
