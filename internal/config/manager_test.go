package config

import (
	"testing"

	"github.com/coulsontl/gemini-antiblock/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewManagerDefaults tests default values with only the required variable
func TestNewManagerDefaults(t *testing.T) {
	t.Setenv("UPSTREAM_URL_BASE", "https://generativelanguage.googleapis.com")

	manager, err := NewManager()
	require.NoError(t, err)

	assert.Equal(t, 8080, manager.GetServerConfig().Port)
	assert.Equal(t, "0.0.0.0", manager.GetServerConfig().Host)
	assert.Equal(t, protocol.DefaultMaxRetries, manager.GetRetryConfig().MaxRetries)
	assert.Equal(t, protocol.DefaultMaxFetchRetries, manager.GetRetryConfig().MaxFetchRetries)
	assert.Empty(t, manager.GetRetryConfig().FatalStatusCodes)
	assert.True(t, manager.GetProtocolConfig().DebugMode)
	assert.Equal(t, protocol.DefaultThoughtPrelude, manager.GetProtocolConfig().ThoughtPrelude)
	assert.True(t, manager.GetProtocolConfig().SwallowThoughtsAfterRetry)
	assert.True(t, manager.GetCORSConfig().Enabled)
}

// TestNewManagerMissingUpstream tests the required-variable validation
func TestNewManagerMissingUpstream(t *testing.T) {
	t.Setenv("UPSTREAM_URL_BASE", "")

	_, err := NewManager()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPSTREAM_URL_BASE")
}

// TestNewManagerOverrides tests environment overrides
func TestNewManagerOverrides(t *testing.T) {
	t.Setenv("UPSTREAM_URL_BASE", "https://upstream.example/")
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("FATAL_STATUS_CODES", "500, 501")
	t.Setenv("DEBUG_MODE", "false")
	t.Setenv("THOUGHT_PRELUDE", "**Thinking**")

	manager, err := NewManager()
	require.NoError(t, err)

	// Trailing slash is trimmed so path joining stays clean.
	assert.Equal(t, "https://upstream.example", manager.GetUpstreamConfig().URLBase)
	assert.Equal(t, 9090, manager.GetServerConfig().Port)
	assert.Equal(t, 5, manager.GetRetryConfig().MaxRetries)
	assert.Equal(t, []int{500, 501}, manager.GetRetryConfig().FatalStatusCodes)
	assert.False(t, manager.GetProtocolConfig().DebugMode)
	assert.Equal(t, "**Thinking**", manager.GetProtocolConfig().ThoughtPrelude)
}

// TestNewManagerInvalidValues tests fallback on malformed values
func TestNewManagerInvalidValues(t *testing.T) {
	t.Setenv("UPSTREAM_URL_BASE", "https://upstream.example")
	t.Setenv("MAX_RETRIES", "not-a-number")
	t.Setenv("FATAL_STATUS_CODES", "500,abc,503")

	manager, err := NewManager()
	require.NoError(t, err)

	assert.Equal(t, protocol.DefaultMaxRetries, manager.GetRetryConfig().MaxRetries)
	assert.Equal(t, []int{500, 503}, manager.GetRetryConfig().FatalStatusCodes)
}

// TestValidateUpstreamScheme tests URL scheme validation
func TestValidateUpstreamScheme(t *testing.T) {
	t.Setenv("UPSTREAM_URL_BASE", "ftp://nope")

	_, err := NewManager()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http")
}
