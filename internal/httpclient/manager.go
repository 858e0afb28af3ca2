// Package httpclient manages the shared upstream HTTP clients.
package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Config defines the parameters for creating an HTTP client. It doubles as
// the cache fingerprint so equal configurations share one client.
type Config struct {
	ConnectTimeout        time.Duration
	RequestTimeout        time.Duration
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

func (c *Config) fingerprint() string {
	return fmt.Sprintf("%v|%v|%v|%v|%d|%d",
		c.ConnectTimeout, c.RequestTimeout, c.IdleConnTimeout,
		c.ResponseHeaderTimeout, c.MaxIdleConns, c.MaxIdleConnsPerHost)
}

// Manager creates and caches HTTP clients by configuration fingerprint.
// Safe for concurrent use; clients are shared across requests.
type Manager struct {
	clients map[string]*http.Client
	lock    sync.RWMutex
}

// NewManager creates a new client manager.
func NewManager() *Manager {
	return &Manager{
		clients: make(map[string]*http.Client),
	}
}

// GetClient returns a client for the given configuration, creating and
// caching it on first use.
func (m *Manager) GetClient(config *Config) *http.Client {
	fingerprint := config.fingerprint()

	m.lock.RLock()
	client, exists := m.clients[fingerprint]
	m.lock.RUnlock()
	if exists {
		return client
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if client, exists = m.clients[fingerprint]; exists {
		return client
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		IdleConnTimeout:       config.IdleConnTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	client = &http.Client{
		Transport: transport,
		Timeout:   config.RequestTimeout,
	}
	m.clients[fingerprint] = client
	return client
}

// StreamClient returns the client used for streaming upstream calls. It has
// no overall request timeout; liveness is enforced by the caller's
// inactivity detector.
func (m *Manager) StreamClient() *http.Client {
	return m.GetClient(&Config{
		ConnectTimeout:        15 * time.Second,
		RequestTimeout:        0,
		IdleConnTimeout:       120 * time.Second,
		ResponseHeaderTimeout: 5 * time.Minute,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   50,
	})
}

// DefaultClient returns the client for non-streaming upstream calls.
func (m *Manager) DefaultClient() *http.Client {
	return m.GetClient(&Config{
		ConnectTimeout:        15 * time.Second,
		RequestTimeout:        10 * time.Minute,
		IdleConnTimeout:       120 * time.Second,
		ResponseHeaderTimeout: 5 * time.Minute,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   50,
	})
}
