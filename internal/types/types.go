package types

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetCORSConfig() CORSConfig
	GetLogConfig() LogConfig
	GetServerConfig() ServerConfig
	GetUpstreamConfig() UpstreamConfig
	GetRetryConfig() RetryConfig
	GetProtocolConfig() ProtocolConfig
	Validate() error
	DisplayServerConfig()
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port                    int    `json:"port"`
	Host                    string `json:"host"`
	ReadTimeout             int    `json:"read_timeout"`
	WriteTimeout            int    `json:"write_timeout"`
	IdleTimeout             int    `json:"idle_timeout"`
	GracefulShutdownTimeout int    `json:"graceful_shutdown_timeout"`
}

// CORSConfig represents CORS configuration
type CORSConfig struct {
	Enabled          bool     `json:"enabled"`
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	EnableFile bool   `json:"enable_file"`
	FilePath   string `json:"file_path"`
}

// UpstreamConfig represents the upstream Gemini endpoint
type UpstreamConfig struct {
	URLBase string `json:"url_base"`
}

// RetryConfig represents the per-error-class retry budgets
type RetryConfig struct {
	MaxRetries                   int   `json:"max_retries"`
	MaxFetchRetries              int   `json:"max_fetch_retries"`
	MaxNonRetryableStatusRetries int   `json:"max_non_retryable_status_retries"`
	FatalStatusCodes             []int `json:"fatal_status_codes"`
}

// ProtocolConfig represents tunables of the sentinel protocol
type ProtocolConfig struct {
	ThoughtPrelude            string `json:"thought_prelude"`
	SwallowThoughtsAfterRetry bool   `json:"swallow_thoughts_after_retry"`
	DebugMode                 bool   `json:"debug_mode"`
}
