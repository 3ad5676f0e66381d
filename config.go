package plantchat

// Config holds the configuration for the plant chat client.
type Config struct {
	// API configures the upstream plant identification backend.
	API APIConfig `json:"api" yaml:"api"`
	// Cache configures the durable request cache.
	Cache CacheConfig `json:"cache" yaml:"cache"`
	// Chat configures conversation behavior.
	Chat ChatConfig `json:"chat,omitempty" yaml:"chat,omitempty"`
}

// APIConfig points at the upstream backend and bounds its calls.
type APIConfig struct {
	// BaseURL is the root of the upstream API, e.g. "http://localhost:8000".
	BaseURL string `json:"base_url" yaml:"base_url"`
	// Per-resource request timeouts in milliseconds. Zero selects the
	// defaults (catalog 10s, classify 30s, qa 20s).
	CatalogTimeoutMS  int `json:"catalog_timeout_ms,omitempty" yaml:"catalog_timeout_ms,omitempty"`
	ClassifyTimeoutMS int `json:"classify_timeout_ms,omitempty" yaml:"classify_timeout_ms,omitempty"`
	QATimeoutMS       int `json:"qa_timeout_ms,omitempty" yaml:"qa_timeout_ms,omitempty"`
	// Breaker configures the per-resource circuit breaker.
	Breaker BreakerConfig `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// BreakerConfig defines circuit breaker thresholds. Zero values select the
// breaker's own defaults.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	SuccessThreshold int `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	OpenTimeoutMS    int `json:"open_timeout_ms,omitempty" yaml:"open_timeout_ms,omitempty"`
}

// CacheDriver selects the durable cache backend.
type CacheDriver string

// CacheDriver constants define the supported cache backends.
const (
	DriverSQLite   CacheDriver = "sqlite"
	DriverPostgres CacheDriver = "postgres"
	DriverMemory   CacheDriver = "memory"
	DriverNone     CacheDriver = "none"
)

// CacheConfig configures the durable cache.
type CacheConfig struct {
	// Driver is one of sqlite, postgres, memory, none. Empty means none.
	Driver CacheDriver `json:"driver" yaml:"driver"`
	// DSN is the database location: a file path for sqlite, a connection
	// string for postgres. Optional for sqlite (a default path is used).
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// ChatConfig configures conversation behavior.
type ChatConfig struct {
	// ResetCommands are the submitted texts recognized as a conversation
	// reset, before any other interpretation. Matching is case-insensitive
	// after trimming. Empty means the defaults ("reset", "/reset").
	ResetCommands []string `json:"reset_commands,omitempty" yaml:"reset_commands,omitempty"`
}
