package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServerAddress string    `json:"serverAddress"`
	DatabasePath  string    `json:"databasePath"`
	DatabaseURL   string    `json:"databaseUrl"`
	Remote        Remote    `json:"remote"`
	Sync          Sync      `json:"sync"`
	Conflicts     Conflicts `json:"conflicts"`
	Queue         Queue     `json:"queue"`
	Network       Network   `json:"network"`
	Security      Security  `json:"security"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Remote configures the upstream sync server
type Remote struct {
	BaseURL        string `json:"baseUrl"`
	APIKey         string `json:"apiKey"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// Timeout returns the per-request transport timeout
func (r Remote) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Sync configures the change tracker and orchestrator
type Sync struct {
	BatchSize       int  `json:"batchSize"`
	IntervalSeconds int  `json:"intervalSeconds"`
	WorkerLimit     int  `json:"workerLimit"`
	AutoStart       bool `json:"autoStart"`
}

// Interval returns the auto-sync period
func (s Sync) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Conflicts configures the conflict resolver
type Conflicts struct {
	ReviewThreshold   float64  `json:"reviewThreshold"`
	AmbiguityWindowMs int      `json:"ambiguityWindowMs"`
	SafetyFields      []string `json:"safetyFields"`
	AuditCapacity     int      `json:"auditCapacity"`
}

// AmbiguityWindow returns the timestamp gap below which last-write-wins
// refuses to guess
func (c Conflicts) AmbiguityWindow() time.Duration {
	return time.Duration(c.AmbiguityWindowMs) * time.Millisecond
}

// Queue configures the durable sync queue
type Queue struct {
	MaxAttempts   int `json:"maxAttempts"`
	BackoffBaseMs int `json:"backoffBaseMs"`
	Capacity      int `json:"capacity"`
}

// BackoffBase returns the first retry delay
func (q Queue) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseMs) * time.Millisecond
}

// Network configures the connection monitor
type Network struct {
	StabilityWindowMs int  `json:"stabilityWindowMs"`
	ProbeIntervalMs   int  `json:"probeIntervalMs"`
	AllowMetered      bool `json:"allowMetered"`
}

// StabilityWindow returns how long a reading must hold before it is trusted
func (n Network) StabilityWindow() time.Duration {
	return time.Duration(n.StabilityWindowMs) * time.Millisecond
}

// ProbeInterval returns the connection probe period
func (n Network) ProbeInterval() time.Duration {
	return time.Duration(n.ProbeIntervalMs) * time.Millisecond
}

// Security configuration
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":5600",
		DatabasePath:  "medsync.db",
		Remote: Remote{
			BaseURL:        "http://localhost:5601",
			TimeoutSeconds: 15,
		},
		Sync: Sync{
			BatchSize:       50,
			IntervalSeconds: 300,
			WorkerLimit:     4,
			AutoStart:       true,
		},
		Conflicts: Conflicts{
			ReviewThreshold:   0.7,
			AmbiguityWindowMs: 5000,
			SafetyFields:      []string{"dosage", "dose", "strength", "unit", "medicationId", "medicationName"},
			AuditCapacity:     500,
		},
		Queue: Queue{
			MaxAttempts:   3,
			BackoffBaseMs: 1000,
			Capacity:      1000,
		},
		Network: Network{
			StabilityWindowMs: 3000,
			ProbeIntervalMs:   5000,
			AllowMetered:      false,
		},
		Security: Security{
			APIKey:       "CHANGE_THIS_TO_A_SECURE_API_KEY_AT_LEAST_32_CHARS",
			APIKeyHeader: "X-API-Key",
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if baseURL := os.Getenv("REMOTE_BASE_URL"); baseURL != "" {
		cfg.Remote.BaseURL = baseURL
	}
	if remoteKey := os.Getenv("REMOTE_API_KEY"); remoteKey != "" {
		cfg.Remote.APIKey = remoteKey
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}

	if batch := os.Getenv("SYNC_BATCH_SIZE"); batch != "" {
		if n, err := strconv.Atoi(batch); err == nil && n > 0 {
			cfg.Sync.BatchSize = n
		}
	}
	if interval := os.Getenv("SYNC_INTERVAL_SECONDS"); interval != "" {
		if n, err := strconv.Atoi(interval); err == nil && n > 0 {
			cfg.Sync.IntervalSeconds = n
		}
	}
	if autoStart := os.Getenv("SYNC_AUTO_START"); autoStart != "" {
		cfg.Sync.AutoStart = autoStart == "true" || autoStart == "1"
	}
	if attempts := os.Getenv("QUEUE_MAX_ATTEMPTS"); attempts != "" {
		if n, err := strconv.Atoi(attempts); err == nil && n > 0 {
			cfg.Queue.MaxAttempts = n
		}
	}
	if threshold := os.Getenv("CONFLICT_REVIEW_THRESHOLD"); threshold != "" {
		if f, err := strconv.ParseFloat(threshold, 64); err == nil && f > 0 && f <= 1 {
			cfg.Conflicts.ReviewThreshold = f
		}
	}
	if metered := os.Getenv("NETWORK_ALLOW_METERED"); metered != "" {
		cfg.Network.AllowMetered = metered == "true" || metered == "1"
	}

	return cfg, nil
}
