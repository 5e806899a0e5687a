package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Evaluation settings
	Scoring    ScoringConfig    `json:"scoring"`
	Classifier ClassifierConfig `json:"classifier"`
	Reasoner   ReasonerConfig   `json:"reasoner"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ScoringConfig holds anomaly and risk scoring thresholds.
type ScoringConfig struct {
	// ZScoreThreshold flags the amount check when |z| exceeds it.
	ZScoreThreshold float64 `json:"zScoreThreshold"`

	// HistoryWindowDays bounds the historical comparison window.
	HistoryWindowDays int `json:"historyWindowDays"`

	// AlertThreshold is the risk score above which a decision alerts.
	AlertThreshold float64 `json:"alertThreshold"`

	// AlertSuppressionWindow de-duplicates repeat alerts for the same
	// transaction and severity.
	AlertSuppressionWindow time.Duration `json:"alertSuppressionWindow"`
}

// ClassifierConfig holds settings for the external classification service.
type ClassifierConfig struct {
	// Endpoint of the classification service; empty selects the static
	// keyword fallback classifier.
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"-"`
	Model    string `json:"model"`

	// ConfidenceThreshold below which a classification needs review.
	ConfidenceThreshold float64 `json:"confidenceThreshold"`

	Timeout time.Duration `json:"timeout"`
}

// ReasonerConfig holds settings for the optional risk reasoning service.
type ReasonerConfig struct {
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"-"`
	Model    string        `json:"model"`
	Timeout  time.Duration `json:"timeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			ZScoreThreshold:        2.0,
			HistoryWindowDays:      90,
			AlertThreshold:         0.4,
			AlertSuppressionWindow: 10 * time.Minute,
		},
		Classifier: ClassifierConfig{
			ConfidenceThreshold: 0.7,
			Timeout:             15 * time.Second,
		},
		Reasoner: ReasonerConfig{
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
