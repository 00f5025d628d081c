package domain

import (
	"strconv"
	"strings"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Rules determines where rule partitions are read from
	Rules RulesConfig `json:"rules"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// RulesSource selects the rule partition loader.
type RulesSource string

const (
	// SourceEmbedded reads the rule data compiled into the binary.
	SourceEmbedded RulesSource = "embedded"

	// SourceDir reads YAML/JSON partition files from a directory.
	SourceDir RulesSource = "dir"

	// SourceDatabase reads partitions previously seeded into the repository.
	SourceDatabase RulesSource = "database"
)

// RulesConfig holds rule loading settings.
type RulesConfig struct {
	Source   RulesSource `json:"source"`
	Dir      string      `json:"dir"`
	Currency string      `json:"currency"` // single currency all rule costs are expressed in

	// CacheTTL bounds how long evaluation responses stay cached.
	CacheTTL time.Duration `json:"cacheTtl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// AllowedOrigins lists browser origins allowed to call the API.
	// Empty allows any origin without credentials.
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	ServiceName string  `json:"serviceName"`
	Endpoint    string  `json:"endpoint"` // OTLP/gRPC collector, host:port
	Insecure    bool    `json:"insecure"`
	SampleRate  float64 `json:"sampleRate"` // 0..1, applied to new root traces
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-process channels + LRU cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultCurrency is the unit rule costs are summed in unless configured.
const DefaultCurrency = "INR"

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
		Rules: RulesConfig{
			Source:   SourceEmbedded,
			Currency: DefaultCurrency,
			CacheTTL: 10 * time.Minute,
		},
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
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRate:  1,
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
		LocalTTL:       time.Minute,
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

// LoadConfig builds a configuration from environment lookups.
// getenv is normally os.Getenv; tests pass a map-backed function.
func LoadConfig(getenv func(string) string) *Config {
	cfg := DefaultConfig()
	if strings.EqualFold(getenv("KESTREL_TIER"), string(TierPro)) {
		cfg = ProConfig()
	}

	setString(&cfg.Server.Host, getenv("KESTREL_HOST"))
	setInt(&cfg.Server.Port, getenv("KESTREL_PORT"))
	if v := getenv("KESTREL_CORS_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	if v := getenv("KESTREL_RULES_SOURCE"); v != "" {
		cfg.Rules.Source = RulesSource(strings.ToLower(v))
	}
	setString(&cfg.Rules.Dir, getenv("KESTREL_RULES_DIR"))
	if v := getenv("KESTREL_CURRENCY"); v != "" {
		cfg.Rules.Currency = strings.ToUpper(v)
	}
	if v := getenv("KESTREL_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rules.CacheTTL = d
		}
	}

	setString(&cfg.Repository.SQLitePath, getenv("KESTREL_SQLITE_PATH"))
	setString(&cfg.Repository.PostgresHost, getenv("KESTREL_POSTGRES_HOST"))
	setInt(&cfg.Repository.PostgresPort, getenv("KESTREL_POSTGRES_PORT"))
	setString(&cfg.Repository.PostgresUser, getenv("KESTREL_POSTGRES_USER"))
	setString(&cfg.Repository.PostgresPassword, getenv("KESTREL_POSTGRES_PASSWORD"))
	setString(&cfg.Repository.PostgresDB, getenv("KESTREL_POSTGRES_DB"))
	setString(&cfg.Repository.PostgresSSLMode, getenv("KESTREL_POSTGRES_SSLMODE"))

	setString(&cfg.Cache.RedisAddr, getenv("KESTREL_REDIS_ADDR"))
	setString(&cfg.Cache.RedisPassword, getenv("KESTREL_REDIS_PASSWORD"))
	setString(&cfg.EventBus.NATSUrl, getenv("KESTREL_NATS_URL"))
	setString(&cfg.EventBus.NATSToken, getenv("KESTREL_NATS_TOKEN"))

	setString(&cfg.Logging.Level, strings.ToLower(getenv("KESTREL_LOG_LEVEL")))
	setString(&cfg.Logging.Format, strings.ToLower(getenv("KESTREL_LOG_FORMAT")))
	if v := getenv("KESTREL_TRACING"); v != "" {
		cfg.Tracing.Enabled = v == "true"
	}
	setString(&cfg.Tracing.Endpoint, getenv("KESTREL_OTLP_ENDPOINT"))
	if v := getenv("KESTREL_OTLP_INSECURE"); v != "" {
		cfg.Tracing.Insecure = v == "true"
	}
	if v := getenv("KESTREL_TRACE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRate = f
		}
	}

	return cfg
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v string) {
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
