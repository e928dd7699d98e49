package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	NATS          NATSConfig
	Bucketing     BucketingConfig
	Store         StoreConfig
	Engine        EngineConfig
	Integrity     IntegrityConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	EnableTLS       bool
	CertFile        string
	KeyFile         string
	AutoCert        bool
	Domain          string
	AutoCertDir     string
	Email           string
	AdminRPS        float64
	AdminBurst      int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type NATSConfig struct {
	Enabled bool
	URL     string
	Subject string
}

type BucketingConfig struct {
	StoreShards  int
	EventBuckets int
}

// StoreConfig selects the record store backend: memory, redis or scylla.
type StoreConfig struct {
	Backend string
}

type EngineConfig struct {
	FailOpen          bool
	EventCapacity     int
	AlertCapacity     int
	DetectorCacheSize int
	SinkBufferSize    int
	SinkFlushInterval time.Duration
	PolicyFile        string
	// DigestKey keys the actor digests sent to sinks. Empty means a random
	// per-process key.
	DigestKey string
}

type IntegrityConfig struct {
	Enabled  bool
	Interval time.Duration
}

var (
	current   *Config
	currentMu sync.RWMutex
)

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() *Config {
	for _, path := range []string{".env", "../.env", "/app/.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:       getEnvBool("SERVER_ENABLE_TLS", false),
			CertFile:        getEnv("SERVER_CERT_FILE", ""),
			KeyFile:         getEnv("SERVER_KEY_FILE", ""),
			AutoCert:        getEnvBool("SERVER_AUTO_CERT", false),
			Domain:          getEnv("SERVER_DOMAIN", ""),
			AutoCertDir:     getEnv("SERVER_AUTO_CERT_DIR", "/var/lib/guard-service/certs"),
			Email:           getEnv("SERVER_ACME_EMAIL", ""),
			AdminRPS:        getEnvFloat("SERVER_ADMIN_RPS", 50),
			AdminBurst:      getEnvInt("SERVER_ADMIN_BURST", 100),
			AllowedOrigins:  getEnvList("SERVER_ALLOWED_ORIGINS", []string{"https://*"}),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "guard"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "guard.security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvBool("ES_ENABLED", false),
			URL:      getEnv("ES_URL", "http://localhost:9200"),
			Username: getEnv("ES_USERNAME", ""),
			Password: getEnv("ES_PASSWORD", ""),
			Index:    getEnv("ES_INDEX", "guard-security"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "guard"),
			Table:    getEnv("CLICKHOUSE_TABLE", "security_events"),
		},
		NATS: NATSConfig{
			Enabled: getEnvBool("NATS_ENABLED", false),
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Subject: getEnv("NATS_SUBJECT", "guard.alerts"),
		},
		Bucketing: BucketingConfig{
			StoreShards:  getEnvInt("BUCKETING_STORE_SHARDS", 64),
			EventBuckets: getEnvInt("BUCKETING_EVENT_BUCKETS", 16),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", "memory")),
		},
		Engine: EngineConfig{
			FailOpen:          getEnvBool("ENGINE_FAIL_OPEN", true),
			EventCapacity:     getEnvInt("ENGINE_EVENT_CAPACITY", 1000),
			AlertCapacity:     getEnvInt("ENGINE_ALERT_CAPACITY", 100),
			DetectorCacheSize: getEnvInt("ENGINE_DETECTOR_CACHE_SIZE", 4096),
			SinkBufferSize:    getEnvInt("ENGINE_SINK_BUFFER_SIZE", 1024),
			SinkFlushInterval: getEnvDuration("ENGINE_SINK_FLUSH_INTERVAL", time.Second),
			PolicyFile:        getEnv("ENGINE_POLICY_FILE", ""),
			DigestKey:         getEnv("ENGINE_DIGEST_KEY", ""),
		},
		Integrity: IntegrityConfig{
			Enabled:  getEnvBool("INTEGRITY_ENABLED", true),
			Interval: getEnvDuration("INTEGRITY_INTERVAL", 30*time.Second),
		},
	}

	currentMu.Lock()
	current = cfg
	currentMu.Unlock()

	return cfg
}

// Get returns the last loaded configuration, loading it on first use.
func Get() *Config {
	currentMu.RLock()
	cfg := current
	currentMu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "scylla":
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	if c.Engine.EventCapacity <= 0 || c.Engine.AlertCapacity <= 0 {
		return fmt.Errorf("event and alert capacity must be positive")
	}
	if c.Integrity.Enabled && c.Integrity.Interval <= 0 {
		return fmt.Errorf("integrity interval must be positive")
	}
	if c.Server.EnableTLS && !c.Server.AutoCert && !c.IsDevelopment() &&
		(c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("tls enabled without cert and key files")
	}
	if c.Server.AutoCert && c.Server.Domain == "" {
		return fmt.Errorf("auto cert requires SERVER_DOMAIN")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
