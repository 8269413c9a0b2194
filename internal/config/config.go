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

// Config holds the full runtime configuration for the identity service.
type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Policy      PolicyConfig
	Store       StoreConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	Elastic     ElasticConfig
	KMS         KMSConfig
	JWT         JWTConfig
	Hashing     HashingConfig
	Bucketing   BucketingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// PolicyConfig centralizes every abuse-mitigation threshold. These are
// operational policy, not protocol: deployments and tests tune them freely.
type PolicyConfig struct {
	OTPLength          int
	OTPExpiry          time.Duration
	OTPIssuanceWindow  time.Duration
	OTPIssuanceCap     int
	OTPAttemptCap      int
	FailureWindow      time.Duration
	FailureHardCap     int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	BlockBaseDuration  time.Duration
	SuspiciousWindow   time.Duration
	SuspiciousOTPCount int
	SuspiciousFailures int
	SuspiciousLogCount int
	FailureRetention   time.Duration
	LogRetention       time.Duration
	CleanupInterval    time.Duration
	DeliveryTimeout    time.Duration
}

// StoreConfig selects the persistence backend: "scylla" (default) or
// "memory" for local development.
type StoreConfig struct {
	Backend string
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
	Enabled       bool
	Brokers       []string
	AuditTopic    string
	DeliveryTopic string
	// WorkerEnabled runs the in-process delivery consumer that stands in
	// for the SMS/email gateway in development.
	WorkerEnabled bool
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type ElasticConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type JWTConfig struct {
	SigningKey string
	Issuer     string
	TokenTTL   time.Duration
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

type BucketingConfig struct {
	IdentifierBuckets int
	EventBuckets      int
}

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// LoadConfig reads .env (if present) and environment variables into a Config.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()

		cfg := &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/cache/identity-autocert"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Policy: PolicyConfig{
				OTPLength:          getEnvInt("OTP_LENGTH", 6),
				OTPExpiry:          getEnvDuration("OTP_EXPIRY", 3*time.Minute),
				OTPIssuanceWindow:  getEnvDuration("OTP_ISSUANCE_WINDOW", 5*time.Minute),
				OTPIssuanceCap:     getEnvInt("OTP_ISSUANCE_CAP", 3),
				OTPAttemptCap:      getEnvInt("OTP_ATTEMPT_CAP", 3),
				FailureWindow:      getEnvDuration("LOGIN_FAILURE_WINDOW", 15*time.Minute),
				FailureHardCap:     getEnvInt("LOGIN_FAILURE_HARD_CAP", 5),
				BackoffBase:        getEnvDuration("LOGIN_BACKOFF_BASE", time.Second),
				BackoffCap:         getEnvDuration("LOGIN_BACKOFF_CAP", 5*time.Minute),
				BlockBaseDuration:  getEnvDuration("BLOCK_BASE_DURATION", 15*time.Minute),
				SuspiciousWindow:   getEnvDuration("SUSPICIOUS_WINDOW", 30*time.Minute),
				SuspiciousOTPCount: getEnvInt("SUSPICIOUS_OTP_COUNT", 8),
				SuspiciousFailures: getEnvInt("SUSPICIOUS_FAILURE_COUNT", 7),
				SuspiciousLogCount: getEnvInt("SUSPICIOUS_LOG_COUNT", 6),
				FailureRetention:   getEnvDuration("FAILURE_RETENTION", 24*time.Hour),
				LogRetention:       getEnvDuration("RATE_LIMIT_LOG_RETENTION", 7*24*time.Hour),
				CleanupInterval:    getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute),
				DeliveryTimeout:    getEnvDuration("OTP_DELIVERY_TIMEOUT", 10*time.Second),
			},
			Store: StoreConfig{
				Backend: getEnv("STORE_BACKEND", "scylla"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    splitList(getEnv("SCYLLA_NODES", "localhost:9042")),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "identity"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Enabled:       getEnvBool("KAFKA_ENABLED", false),
				Brokers:       splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
				AuditTopic:    getEnv("KAFKA_AUDIT_TOPIC", "identity.audit-events"),
				DeliveryTopic: getEnv("KAFKA_DELIVERY_TOPIC", "identity.otp-delivery"),
				WorkerEnabled: getEnvBool("KAFKA_DELIVERY_WORKER", false),
			},
			Clickhouse: ClickhouseConfig{
				Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "identity"),
			},
			Elastic: ElasticConfig{
				Enabled:  getEnvBool("ELASTICSEARCH_ENABLED", false),
				URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username: getEnv("ELASTICSEARCH_USERNAME", ""),
				Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "ap-south-1"),
			},
			JWT: JWTConfig{
				SigningKey: getEnv("JWT_SIGNING_KEY", ""),
				Issuer:     getEnv("JWT_ISSUER", "identity-service"),
				TokenTTL:   getEnvDuration("JWT_TOKEN_TTL", 24*time.Hour),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 4),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 30),
			},
			Bucketing: BucketingConfig{
				IdentifierBuckets: getEnvInt("IDENTIFIER_BUCKETS", 64),
				EventBuckets:      getEnvInt("EVENT_BUCKETS", 16),
			},
		}

		cfg.Policy.clampOTPExpiry()
		globalConfig = cfg
	})
	return globalConfig
}

// clampOTPExpiry enforces the [2,5] minute bound on the configured OTP
// expiry. A fixed value inside the bound, never per-call random.
func (p *PolicyConfig) clampOTPExpiry() {
	if p.OTPExpiry < 2*time.Minute {
		p.OTPExpiry = 2 * time.Minute
	}
	if p.OTPExpiry > 5*time.Minute {
		p.OTPExpiry = 5 * time.Minute
	}
}

// Get returns the loaded global config, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) UseMemoryStore() bool {
	return strings.EqualFold(c.Store.Backend, "memory")
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
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

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
