package config

import "time"

type Config struct {
	AppName                       string `env:"APP_NAME"`
	Port                          int    `env:"PORT"`
	LogLevel                      string `env:"LOG_LEVEL"`
	PrettyLogs                    bool   `env:"PRETTY_LOGS"`
	HttpServerWriteTimeoutSeconds int    `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS"`
	HttpServerReadTimeoutSeconds  int    `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS"`
	HttpServerIdleTimeoutSeconds  int    `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS"`
	StartupMaxAttempts            int    `env:"STARTUP_MAX_ATTEMPTS"`

	// Statement store
	DataPath     string `env:"DATA_PATH"`
	StoreBackend string `env:"STORE_BACKEND"` // file, postgres or memory
	SchemaPath   string `env:"SCHEMA_PATH"`

	// Resolver
	ResolverPath            string        `env:"RESOLVER_PATH"`
	ResolverOpenTimeout     time.Duration `env:"RESOLVER_OPEN_TIMEOUT"`
	ResolverAutomatedActors []string      `env:"RESOLVER_AUTOMATED_ACTORS"`

	// Destination locks
	LockBackend    string        `env:"LOCK_BACKEND"` // file or redis
	LockTimeout    time.Duration `env:"LOCK_TIMEOUT"`
	LockStaleAfter time.Duration `env:"LOCK_STALE_AFTER"`

	// Redis
	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB"`
	RedisKeyPrefix string        `env:"REDIS_KEY_PREFIX"`
	RedisLockTTL   time.Duration `env:"REDIS_LOCK_TTL"`

	// PostgreSQL
	DatabaseDriver                string        `env:"DB_DRIVER"`
	DatabaseHost                  string        `env:"DB_HOST"`
	DatabasePort                  string        `env:"DB_PORT"`
	DatabaseUserName              string        `env:"DB_USER_NAME"`
	DatabasePassword              string        `env:"DB_PASSWORD"`
	DatabaseName                  string        `env:"DB_NAME"`
	DatabaseSSLMode               string        `env:"DB_SQL_MODE"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK"`

	// Kafka
	KafkaBrokers         []string `env:"KAFKA_BROKERS"`
	KafkaJudgementTopic  string   `env:"KAFKA_JUDGEMENT_TOPIC"`
	KafkaConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP"`
	KafkaConsumerEnabled bool     `env:"KAFKA_CONSUMER_ENABLED"`
	KafkaOutputTopic     string   `env:"KAFKA_OUTPUT_TOPIC"`
	KafkaBatchSize       int      `env:"KAFKA_BATCH_SIZE"`
	KafkaBatchTimeout    int      `env:"KAFKA_BATCH_TIMEOUT_MS"`
	KafkaRequiredAcks    int      `env:"KAFKA_REQUIRED_ACKS"`
	KafkaCompression     string   `env:"KAFKA_COMPRESSION"`

	// Graph Database (Memgraph / Neo4j)
	GraphDBHost     string `env:"GRAPH_DB_HOST"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT"`
	GraphDBUser     string `env:"GRAPH_DB_USER"`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD"`
	GraphDBName     string `env:"GRAPH_DB_NAME"`

	// Crawling
	ResourcePath   string        `env:"RESOURCE_PATH"`
	FetchRateLimit float64       `env:"FETCH_RATE_LIMIT"`
	FetchTimeout   time.Duration `env:"FETCH_TIMEOUT"`

	// Export
	ExportPath      string `env:"EXPORT_PATH"`
	ExportBlockSize int    `env:"EXPORT_BLOCK_SIZE"`

	// Tracing
	OtlpEnabled  bool   `env:"OTLP_ENABLED"`
	OtlpEndpoint string `env:"OTLP_ENDPOINT"`
	OtlpInsecure bool   `env:"OTLP_INSECURE"`
}
