package config

import (
	"fmt"
	"time"

	"consultlink-backend/pkg/env"
)

// Config holds all configuration for the signaling service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	MinIO     MinIOConfig
	JWT       JWTConfig
	Log       LogConfig
	Signaling SignalingConfig
	Push      PushConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// DatabaseConfig holds Postgres configuration for the appointment store
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration for the message store
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

// MinIOConfig holds MinIO configuration for attachments
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// SignalingConfig holds websocket relay configuration
type SignalingConfig struct {
	MaxConnections int
	AllowedOrigins []string
}

// PushConfig selects and configures the push provider
type PushConfig struct {
	Provider string // mock, fcm, apns

	FCMProjectID       string
	FCMCredentialsPath string

	APNsBundleID   string
	APNsKeyPath    string
	APNsKeyID      string
	APNsTeamID     string
	APNsCertPath   string
	APNsCertPass   string
	APNsProduction bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8083),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "signaling-service"),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 5432),
			User:     env.GetString("DB_USER", "consultlink"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "consultlink"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Hosts:       env.GetStringSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace:    env.GetString("CASSANDRA_KEYSPACE", "consultlink"),
			Consistency: env.GetString("CASSANDRA_CONSISTENCY", "QUORUM"),
			Timeout:     env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
		},
		MinIO: MinIOConfig{
			Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env.GetStringFromFile("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			Bucket:    env.GetString("MINIO_BUCKET", "consult-attachments"),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Signaling: SignalingConfig{
			MaxConnections: env.GetInt("WS_MAX_CONNECTIONS", 1000),
			AllowedOrigins: env.GetStringSlice("WS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Push: PushConfig{
			Provider:           env.GetString("PUSH_PROVIDER", "mock"),
			FCMProjectID:       env.GetString("FCM_PROJECT_ID", ""),
			FCMCredentialsPath: env.GetString("FCM_CREDENTIALS_PATH", ""),
			APNsBundleID:       env.GetString("APNS_BUNDLE_ID", ""),
			APNsKeyPath:        env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:          env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:         env.GetString("APNS_TEAM_ID", ""),
			APNsCertPath:       env.GetString("APNS_CERT_PATH", ""),
			APNsCertPass:       env.GetStringFromFile("APNS_CERT_PASSWORD", ""),
			APNsProduction:     env.GetBool("APNS_PRODUCTION", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.Server.Environment == "production" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.Signaling.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be positive")
	}
	if c.JWT.AccessTokenExpiry <= 0 {
		c.JWT.AccessTokenExpiry = 15 * time.Minute
	}
	return nil
}

// PostgresDSN returns the pgx connection string
func (d DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}
