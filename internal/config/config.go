// Package config loads AxonPulse configuration from the environment,
// following the same getEnv/getEnvAsInt/getEnvAsDuration shape used
// across the Tesseract-Nexus service fleet.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the axonpulse gateway.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	WebSocket  WebSocketConfig
	App        AppConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Connection ConnectionConfig
	Registry   RegistryConfig
	Collab     CollabConfig
	Monitoring MonitoringConfig
}

type ServerConfig struct {
	Host   string
	Port   int
	WSPort int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	URL         string
	KeyPrefix   string
	DialTimeout time.Duration
	CmdTimeout  time.Duration
}

type NATSConfig struct {
	URL            string
	ClusterSubject string
	MaxReconnects  int
	ReconnectWait  time.Duration
}

type WebSocketConfig struct {
	ReadBufferSize    int
	WriteBufferSize   int
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	MaxMessageSize    int64
	MaxSubscriptions  int
	OutboundQueueSize int
}

// AuthConfig holds bearer-token verification settings (spec §4.D).
type AuthConfig struct {
	JWTPublicKey    string
	ClockDriftMax   time.Duration
	DemoModeEnabled bool
}

// RateLimitConfig holds sliding-window / burst settings (spec §4.E).
type RateLimitConfig struct {
	SocketMessagesPerWindow int
	SocketWindow            time.Duration
	ActionSteadyRate        int
	ActionWindow            time.Duration
	BurstMultiplier         float64
}

// ConnectionConfig holds heartbeat/reconnect/sync tunables (spec §4.F).
type ConnectionConfig struct {
	HeartbeatInterval    time.Duration
	MaxMissedHeartbeats  int
	StaleAfter           time.Duration
	CleanupInterval      time.Duration
	MetricsInterval      time.Duration
	ReconnectBase        time.Duration
	ReconnectFactor      float64
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	ReconnectResetAfter  time.Duration
	ReconnectJitter      bool
}

// RegistryConfig holds ServerRegistry tunables (spec §4.I).
type RegistryConfig struct {
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	NodeTTL           time.Duration
	LoadHighWaterMark float64
}

// CollabConfig holds CollaborationEngine tunables (spec §4.J).
type CollabConfig struct {
	SnapshotTrimThreshold int
	DefaultConflictPolicy string
}

// MonitoringConfig holds HealthMonitor timeout/threshold overrides (spec §6).
type MonitoringConfig struct {
	SampleInterval     time.Duration
	EMAAlpha           float64
	AlertCooldown      time.Duration
	LatencyThresholdMs float64
	ErrorRateThreshold float64
	RedisTimeout       time.Duration
	StoreTimeout       time.Duration
	ProbeTimeout       time.Duration
}

type AppConfig struct {
	Environment string
	LogLevel    string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Host:   getEnv("SERVER_HOST", "0.0.0.0"),
			Port:   getEnvAsInt("SERVER_PORT", 8080),
			WSPort: getEnvAsInt("WS_PORT", 8081),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "axonpulse"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
			KeyPrefix:   getEnv("REDIS_KEY_PREFIX", "axonpuls"),
			DialTimeout: getEnvAsDuration("REDIS_DIAL_TIMEOUT", 1*time.Second),
			CmdTimeout:  getEnvAsDuration("REDIS_CMD_TIMEOUT", 1*time.Second),
		},
		NATS: NATSConfig{
			URL:            getEnv("NATS_URL", "nats://localhost:4222"),
			ClusterSubject: getEnv("NATS_CLUSTER_SUBJECT", "axonpuls.servers.events"),
			MaxReconnects:  getEnvAsInt("NATS_MAX_RECONNECTS", -1),
			ReconnectWait:  getEnvAsDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:    getEnvAsInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize:   getEnvAsInt("WS_WRITE_BUFFER_SIZE", 1024),
			PingInterval:      getEnvAsDuration("WS_PING_INTERVAL", 15*time.Second),
			PongWait:          getEnvAsDuration("WS_PONG_WAIT", 60*time.Second),
			WriteWait:         getEnvAsDuration("WS_WRITE_WAIT", 10*time.Second),
			MaxMessageSize:    getEnvAsInt64("WS_MAX_MESSAGE_SIZE", 1024*1024), // 1 MiB
			MaxSubscriptions:  getEnvAsInt("WS_MAX_SUBSCRIPTIONS", 200),
			OutboundQueueSize: getEnvAsInt("WS_OUTBOUND_QUEUE_SIZE", 1024),
		},
		App: AppConfig{
			Environment: getEnv("APP_ENV", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTPublicKey:    getEnv("JWT_PUBLIC_KEY", ""),
			ClockDriftMax:   getEnvAsDuration("AUTH_CLOCK_DRIFT_MAX", 3*time.Second),
			DemoModeEnabled: getEnvAsBool("AUTH_DEMO_MODE", false),
		},
		RateLimit: RateLimitConfig{
			SocketMessagesPerWindow: getEnvAsInt("RL_SOCKET_MESSAGES", 100),
			SocketWindow:            getEnvAsDuration("RL_SOCKET_WINDOW", 60*time.Second),
			ActionSteadyRate:        getEnvAsInt("RL_ACTION_STEADY_RATE", 50),
			ActionWindow:            getEnvAsDuration("RL_ACTION_WINDOW", 60*time.Second),
			BurstMultiplier:         getEnvAsFloat("RL_BURST_MULTIPLIER", 2.0),
		},
		Connection: ConnectionConfig{
			HeartbeatInterval:    getEnvAsDuration("HB_INTERVAL", 30*time.Second),
			MaxMissedHeartbeats:  getEnvAsInt("HB_MAX_MISSED", 3),
			StaleAfter:           getEnvAsDuration("CONN_STALE_AFTER", 1*time.Hour),
			CleanupInterval:      getEnvAsDuration("CONN_CLEANUP_INTERVAL", 5*time.Minute),
			MetricsInterval:      getEnvAsDuration("CONN_METRICS_INTERVAL", 60*time.Second),
			ReconnectBase:        getEnvAsDuration("RECONNECT_BASE", 1*time.Second),
			ReconnectFactor:      getEnvAsFloat("RECONNECT_FACTOR", 2.0),
			ReconnectMaxDelay:    getEnvAsDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			ReconnectMaxAttempts: getEnvAsInt("RECONNECT_MAX_ATTEMPTS", 5),
			ReconnectResetAfter:  getEnvAsDuration("RECONNECT_RESET_AFTER", 300*time.Second),
			ReconnectJitter:      getEnvAsBool("RECONNECT_JITTER", true),
		},
		Registry: RegistryConfig{
			HeartbeatInterval: getEnvAsDuration("REGISTRY_HEARTBEAT_INTERVAL", 30*time.Second),
			ReapInterval:      getEnvAsDuration("REGISTRY_REAP_INTERVAL", 60*time.Second),
			NodeTTL:           getEnvAsDuration("REGISTRY_NODE_TTL", 90*time.Second),
			LoadHighWaterMark: getEnvAsFloat("REGISTRY_LOAD_HWM", 0.9),
		},
		Collab: CollabConfig{
			SnapshotTrimThreshold: getEnvAsInt("COLLAB_TRIM_THRESHOLD", 1000),
			DefaultConflictPolicy: getEnv("COLLAB_DEFAULT_CONFLICT_POLICY", "last_write_wins"),
		},
		Monitoring: MonitoringConfig{
			SampleInterval:     getEnvAsDuration("MONITORING_SAMPLE_INTERVAL", 30*time.Second),
			EMAAlpha:           getEnvAsFloat("MONITORING_EMA_ALPHA", 0.3),
			AlertCooldown:      getEnvAsDuration("MONITORING_TIMEOUTS_ALERT_COOLDOWN", 5*time.Minute),
			LatencyThresholdMs: getEnvAsFloat("MONITORING_THRESHOLDS_LATENCY_MS", 500),
			ErrorRateThreshold: getEnvAsFloat("MONITORING_THRESHOLDS_ERROR_RATE", 0.05),
			RedisTimeout:       getEnvAsDuration("MONITORING_TIMEOUTS_REDIS", 1*time.Second),
			StoreTimeout:       getEnvAsDuration("MONITORING_TIMEOUTS_STORE", 5*time.Second),
			ProbeTimeout:       getEnvAsDuration("MONITORING_TIMEOUTS_PROBE", 3*time.Second),
		},
	}, nil
}

// GetServerAddress returns the server address in host:port format.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetDatabaseDSN returns the PostgreSQL connection string.
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// Helper functions for environment variables.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
