package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the patrol engine service
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Debug         bool                `mapstructure:"debug"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Verification  VerificationConfig  `mapstructure:"verification"`
	Cascade       CascadeConfig       `mapstructure:"cascade"`
	Patrol        PatrolConfig        `mapstructure:"patrol"`
	Escalation    EscalationConfig    `mapstructure:"escalation"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Registry      RegistryConfig      `mapstructure:"registry"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
}

// DSN returns the postgres connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Name, c.SSLMode)
}

// RedisConfig contains Redis configuration for locking and live fan-out
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Brokers []string     `mapstructure:"brokers"`
	GroupID string       `mapstructure:"group_id"`
	Topics  TopicsConfig `mapstructure:"topics"`
	Workers int          `mapstructure:"workers"`
}

// TopicsConfig contains Kafka topic configuration
type TopicsConfig struct {
	// Input
	CheckpointScans string `mapstructure:"checkpoint_scans"`

	// Output
	IncidentEscalated string `mapstructure:"incident_escalated"`
}

// VerificationConfig contains scan verification tolerances
type VerificationConfig struct {
	GPSToleranceMeters  float64       `mapstructure:"gps_tolerance_meters"`
	OnTimeWindow        time.Duration `mapstructure:"on_time_window"`
	ScanTimeout         time.Duration `mapstructure:"scan_timeout"`
	RequireVerification bool          `mapstructure:"require_verification_code"`
	MaxClockSkew        time.Duration `mapstructure:"max_clock_skew"`
}

// CascadeConfig contains cascade update and reconciliation settings
type CascadeConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay"`
	ReconcileDelay time.Duration `mapstructure:"reconcile_delay"`
	ReconcileBatch int           `mapstructure:"reconcile_batch"`
	ReviewAfter    int           `mapstructure:"review_after"`
}

// PatrolConfig contains patrol lifecycle settings
type PatrolConfig struct {
	MissedGrace  time.Duration `mapstructure:"missed_grace"`
	OnTimeWindow time.Duration `mapstructure:"on_time_window"`
}

// MaxEscalationLevel is the highest level an incident can be escalated to.
const MaxEscalationLevel = 5

// EscalationConfig contains incident escalation configuration
type EscalationConfig struct {
	MaxLevel int                      `mapstructure:"max_level"`
	SLA      map[string]time.Duration `mapstructure:"sla"`
}

// SLAFor returns the response SLA for a severity, falling back to one hour
func (c EscalationConfig) SLAFor(severity string) time.Duration {
	if d, ok := c.SLA[strings.ToLower(severity)]; ok && d > 0 {
		return d
	}
	return time.Hour
}

// NotificationsConfig contains notification configuration
type NotificationsConfig struct {
	Workers     int             `mapstructure:"workers"`
	QueueSize   int             `mapstructure:"queue_size"`
	MaxAttempts int             `mapstructure:"max_attempts"`
	RetryDelay  time.Duration   `mapstructure:"retry_delay"`
	MaxDelay    time.Duration   `mapstructure:"max_retry_delay"`
	Timeout     time.Duration   `mapstructure:"timeout"`
	Email       EmailConfig     `mapstructure:"email"`
	SMS         SMSConfig       `mapstructure:"sms"`
	Webhook     WebhookConfig   `mapstructure:"webhook"`
	Stream      StreamConfig    `mapstructure:"stream"`
	Templates   TemplatesConfig `mapstructure:"templates"`
}

// EmailConfig contains email notification configuration
type EmailConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	SendGridAPIKey  string   `mapstructure:"sendgrid_api_key"`
	FromAddress     string   `mapstructure:"from_address"`
	FromName        string   `mapstructure:"from_name"`
	Recipients      []string `mapstructure:"recipients"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
}

// SMSConfig contains SMS notification configuration
type SMSConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	TwilioSID       string   `mapstructure:"twilio_sid"`
	TwilioToken     string   `mapstructure:"twilio_token"`
	FromNumber      string   `mapstructure:"from_number"`
	Recipients      []string `mapstructure:"recipients"`
	// MinSeverity filters out lower severities from SMS.
	MinSeverity     string   `mapstructure:"min_severity"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
}

// WebhookConfig contains webhook notification configuration
type WebhookConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	URL             string            `mapstructure:"url"`
	Headers         map[string]string `mapstructure:"headers"`
	SigningSecret   string            `mapstructure:"signing_secret"`
	RateLimitPerMin int               `mapstructure:"rate_limit_per_min"`
}

// StreamConfig publishes escalations to the Kafka escalation topic
type StreamConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	RateLimitPerMin int  `mapstructure:"rate_limit_per_min"`
}

// TemplatesConfig contains message templates
type TemplatesConfig struct {
	Subject string `mapstructure:"subject"`
	Body    string `mapstructure:"body"`
}

// RegistryConfig contains checkpoint policy cache settings
type RegistryConfig struct {
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// SchedulerConfig contains scheduler configuration
type SchedulerConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	SweepSchedule        string        `mapstructure:"sweep_schedule"`
	ReconcileSchedule    string        `mapstructure:"reconcile_schedule"`
	EscalationSchedule   string        `mapstructure:"escalation_schedule"`
	NotificationSchedule string        `mapstructure:"notification_schedule"`
	TaskTimeout          time.Duration `mapstructure:"task_timeout"`
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
}

// SecurityConfig contains security configuration
type SecurityConfig struct {
	EnableAuthentication bool   `mapstructure:"enable_authentication"`
	JWTSecret            string `mapstructure:"jwt_secret"`
	JWTIssuer            string `mapstructure:"jwt_issuer"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"` // json, console
	FilePath      string `mapstructure:"file_path"`
	MaxSize       int    `mapstructure:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups"`
	MaxAge        int    `mapstructure:"max_age"`
	Compress      bool   `mapstructure:"compress"`
	IncludeSource bool   `mapstructure:"include_source"`
}

// Load loads configuration from environment variables and config files.
// An explicit path overrides the search locations.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/patrol-engine")
	}

	// Set default values
	setDefaults(v)

	// Enable environment variable binding
	v.SetEnvPrefix("PATROL_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional unless given explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// Default returns the built-in defaults without reading files or environment
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return config
}

// Validate checks values that would otherwise fail at runtime
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Escalation.MaxLevel < 1 || c.Escalation.MaxLevel > MaxEscalationLevel {
		return fmt.Errorf("escalation.max_level must be between 1 and %d, got %d", MaxEscalationLevel, c.Escalation.MaxLevel)
	}
	if c.Cascade.MaxRetries < 1 {
		return fmt.Errorf("cascade.max_retries must be positive")
	}
	if c.Security.EnableAuthentication && c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required when authentication is enabled")
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// General
	v.SetDefault("environment", "development")
	v.SetDefault("debug", false)

	// Server
	v.SetDefault("server.http_port", 8090)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "aegisshield_patrol")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.run_migrations", true)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	// Kafka
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "patrol-engine")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.topics.checkpoint_scans", "checkpoint-scans")
	v.SetDefault("kafka.topics.incident_escalated", "incident-escalated")

	// Verification
	v.SetDefault("verification.gps_tolerance_meters", 50.0)
	v.SetDefault("verification.on_time_window", "15m")
	v.SetDefault("verification.scan_timeout", "10s")
	v.SetDefault("verification.require_verification_code", false)
	v.SetDefault("verification.max_clock_skew", "5m")

	// Cascade
	v.SetDefault("cascade.max_retries", 3)
	v.SetDefault("cascade.retry_delay", "50ms")
	v.SetDefault("cascade.max_retry_delay", "1s")
	v.SetDefault("cascade.reconcile_delay", "30s")
	v.SetDefault("cascade.reconcile_batch", 100)
	v.SetDefault("cascade.review_after", 5)

	// Patrol
	v.SetDefault("patrol.missed_grace", "30m")
	v.SetDefault("patrol.on_time_window", "15m")

	// Escalation
	v.SetDefault("escalation.max_level", 5)
	v.SetDefault("escalation.sla", map[string]string{
		"critical": "5m",
		"high":     "15m",
		"medium":   "30m",
		"low":      "60m",
	})

	// Notifications
	v.SetDefault("notifications.workers", 4)
	v.SetDefault("notifications.queue_size", 1000)
	v.SetDefault("notifications.max_attempts", 5)
	v.SetDefault("notifications.retry_delay", "10s")
	v.SetDefault("notifications.max_retry_delay", "10m")
	v.SetDefault("notifications.timeout", "30s")
	v.SetDefault("notifications.email.enabled", false)
	v.SetDefault("notifications.email.from_name", "AegisShield Patrol")
	v.SetDefault("notifications.email.rate_limit_per_min", 60)
	v.SetDefault("notifications.sms.enabled", false)
	v.SetDefault("notifications.sms.min_severity", "high")
	v.SetDefault("notifications.sms.rate_limit_per_min", 10)
	v.SetDefault("notifications.webhook.enabled", false)
	v.SetDefault("notifications.webhook.rate_limit_per_min", 120)
	v.SetDefault("notifications.stream.enabled", false)
	v.SetDefault("notifications.stream.rate_limit_per_min", 600)
	v.SetDefault("notifications.templates.subject", "[{{ severity|upper }}] Incident {{ incident_id }} escalated to level {{ level }}")
	v.SetDefault("notifications.templates.body", "Incident {{ incident_id }} ({{ severity }}) at property {{ property_id }} is now at escalation level {{ level }}. {{ description }}")

	// Registry
	v.SetDefault("registry.cache_ttl", "5m")
	v.SetDefault("registry.cleanup_interval", "10m")

	// Scheduler
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.sweep_schedule", "@every 5m")
	v.SetDefault("scheduler.reconcile_schedule", "@every 1m")
	v.SetDefault("scheduler.escalation_schedule", "@every 1m")
	v.SetDefault("scheduler.notification_schedule", "@every 30s")
	v.SetDefault("scheduler.task_timeout", "2m")
	v.SetDefault("scheduler.lock_ttl", "4m")

	// Security
	v.SetDefault("security.enable_authentication", false)
	v.SetDefault("security.jwt_issuer", "aegisshield")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.include_source", false)
}
