package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"etatdeslieux/models"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type GmailConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	RefreshToken string `json:"-"`
}

type IMAPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Username     string        `json:"username"`
	Password     string        `json:"-"`
	Mailbox      string        `json:"mailbox"`
	Encryption   string        `json:"encryption"`
	PollInterval time.Duration `json:"poll_interval"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`
	LogLevel    string `json:"log_level"`
	SentryDSN   string `json:"-"`

	// StoreBackend selects the ledger store: "postgres" or "redis".
	StoreBackend    string `json:"store_backend"`
	DBHost          string `json:"db_host"`
	DBPort          string `json:"db_port"`
	DBUser          string `json:"db_user"`
	DBPassword      string `json:"-"`
	DBName          string `json:"db_name"`
	DBSSLMode       string `json:"db_ssl_mode"`
	DBMaxIdleConns  int    `json:"db_max_idle_conns"`
	DBMaxOpenConns  int    `json:"db_max_open_conns"`
	LedgerTxRetries int    `json:"ledger_tx_retries"`

	Redis RedisConfig `json:"redis"`

	JWTSecret     string `json:"-"`
	PublicBaseURL string `json:"public_base_url"`
	SiteRootURL   string `json:"site_root_url"`

	RateLimitPerMinute    int     `json:"rate_limit_per_minute"`
	DispatchRatePerSecond float64 `json:"dispatch_rate_per_second"`

	SMTPHost     string      `json:"smtp_host"`
	SMTPPort     int         `json:"smtp_port"`
	SMTPUsername string      `json:"smtp_username"`
	SMTPPassword string      `json:"-"`
	FromEmail    string      `json:"from_email"`
	FromName     string      `json:"from_name"`
	Gmail        GmailConfig `json:"gmail"`

	Bounce IMAPConfig `json:"bounce"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

// Load reads the process environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		SentryDSN:   getEnv("SENTRY_DSN", ""),

		StoreBackend:    strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", ""),
		DBName:          getEnv("DB_NAME", "etatdeslieux"),
		DBSSLMode:       getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns:  getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns:  getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		LedgerTxRetries: getEnvAsInt("LEDGER_TX_RETRIES", 25),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		JWTSecret:     getEnv("JWT_SECRET", ""),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:5000"), "/"),
		SiteRootURL:   getEnv("SITE_ROOT_URL", "/"),

		RateLimitPerMinute:    getEnvAsInt("RATE_LIMIT_PER_MINUTE", 30),
		DispatchRatePerSecond: getEnvAsFloat("DISPATCH_RATE_PER_SECOND", 2),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		FromEmail:    getEnv("SMTP_FROM_EMAIL", ""),
		FromName:     getEnv("SMTP_FROM_NAME", "État des Lieux"),
		Gmail: GmailConfig{
			ClientID:     getEnv("GMAIL_CLIENT_ID", ""),
			ClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
			RefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),
		},

		Bounce: IMAPConfig{
			Host:         getEnv("BOUNCE_IMAP_HOST", ""),
			Port:         getEnvAsInt("BOUNCE_IMAP_PORT", 993),
			Username:     getEnv("BOUNCE_IMAP_USERNAME", ""),
			Password:     getEnv("BOUNCE_IMAP_PASSWORD", ""),
			Mailbox:      getEnv("BOUNCE_IMAP_MAILBOX", "INBOX"),
			Encryption:   getEnv("BOUNCE_IMAP_ENCRYPTION", "TLS"),
			PollInterval: getEnvAsDuration("BOUNCE_POLL_INTERVAL", 5*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.logConfig()
	return cfg, nil
}

// Validate checks the required keys for the selected backend.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "postgres":
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("REDIS_ENABLED must be true when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Environment == "production" && c.SMTPHost == "" {
		return fmt.Errorf("SMTP_HOST is required in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ConnectDB opens Postgres and migrates the ledger tables.
func ConnectDB(cfg *Config) (*gorm.DB, error) {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	gormLogger := logger.Default.LogMode(logger.Warn)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := migrateDB(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return db, nil
}

// ConnectRedis returns nil when Redis is disabled.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Campaign{},
		&models.EmailRecord{},
		&models.EmailConfig{},
		&models.UnsubscribedRecord{},
		&models.TrackingEvent{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func (c *Config) logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", c.Environment)
	log.Printf("Server Port: %s", c.ServerPort)
	log.Printf("Store backend: %s", c.StoreBackend)
	if c.StoreBackend == "postgres" {
		log.Printf("Database: %s@%s:%s/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
	}
	log.Printf("Redis: %t, SMTP: %t, Gmail OAuth: %t, Bounce mailbox: %t",
		c.Redis.Enabled,
		c.SMTPHost != "",
		c.Gmail.RefreshToken != "",
		c.Bounce.Host != "")
}
