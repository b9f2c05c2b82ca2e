package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	App         AppConfig
	FreeStake   FreeStakeConfig
	Matchmaking MatchmakingConfig
	Solana      SolanaConfig
	Match       MatchConfig
}

// ServerConfig holds server settings
type ServerConfig struct {
	Port           string
	FrontendOrigin string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver   string
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// RedisConfig holds redis settings. An empty URL disables redis.
type RedisConfig struct {
	URL       string
	KeyPrefix string
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Env       string
	JWTSecret string
}

// FreeStakeConfig holds the sponsored-stake claim and quota settings
type FreeStakeConfig struct {
	SigningSecret            string
	ClaimTTL                 time.Duration
	DailyBudgetLamports      int64
	MaxPerMatchLamports      int64
	MaxMatchesPerUserPerDay  int64
	MaxLamportsPerUserPerDay int64
	QuotaStore               string
}

// MatchmakingConfig holds the ranked queue settings
type MatchmakingConfig struct {
	Interval            time.Duration
	MaxWait             time.Duration
	ReactionToleranceMs float64
	ScanLimit           int
}

// SolanaConfig holds escrow program settings
type SolanaConfig struct {
	RPCURL                string
	ProgramID             string
	ServerAuthoritySecret string
	FeeVault              string
	FeeBps                int64
}

// MatchConfig holds the match store and deadline settings
type MatchConfig struct {
	Store             string
	JoinExpiry        time.Duration
	SettleDeadline    time.Duration
	ReconcileInterval time.Duration
	ClaimSweepEvery   time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			FrontendOrigin: getEnv("FRONTEND_ORIGIN", "http://localhost:5173"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "reflex_pvp"),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", ""),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "freestake"),
		},
		App: AppConfig{
			Env:       getEnv("APP_ENV", "development"),
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		FreeStake: FreeStakeConfig{
			SigningSecret:            getEnv("FREE_STAKE_SIGNING_SECRET", ""),
			ClaimTTL:                 getEnvMillis("FREE_STAKE_CLAIM_TTL_MS", 5*time.Minute),
			DailyBudgetLamports:      getEnvInt64("FREE_STAKE_DAILY_BUDGET_LAMPORTS", 10_000_000_000),
			MaxPerMatchLamports:      getEnvInt64("FREE_STAKE_MAX_PER_MATCH_LAMPORTS", 100_000_000),
			MaxMatchesPerUserPerDay:  getEnvInt64("FREE_STAKE_MAX_MATCHES_PER_USER_PER_DAY", 3),
			MaxLamportsPerUserPerDay: getEnvInt64("FREE_STAKE_MAX_LAMPORTS_PER_USER_PER_DAY", 300_000_000),
			QuotaStore:               strings.ToLower(getEnv("QUOTA_STORE", "memory")),
		},
		Matchmaking: MatchmakingConfig{
			Interval:            getEnvDuration("MATCHMAKING_INTERVAL", 2*time.Second),
			MaxWait:             getEnvDuration("MATCHMAKING_MAX_WAIT", 15*time.Second),
			ReactionToleranceMs: getEnvFloat("MATCHMAKING_REACTION_TOLERANCE_MS", 150),
			ScanLimit:           int(getEnvInt64("MATCHMAKING_SCAN_LIMIT", 21)),
		},
		Solana: SolanaConfig{
			RPCURL:                getEnv("SOLANA_RPC_URL", "https://api.devnet.solana.com"),
			ProgramID:             getEnv("SOLANA_PROGRAM_ID", ""),
			ServerAuthoritySecret: getEnv("SOLANA_SERVER_AUTHORITY_SECRET_KEY", ""),
			FeeVault:              getEnv("SOLANA_FEE_VAULT", ""),
			FeeBps:                getEnvInt64("SOLANA_FEE_BPS", 1500),
		},
		Match: MatchConfig{
			Store:             strings.ToLower(getEnv("MATCH_STORE", "memory")),
			JoinExpiry:        getEnvDuration("MATCH_JOIN_EXPIRY", 120*time.Second),
			SettleDeadline:    getEnvDuration("MATCH_SETTLE_DEADLINE", 900*time.Second),
			ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
			ClaimSweepEvery:   getEnvDuration("CLAIM_SWEEP_INTERVAL", time.Minute),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks required fields and store selections
func (c *Config) Validate() error {
	if c.App.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.FreeStake.SigningSecret == "" {
		return fmt.Errorf("FREE_STAKE_SIGNING_SECRET is required")
	}

	switch c.Match.Store {
	case "memory", "database":
	default:
		return fmt.Errorf("MATCH_STORE must be memory or database, got %q", c.Match.Store)
	}
	switch c.FreeStake.QuotaStore {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("QUOTA_STORE=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("QUOTA_STORE must be memory or redis, got %q", c.FreeStake.QuotaStore)
	}

	if c.FreeStake.DailyBudgetLamports < 0 || c.FreeStake.MaxPerMatchLamports < 0 {
		return fmt.Errorf("free stake limits must not be negative")
	}
	if c.Solana.FeeBps < 0 || c.Solana.FeeBps > 10_000 {
		return fmt.Errorf("SOLANA_FEE_BPS must be between 0 and 10000")
	}
	return nil
}

// IsDevelopment reports whether APP_ENV selects development mode
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	if c.Database.Driver == "sqlite" {
		return "reflex_pvp.db"
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
	)
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value, err := strconv.ParseInt(getEnv(key, ""), 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go durations ("30s") or plain seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	ms := getEnvInt64(key, -1)
	if ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
