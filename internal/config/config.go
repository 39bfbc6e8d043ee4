package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the reference server configuration loaded from environment variables.
type Config struct {
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Server     ServerConfig
	RateLimit  RateLimitConfig
	Responder  ResponderConfig
	Slack      SlackConfig
	SelfHosted bool
}

// DatabaseConfig holds PostgreSQL connection settings. An empty Host
// selects the in-memory store.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings. An empty Addr selects the
// in-process broker.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// JWTConfig holds bearer token settings.
type JWTConfig struct {
	Secret    string //nolint:gosec // G117: JWT signing secret config
	AccessTTL time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// RateLimitConfig bounds requests per buyer (or per IP when unauthenticated).
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// ResponderConfig tunes the automated seller. Offers at or above
// AcceptRatio of the list price are accepted; offers below FloorRatio are
// rejected; anything between is countered.
type ResponderConfig struct {
	AcceptRatio float64
	FloorRatio  float64
}

// SlackConfig enables deal notifications. Both fields empty disables them.
type SlackConfig struct {
	BotToken string //nolint:gosec // G117: Slack bot token config
	Channel  string
}

// Enabled reports whether Slack notifications are configured.
func (c *SlackConfig) Enabled() bool {
	return c.BotToken != ""
}

// ClientConfig holds the terminal client settings.
type ClientConfig struct {
	APIURL            string
	WSURL             string
	Token             string //nolint:gosec // G117: bearer credential
	ReconnectInterval time.Duration
	RequestTimeout    time.Duration
}

// Load reads the server configuration from environment variables.
// Defaults are safe for local development only: without HAGGLE_DB_HOST and
// HAGGLE_REDIS_ADDR the server runs entirely in memory.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("HAGGLE_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("HAGGLE_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("HAGGLE_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	accessTTL, err := getEnvDuration("HAGGLE_JWT_ACCESS_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("HAGGLE_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("HAGGLE_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rps, err := getEnvFloat("HAGGLE_RATE_LIMIT_RPS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	burst, err := getEnvInt("HAGGLE_RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	acceptRatio, err := getEnvFloat("HAGGLE_RESPONDER_ACCEPT_RATIO", 0.9)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	floorRatio, err := getEnvFloat("HAGGLE_RESPONDER_FLOOR_RATIO", 0.5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	selfHosted, err := getEnvBool("HAGGLE_SELF_HOSTED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("HAGGLE_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("HAGGLE_DB_HOST", ""),
			Port:     dbPort,
			User:     getEnv("HAGGLE_DB_USER", "haggle"),
			Password: getEnv("HAGGLE_DB_PASSWORD", ""),
			DBName:   getEnv("HAGGLE_DB_NAME", "haggle_dev"),
			SSLMode:  getEnv("HAGGLE_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("HAGGLE_REDIS_ADDR", ""),
			Password: getEnv("HAGGLE_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:    getEnv("HAGGLE_JWT_SECRET", ""),
			AccessTTL: accessTTL,
		},
		Server: ServerConfig{
			Addr:         getEnv("HAGGLE_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  corsOrigins,
		},
		RateLimit: RateLimitConfig{
			RPS:   rps,
			Burst: burst,
		},
		Responder: ResponderConfig{
			AcceptRatio: acceptRatio,
			FloorRatio:  floorRatio,
		},
		Slack: SlackConfig{
			BotToken: getEnv("HAGGLE_SLACK_BOT_TOKEN", ""),
			Channel:  getEnv("HAGGLE_SLACK_CHANNEL", ""),
		},
		SelfHosted: selfHosted,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return errors.New("HAGGLE_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("HAGGLE_JWT_SECRET must be at least 32 characters")
	}

	if c.Database.Enabled() && c.Database.SSLMode == "disable" && !c.SelfHosted {
		log.Warn().Msg("HAGGLE_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("HAGGLE_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("HAGGLE_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.JWT.AccessTTL <= 0 {
		return fmt.Errorf("HAGGLE_JWT_ACCESS_TTL must be positive, got %s", c.JWT.AccessTTL)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("HAGGLE_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("HAGGLE_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("HAGGLE_RATE_LIMIT_RPS must be positive, got %g", c.RateLimit.RPS)
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("HAGGLE_RATE_LIMIT_BURST must be >= 1, got %d", c.RateLimit.Burst)
	}
	if c.Responder.AcceptRatio <= 0 || c.Responder.AcceptRatio > 1 {
		return fmt.Errorf("HAGGLE_RESPONDER_ACCEPT_RATIO must be in (0, 1], got %g", c.Responder.AcceptRatio)
	}
	if c.Responder.FloorRatio <= 0 || c.Responder.FloorRatio >= c.Responder.AcceptRatio {
		return fmt.Errorf("HAGGLE_RESPONDER_FLOOR_RATIO must be in (0, %g), got %g", c.Responder.AcceptRatio, c.Responder.FloorRatio)
	}
	if (c.Slack.BotToken == "") != (c.Slack.Channel == "") {
		return errors.New("HAGGLE_SLACK_BOT_TOKEN and HAGGLE_SLACK_CHANNEL must be set together")
	}

	return nil
}

// Enabled reports whether a PostgreSQL host is configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// LoadClient reads the terminal client configuration. A missing token is
// not an error here; the first offer reports it as an authentication failure.
func LoadClient() (*ClientConfig, error) {
	reconnect, err := getEnvDuration("HAGGLE_RECONNECT_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.LoadClient: %w", err)
	}

	requestTimeout, err := getEnvDuration("HAGGLE_REQUEST_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.LoadClient: %w", err)
	}

	cfg := &ClientConfig{
		APIURL:            getEnv("HAGGLE_API_URL", "http://localhost:8080/api/v1"),
		WSURL:             getEnv("HAGGLE_WS_URL", "ws://localhost:8080/ws/negotiations"),
		Token:             getEnv("HAGGLE_TOKEN", ""),
		ReconnectInterval: reconnect,
		RequestTimeout:    requestTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.LoadClient: %w", err)
	}
	return cfg, nil
}

// Validate checks URLs and durations. It is exported so flag overrides can
// be re-checked after parsing.
func (c *ClientConfig) Validate() error {
	if err := checkURL("HAGGLE_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("HAGGLE_WS_URL", c.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("HAGGLE_RECONNECT_INTERVAL must be positive, got %s", c.ReconnectInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("HAGGLE_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s=%q is not a valid URL: %w", key, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s=%q must be an absolute %s URL", key, raw, strings.Join(schemes, "/"))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
