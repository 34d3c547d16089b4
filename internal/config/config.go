package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMySQL  = "mysql"
)

type Config struct {
	AuthBaseURL    string
	GatewayBaseURL string

	CredentialStore string
	CredentialKey   string
	CredentialFile  string
	RedisURL        string
	DBUrl           string

	DeviceID    string
	RateLimit   float64
	RateBurst   int
	HTTPTimeout time.Duration
	LogLevel    string

	// Contract double settings.
	JWTSecret      string
	AuthPort       string
	GatewayPort    string
	AccessTokenTTL time.Duration
}

func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, using defaults")
	}
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		AuthBaseURL:     getenv("AUTH_BASE_URL", "http://localhost:8080/auth"),
		GatewayBaseURL:  getenv("GATEWAY_BASE_URL", "http://localhost:8000"),
		CredentialStore: strings.ToLower(getenv("CREDENTIAL_STORE", StoreFile)),
		CredentialKey:   getenv("CREDENTIAL_KEY", "access_token"),
		CredentialFile:  getenv("CREDENTIAL_FILE", defaultCredentialFile()),
		RedisURL:        getenv("REDIS_URL", "redis://localhost:6379/0"),
		DBUrl:           os.Getenv("DB_URL"),
		DeviceID:        getenv("DEVICE_ID", "grepud-cli"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		JWTSecret:       getenv("JWT_SECRET", "default-secret-key-change-in-production"),
		AuthPort:        getenv("AUTH_PORT", "8080"),
		GatewayPort:     getenv("GATEWAY_PORT", "8000"),
	}

	var err error
	if cfg.RateLimit, err = floatEnv("RATE_LIMIT", 10); err != nil {
		return Config{}, err
	}
	if cfg.RateBurst, err = intEnv("RATE_BURST", 20); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = durationEnv("HTTP_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AccessTokenTTL, err = durationEnv("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}

	switch cfg.CredentialStore {
	case StoreFile, StoreMemory, StoreRedis, StoreMySQL:
	default:
		return Config{}, fmt.Errorf("unknown CREDENTIAL_STORE %q", cfg.CredentialStore)
	}
	if cfg.CredentialStore == StoreMySQL && cfg.DBUrl == "" {
		return Config{}, fmt.Errorf("CREDENTIAL_STORE=mysql requires DB_URL")
	}

	return cfg, nil
}

func defaultCredentialFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".grepud-credentials.json"
	}
	return filepath.Join(dir, "grepud", "credentials.json")
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func floatEnv(key string, def float64) (float64, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func intEnv(key string, def int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
