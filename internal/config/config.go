// Package config loads server settings from the environment and staircase
// defaults from a YAML, TOML or JSON file.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string
	DB       DBConfig

	// JWTSecret signs experimenter tokens.
	JWTSecret string

	// StaircasePath points at the staircase defaults file. Empty means the
	// built-in defaults.
	StaircasePath string

	// LiveSessionCapacity bounds the in-memory estimator cache.
	LiveSessionCapacity int

	Archive ArchiveConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type ArchiveConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Load reads a .env file when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port := getEnv("PORT", "8080")
	port = strings.TrimPrefix(strings.TrimSpace(port), ":")

	env := strings.TrimSpace(getEnv("APP_ENV", "local"))

	return &Config{
		Port:     port,
		Env:      env,
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "metacog_user"),
			Password: getEnv("DB_PASSWORD", "metacog_password"),
			Name:     getEnv("DB_NAME", "metacog"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWTSecret:           getEnv("JWT_SECRET", "metacog-local-signing-key"),
		StaircasePath:       strings.TrimSpace(os.Getenv("STAIRCASE_CONFIG")),
		LiveSessionCapacity: getEnvInt("LIVE_SESSION_CAPACITY", 256),
		Archive:             loadArchiveConfig(env),
	}, nil
}

func loadArchiveConfig(env string) ArchiveConfig {
	local := strings.EqualFold(env, "local")
	endpoint := strings.TrimSpace(os.Getenv("ARCHIVE_S3_ENDPOINT"))
	if local && endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("ARCHIVE_MINIO_ENDPOINT"))
	}
	return ArchiveConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_BUCKET")), "metacog-sessions"),
		UseSSL:    !local && getEnvBool("ARCHIVE_S3_USE_SSL", true),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
