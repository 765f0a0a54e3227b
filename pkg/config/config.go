package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	defaultMaxUploadSize = 10 << 20
	defaultChunkSize     = 512 << 10
)

type Config struct {
	Port            string
	Environment     string
	LogLevel        string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	MaxUploadSize   int64
	ChunkSize       int
	VAPIDPublicKey  string
	VAPIDPrivateKey string

	// Client side of the socket.
	ServerURL string
	AuthToken string
}

// Load reads the environment. Values from TASKCHAT_ENV_FILE (or ./.env) are
// applied first and never override variables that are already set.
func Load() *Config {
	if path, ok := os.LookupEnv("TASKCHAT_ENV_FILE"); ok && path != "" {
		_ = godotenv.Load(path)
	} else {
		_ = godotenv.Load()
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/taskchat.db"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		MaxUploadSize:   parseInt64(getEnv("MAX_UPLOAD_SIZE", ""), defaultMaxUploadSize),
		ChunkSize:       int(parseInt64(getEnv("CHUNK_SIZE", ""), defaultChunkSize)),
		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
		ServerURL:       getEnv("SERVER_URL", "ws://localhost:8080/ws"),
		AuthToken:       getEnv("AUTH_TOKEN", ""),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt64(s string, fallback int64) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}
