package config

import (
	"errors"
	"os"
)

// Config holds all runtime settings read from the environment.
type Config struct {
	Port               string
	MongoURI           string
	DBName             string
	SessionsCollection string
	JWTSecret          string
	// RedisAddr is optional; when set, raised-hand notifications are bridged
	// across instances through Redis pub/sub.
	RedisAddr    string
	ClientOrigin string
	ShareBaseURL string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnvOrDefault("PORT", "8080"),
		MongoURI:           os.Getenv("MONGO_URI"),
		DBName:             getEnvOrDefault("SESSIONS_DB_NAME", "codelab"),
		SessionsCollection: getEnvOrDefault("SESSIONS_COLLECTION", "sessions"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		ClientOrigin:       getEnvOrDefault("CLIENT_ORIGIN", "http://localhost:5173"),
		ShareBaseURL:       getEnvOrDefault("SHARE_BASE_URL", "http://localhost:5173"),
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.MongoURI == "" {
		return errors.New("MONGO_URI is empty")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is empty")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
