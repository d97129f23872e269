package sofa

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

var ErrDatabaseMissing = errors.New("database name is required")

const defaultPort = 5984

// Config holds the connection settings for one document store database.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

func (cfg *Config) setDefaults() {
	if cfg.Host == "" {
		cfg.Host = "http://localhost"
	}
	if !strings.Contains(cfg.Host, "://") {
		cfg.Host = "http://" + cfg.Host
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
}

func (cfg Config) baseURL() string {
	return fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
}

// FromEnv reads connection settings from SOFA_* environment variables.
// A .env file in the working directory is loaded first; real environment
// variables take precedence.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Host:     getEnv("SOFA_HOST", "http://localhost"),
		Port:     getEnvInt("SOFA_PORT", defaultPort),
		Database: getEnv("SOFA_DATABASE", ""),
		Username: getEnv("SOFA_USERNAME", ""),
		Password: getEnv("SOFA_PASSWORD", ""),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}
