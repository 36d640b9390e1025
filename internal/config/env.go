package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets in the config file.
const (
	EnvMongoURI      = "BOTFLEET_MONGO_URI"
	EnvRedisPassword = "BOTFLEET_REDIS_PASSWORD"
	EnvNATSURL       = "BOTFLEET_NATS_URL"
	EnvDebugToken    = "BOTFLEET_DEBUG_TOKEN"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error unless
// required is true.
func LoadEnvFile(path string, required bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && !required && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overlays secrets from getenv onto cfg. Empty values are ignored.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvMongoURI)); v != "" {
		cfg.Storage.Mongo.URI = v
	}
	if v := getenv(EnvRedisPassword); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := strings.TrimSpace(getenv(EnvNATSURL)); v != "" {
		cfg.Events.NATS.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvDebugToken)); v != "" {
		cfg.Debug.Token = v
	}
}
