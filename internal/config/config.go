// Package config loads server settings from the environment and .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/systemshift/folio/internal/logging"
	"github.com/systemshift/folio/internal/store"
)

// Config holds everything the server needs to start
type Config struct {
	Port string

	Backend       string
	SQLitePath    string
	PostgresDSN   string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	LogLevel  string
	LogFormat string
	LogFile   string

	// WebhookAllowPrivate lets subscription webhooks reach loopback and
	// private addresses.
	WebhookAllowPrivate bool

	// Members maps a scope id to the callers granted it. Empty means every
	// identified caller is allowed everywhere.
	Members map[string][]string

	ShutdownTimeout time.Duration
}

// Load reads the given .env files (".env" when none are named) into the
// process environment, then builds a Config from it. Missing files are
// skipped; variables already set in the environment win.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	timeout, err := time.ParseDuration(getEnv("SHUTDOWN_TIMEOUT", "5s"))
	if err != nil {
		return Config{}, fmt.Errorf("parsing SHUTDOWN_TIMEOUT: %w", err)
	}

	members, err := parseMembers(getEnv("ACCESS_MEMBERS", ""))
	if err != nil {
		return Config{}, fmt.Errorf("parsing ACCESS_MEMBERS: %w", err)
	}

	allowPrivate, err := strconv.ParseBool(getEnv("WEBHOOK_ALLOW_PRIVATE", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("parsing WEBHOOK_ALLOW_PRIVATE: %w", err)
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		Backend:         getEnv("STORE_BACKEND", store.BackendSQLite),
		SQLitePath:      getEnv("SQLITE_PATH", "folio.db"),
		PostgresDSN:     getEnv("POSTGRES_DSN", ""),
		Neo4jURI:        getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:       getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:   getEnv("NEO4J_PASSWORD", "password"),
		Neo4jDatabase:   getEnv("NEO4J_DATABASE", "neo4j"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		LogFile:         getEnv("LOG_FILE", ""),
		Members:         members,
		ShutdownTimeout: timeout,

		WebhookAllowPrivate: allowPrivate,
	}, nil
}

// StoreOptions returns the settings store.Open needs
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Backend:       c.Backend,
		SQLitePath:    c.SQLitePath,
		PostgresDSN:   c.PostgresDSN,
		Neo4jURI:      c.Neo4jURI,
		Neo4jUser:     c.Neo4jUser,
		Neo4jPassword: c.Neo4jPassword,
		Neo4jDatabase: c.Neo4jDatabase,
	}
}

// LogOptions returns the settings logging.New needs
func (c Config) LogOptions() logging.Options {
	return logging.Options{
		Level:  c.LogLevel,
		Format: c.LogFormat,
		Path:   c.LogFile,
	}
}

// parseMembers reads "scope=caller,caller;scope=caller"
func parseMembers(v string) (map[string][]string, error) {
	members := map[string][]string{}
	for _, entry := range strings.Split(v, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		scope, callers, ok := strings.Cut(entry, "=")
		scope = strings.TrimSpace(scope)
		if !ok || scope == "" {
			return nil, fmt.Errorf("entry %q: want scope=caller[,caller]", entry)
		}
		for _, c := range strings.Split(callers, ",") {
			if c = strings.TrimSpace(c); c != "" {
				members[scope] = append(members[scope], c)
			}
		}
	}
	return members, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
