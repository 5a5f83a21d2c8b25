// Package config handles process configuration from environment variables
// and the persisted update schedule.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Named zones on hosts without a zoneinfo database.

	"github.com/joho/godotenv"

	"ferrysync/internal/model"
)

// Config holds the process configuration.
type Config struct {
	DatabasePath           string
	HistoricalDatabasePath string
	SchedulerConfigPath    string
	LogLevel               string
	Timezone               string

	EmailAddress string
	EmailSecret  string
	IMAPServer   string
	IMAPPort     int
	IMAPFolder   string
	IMAPTimeout  time.Duration

	TelegramBotToken string
	AllowedUsers     []int64
	MetricsAddr      string
}

// Load reads configuration from environment variables.
// Values from a .env file in the working directory are applied first
// and never override variables that are already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from the current environment only.
func FromEnv() (*Config, error) {
	port, err := strconv.Atoi(envOrDefault("IMAP_PORT", "993"))
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid IMAP_PORT %q", os.Getenv("IMAP_PORT"))
	}

	timeout, err := time.ParseDuration(envOrDefault("IMAP_TIMEOUT", "30s"))
	if err != nil || timeout <= 0 {
		return nil, fmt.Errorf("invalid IMAP_TIMEOUT %q", os.Getenv("IMAP_TIMEOUT"))
	}

	tz := envOrDefault("TIMEZONE", "Europe/Athens")
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}

	var allowedUsers []int64
	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			allowedUsers = append(allowedUsers, uid)
		}
	}

	return &Config{
		DatabasePath:           envOrDefault("DATABASE_PATH", "./data/gtfs.db"),
		HistoricalDatabasePath: envOrDefault("HISTORICAL_DATABASE_PATH", "./data/previous_db.db"),
		SchedulerConfigPath:    envOrDefault("SCHEDULER_CONFIG_PATH", "./gtfs_scheduler_config.json"),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		Timezone:               tz,
		EmailAddress:           os.Getenv("GTFS_EMAIL"),
		EmailSecret:            os.Getenv("GTFS_PASSWORD"),
		IMAPServer:             envOrDefault("IMAP_SERVER", "imap.gmail.com"),
		IMAPPort:               port,
		IMAPFolder:             envOrDefault("IMAP_FOLDER", "INBOX"),
		IMAPTimeout:            timeout,
		TelegramBotToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
		AllowedUsers:           allowedUsers,
		MetricsAddr:            os.Getenv("METRICS_ADDR"),
	}, nil
}

// Credentials returns the mailbox credentials taken from the environment.
func (c *Config) Credentials() model.EmailCredentials {
	return model.EmailCredentials{
		Address: c.EmailAddress,
		Secret:  c.EmailSecret,
		Host:    c.IMAPServer,
		Port:    c.IMAPPort,
	}
}

// Location returns the named zone schedules are evaluated in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
