package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EmailFilter selects which messages a cycle considers.
type EmailFilter struct {
	Subject  string  `json:"subject"`
	Sender   *string `json:"sender"`
	DaysBack int     `json:"days_back"`
}

// CredentialSource records where mailbox credentials come from. It never holds a secret.
type CredentialSource struct {
	UseEnvVars bool `json:"use_env_vars"`
}

// UpdateConfig is the persisted update schedule.
type UpdateConfig struct {
	UpdateTime       string           `json:"update_time"`
	UpdateDays       []string         `json:"update_days"`
	EmailFilter      EmailFilter      `json:"email_filter"`
	UpdateDirectory  string           `json:"update_directory"`
	EnableHistorical bool             `json:"enable_historical"`
	EmailCredentials CredentialSource `json:"email_credentials"`
}

// DefaultUpdateConfig returns the schedule written on first start.
func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		UpdateTime:       "03:00",
		UpdateDays:       []string{"monday", "wednesday", "friday"},
		EmailFilter:      EmailFilter{Subject: "GTFS", DaysBack: 7},
		UpdateDirectory:  "./gtfs_updates",
		EnableHistorical: true,
		EmailCredentials: CredentialSource{UseEnvVars: true},
	}
}

// LoadUpdateConfig reads the schedule at path. Missing keys keep their defaults.
// A missing file is created with the defaults.
func LoadUpdateConfig(path string) (UpdateConfig, error) {
	cfg := DefaultUpdateConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path comes from process configuration
	if errors.Is(err, fs.ErrNotExist) {
		if err := cfg.Save(path); err != nil {
			return UpdateConfig{}, err
		}
		return cfg, nil
	}
	if err != nil {
		return UpdateConfig{}, fmt.Errorf("read update config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return UpdateConfig{}, fmt.Errorf("parse update config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return UpdateConfig{}, fmt.Errorf("invalid update config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the schedule to path, replacing the previous file atomically.
func (c UpdateConfig) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode update config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".update-config-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace update config: %w", err)
	}
	return nil
}

// Validate checks the clock time, weekday names and search window.
func (c UpdateConfig) Validate() error {
	if _, _, err := ParseClock(c.UpdateTime); err != nil {
		return err
	}
	if _, err := ParseWeekdays(c.UpdateDays); err != nil {
		return err
	}
	if c.EmailFilter.DaysBack < 0 {
		return fmt.Errorf("days_back must not be negative, got %d", c.EmailFilter.DaysBack)
	}
	if strings.TrimSpace(c.UpdateDirectory) == "" {
		return errors.New("update_directory is required")
	}
	return nil
}

// Clock returns the parsed time of day.
func (c UpdateConfig) Clock() (hour, minute int) {
	hour, minute, _ = ParseClock(c.UpdateTime)
	return hour, minute
}

// Weekdays returns the parsed update days.
func (c UpdateConfig) Weekdays() []time.Weekday {
	days, _ := ParseWeekdays(c.UpdateDays)
	return days
}

// UpdatePatch is a partial change to an UpdateConfig. Nil fields are left unchanged.
type UpdatePatch struct {
	UpdateTime       *string
	UpdateDays       *[]string
	Subject          *string
	Sender           *string // empty clears the sender filter
	DaysBack         *int
	UpdateDirectory  *string
	EnableHistorical *bool
	UseEnvVars       *bool
}

// Empty reports whether the patch changes nothing.
func (p UpdatePatch) Empty() bool {
	return p == UpdatePatch{}
}

// Apply returns c with p merged in. c is left untouched when the result is invalid.
func (c UpdateConfig) Apply(p UpdatePatch) (UpdateConfig, error) {
	next := c
	next.UpdateDays = append([]string(nil), c.UpdateDays...)

	if p.UpdateTime != nil {
		next.UpdateTime = strings.TrimSpace(*p.UpdateTime)
	}
	if p.UpdateDays != nil {
		days := make([]string, 0, len(*p.UpdateDays))
		for _, d := range *p.UpdateDays {
			if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
				days = append(days, d)
			}
		}
		next.UpdateDays = days
	}
	if p.Subject != nil {
		next.EmailFilter.Subject = *p.Subject
	}
	if p.Sender != nil {
		if s := strings.TrimSpace(*p.Sender); s != "" {
			next.EmailFilter.Sender = &s
		} else {
			next.EmailFilter.Sender = nil
		}
	}
	if p.DaysBack != nil {
		next.EmailFilter.DaysBack = *p.DaysBack
	}
	if p.UpdateDirectory != nil {
		next.UpdateDirectory = *p.UpdateDirectory
	}
	if p.EnableHistorical != nil {
		next.EnableHistorical = *p.EnableHistorical
	}
	if p.UseEnvVars != nil {
		next.EmailCredentials.UseEnvVars = *p.UseEnvVars
	}

	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}

// ParseClock parses an "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, 0, fmt.Errorf("invalid update time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in update time %q", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in update time %q", s)
	}
	return hour, minute, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekdays parses weekday names, full or three-letter, in any case.
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		days = append(days, d)
	}
	return days, nil
}
