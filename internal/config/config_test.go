package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var envKeys = []string{
	"DATABASE_PATH", "HISTORICAL_DATABASE_PATH", "SCHEDULER_CONFIG_PATH", "LOG_LEVEL", "TIMEZONE",
	"GTFS_EMAIL", "GTFS_PASSWORD", "IMAP_SERVER", "IMAP_PORT", "IMAP_FOLDER", "IMAP_TIMEOUT",
	"TELEGRAM_BOT_TOKEN", "ALLOWED_USERS", "METRICS_ADDR",
}

func TestFromEnv(t *testing.T) {
	defaults := Config{
		DatabasePath:           "./data/gtfs.db",
		HistoricalDatabasePath: "./data/previous_db.db",
		SchedulerConfigPath:    "./gtfs_scheduler_config.json",
		LogLevel:               "info",
		Timezone:               "Europe/Athens",
		IMAPServer:             "imap.gmail.com",
		IMAPPort:               993,
		IMAPFolder:             "INBOX",
		IMAPTimeout:            30 * time.Second,
	}

	tests := []struct {
		name    string
		env     map[string]string
		want    func() *Config
		wantErr bool
	}{
		{
			name: "defaults applied",
			env:  map[string]string{},
			want: func() *Config { c := defaults; return &c },
		},
		{
			name: "all values set",
			env: map[string]string{
				"DATABASE_PATH":            "/var/lib/ferry/gtfs.db",
				"HISTORICAL_DATABASE_PATH": "/var/lib/ferry/previous.db",
				"SCHEDULER_CONFIG_PATH":    "/etc/ferry/schedule.json",
				"LOG_LEVEL":                "debug",
				"TIMEZONE":                 "UTC",
				"GTFS_EMAIL":               "feeds@example.com",
				"GTFS_PASSWORD":            "app-password",
				"IMAP_SERVER":              "mail.example.com",
				"IMAP_PORT":                "1993",
				"IMAP_FOLDER":              "Feeds",
				"IMAP_TIMEOUT":             "5s",
				"TELEGRAM_BOT_TOKEN":       "tok",
				"ALLOWED_USERS":            "111, 222,",
				"METRICS_ADDR":             ":9102",
			},
			want: func() *Config {
				return &Config{
					DatabasePath:           "/var/lib/ferry/gtfs.db",
					HistoricalDatabasePath: "/var/lib/ferry/previous.db",
					SchedulerConfigPath:    "/etc/ferry/schedule.json",
					LogLevel:               "debug",
					Timezone:               "UTC",
					EmailAddress:           "feeds@example.com",
					EmailSecret:            "app-password",
					IMAPServer:             "mail.example.com",
					IMAPPort:               1993,
					IMAPFolder:             "Feeds",
					IMAPTimeout:            5 * time.Second,
					TelegramBotToken:       "tok",
					AllowedUsers:           []int64{111, 222},
					MetricsAddr:            ":9102",
				}
			},
		},
		{name: "invalid port", env: map[string]string{"IMAP_PORT": "imap"}, wantErr: true},
		{name: "port out of range", env: map[string]string{"IMAP_PORT": "70000"}, wantErr: true},
		{name: "invalid timeout", env: map[string]string{"IMAP_TIMEOUT": "soon"}, wantErr: true},
		{name: "unknown timezone", env: map[string]string{"TIMEZONE": "Mars/Olympus"}, wantErr: true},
		{name: "invalid user id", env: map[string]string{"ALLOWED_USERS": "123,abc"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range envKeys {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := FromEnv()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want(), got); diff != "" {
				t.Errorf("FromEnv() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	c := &Config{Timezone: "Europe/Athens"}
	if diff := cmp.Diff("Europe/Athens", c.Location().String()); diff != "" {
		t.Errorf("Location() mismatch (-want +got):\n%s", diff)
	}
}

func TestIsUserAllowed(t *testing.T) {
	tests := []struct {
		name         string
		allowedUsers []int64
		userID       int64
		want         bool
	}{
		{name: "empty list allows everyone", allowedUsers: nil, userID: 42, want: true},
		{name: "user in list", allowedUsers: []int64{10, 20, 30}, userID: 20, want: true},
		{name: "user not in list", allowedUsers: []int64{10, 20, 30}, userID: 99, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AllowedUsers: tt.allowedUsers}
			if diff := cmp.Diff(tt.want, cfg.IsUserAllowed(tt.userID)); diff != "" {
				t.Errorf("IsUserAllowed() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestUpdateConfigApply(t *testing.T) {
	base := DefaultUpdateConfig()

	tests := []struct {
		name    string
		patch   UpdatePatch
		want    func() UpdateConfig
		wantErr bool
	}{
		{
			name:  "empty patch",
			patch: UpdatePatch{},
			want:  DefaultUpdateConfig,
		},
		{
			name: "time and days",
			patch: UpdatePatch{
				UpdateTime: ptr("04:30"),
				UpdateDays: ptr([]string{" Tuesday", "SAT"}),
			},
			want: func() UpdateConfig {
				c := DefaultUpdateConfig()
				c.UpdateTime = "04:30"
				c.UpdateDays = []string{"tuesday", "sat"}
				return c
			},
		},
		{
			name:  "nested filter merge keeps other keys",
			patch: UpdatePatch{Sender: ptr("ops@ferries.example"), DaysBack: ptr(3)},
			want: func() UpdateConfig {
				c := DefaultUpdateConfig()
				c.EmailFilter.Sender = ptr("ops@ferries.example")
				c.EmailFilter.DaysBack = 3
				return c
			},
		},
		{
			name:  "no days means not scheduled",
			patch: UpdatePatch{UpdateDays: ptr([]string{})},
			want: func() UpdateConfig {
				c := DefaultUpdateConfig()
				c.UpdateDays = []string{}
				return c
			},
		},
		{
			name: "flags",
			patch: UpdatePatch{
				UpdateDirectory:  ptr("/srv/updates"),
				EnableHistorical: ptr(false),
				UseEnvVars:       ptr(false),
				Subject:          ptr("Timetable"),
			},
			want: func() UpdateConfig {
				c := DefaultUpdateConfig()
				c.UpdateDirectory = "/srv/updates"
				c.EnableHistorical = false
				c.EmailCredentials.UseEnvVars = false
				c.EmailFilter.Subject = "Timetable"
				return c
			},
		},
		{name: "bad time", patch: UpdatePatch{UpdateTime: ptr("25:00")}, wantErr: true},
		{name: "bad time format", patch: UpdatePatch{UpdateTime: ptr("3pm")}, wantErr: true},
		{name: "bad weekday", patch: UpdatePatch{UpdateDays: ptr([]string{"funday"})}, wantErr: true},
		{name: "negative window", patch: UpdatePatch{DaysBack: ptr(-1)}, wantErr: true},
		{name: "empty directory", patch: UpdatePatch{UpdateDirectory: ptr(" ")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := base.Apply(tt.patch)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if diff := cmp.Diff(DefaultUpdateConfig(), got); diff != "" {
					t.Errorf("Apply() must return the unchanged config on error (-want +got):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want(), got); diff != "" {
				t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if diff := cmp.Diff(DefaultUpdateConfig(), base); diff != "" {
		t.Errorf("Apply() mutated the receiver (-want +got):\n%s", diff)
	}
}

func TestSenderClearedByEmptyPatch(t *testing.T) {
	c := DefaultUpdateConfig()
	c.EmailFilter.Sender = ptr("ops@ferries.example")

	got, err := c.Apply(UpdatePatch{Sender: ptr("")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.EmailFilter.Sender != nil {
		t.Errorf("sender = %q, want nil", *got.EmailFilter.Sender)
	}
}

func TestLoadUpdateConfigCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "schedule.json")

	got, err := LoadUpdateConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(DefaultUpdateConfig(), got); diff != "" {
		t.Errorf("LoadUpdateConfig() mismatch (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
	if !strings.Contains(string(data), `"use_env_vars": true`) {
		t.Errorf("written config lacks credential source:\n%s", data)
	}
}

func TestLoadUpdateConfigMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	raw := `{"update_time":"05:15","update_days":["sunday"],"email_filter":{"subject":"Ferries"}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := LoadUpdateConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := DefaultUpdateConfig()
	want.UpdateTime = "05:15"
	want.UpdateDays = []string{"sunday"}
	want.EmailFilter.Subject = "Ferries"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadUpdateConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveRoundTripNeverWritesSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	c, err := DefaultUpdateConfig().Apply(UpdatePatch{UpdateTime: ptr("22:45"), Sender: ptr("ops@ferries.example")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := c.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := LoadUpdateConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	data, _ := os.ReadFile(path)
	for _, key := range []string{"password", "secret"} {
		if strings.Contains(strings.ToLower(string(data)), key) {
			t.Errorf("config file contains %q:\n%s", key, data)
		}
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{in: "03:00", h: 3, m: 0},
		{in: "3:05", h: 3, m: 5},
		{in: "23:59", h: 23, m: 59},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "1200", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			h, m, err := ParseClock(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff([2]int{tt.h, tt.m}, [2]int{h, m}); diff != "" {
				t.Errorf("ParseClock() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
