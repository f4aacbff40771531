package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Lookup    LookupConfig    `json:"lookup"`
	Quota     QuotaConfig     `json:"quota,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Grant     GrantConfig     `json:"grant,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserIDs lists the operators allowed to run administrative
	// commands (credit adjustment, protection list, broadcast).
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig points at the sqlite database file.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// LookupConfig configures the upstream lookup API.
type LookupConfig struct {
	APIURL  string `json:"api_url"`
	APIKey  string `json:"api_key"`
	Timeout string `json:"timeout,omitempty"` // default 20s
}

// QuotaConfig tunes the credit ledger.
type QuotaConfig struct {
	// InitialCredits is the balance granted on first contact. Default 2.
	InitialCredits int `json:"initial_credits,omitempty"`
}

// BroadcastConfig tunes broadcast pacing.
//
// All durations are Go duration strings (e.g. "150ms", "2s").
type BroadcastConfig struct {
	// PerRecipientDelay paces outbound sends. Default "150ms".
	PerRecipientDelay string `json:"per_recipient_delay,omitempty"`
	// ProgressInterval throttles progress-message edits independently of
	// recipient delivery. Default "2s".
	ProgressInterval string `json:"progress_interval,omitempty"`
}

// GrantConfig controls the daily free-credit grant.
type GrantConfig struct {
	Enabled bool `json:"enabled"`
	// At is the local wall-clock time "HH:MM". Default "09:00".
	At string `json:"at,omitempty"`
	// Timezone is an IANA TZ name, e.g. "Asia/Kolkata". Default UTC.
	Timezone string `json:"timezone,omitempty"`
	// Amount added per day. Default 1.
	Amount int `json:"amount,omitempty"`
	// Notify controls whether granted users get a message.
	Notify bool `json:"notify,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9090"
}

// Validate rejects configs that cannot possibly run.
// It is also used as the Watch() gate before a reload is published.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.Lookup.APIURL) == "" {
		return errors.New("lookup.api_url is required")
	}
	if c.Grant.Enabled {
		if _, _, err := ParseHHMM(c.Grant.At, "09:00"); err != nil {
			return fmt.Errorf("grant.at: %w", err)
		}
		if tz := strings.TrimSpace(c.Grant.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("grant.timezone: %w", err)
			}
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"lookup.timeout", c.Lookup.Timeout},
		{"broadcast.per_recipient_delay", c.Broadcast.PerRecipientDelay},
		{"broadcast.progress_interval", c.Broadcast.ProgressInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
