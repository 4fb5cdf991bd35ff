package model

import (
	"fmt"
	"time"
)

// Account status constants for lifecycle tracking.
const (
	StatusInactive  = "inactive"
	StatusPairing   = "pairing"
	StatusOnline    = "online"
	StatusLoggedOut = "logged_out"
	StatusReplaced  = "replaced"
	StatusError     = "error"
)

// Run status constants. Completed, stopped and quota_exhausted are all
// normal terminal states, not errors.
const (
	RunStatusRunning        = "running"
	RunStatusCompleted      = "completed"
	RunStatusStopped        = "stopped"
	RunStatusQuotaExhausted = "quota_exhausted"
)

// Per-recipient result status.
const (
	ResultStatusSuccess = "success"
	ResultStatusFailed  = "failed"
)

// Account represents a WhatsApp device/account managed by the system.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Label     string    `json:"label" db:"label"`
	Msisdn    string    `json:"msisdn" db:"msisdn"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	Status    string    `json:"status" db:"status"`
	LastError string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Settings holds the per-account pacing configuration. All durations are
// whole seconds; delays are drawn uniformly from the configured ranges.
type Settings struct {
	MinDelaySec       int    `json:"min_delay_sec" yaml:"min_delay_sec"`
	MaxDelaySec       int    `json:"max_delay_sec" yaml:"max_delay_sec"`
	WarmupMessages    int    `json:"warmup_messages" yaml:"warmup_messages"`
	WarmupDelayMinSec int    `json:"warmup_delay_min_sec" yaml:"warmup_delay_min_sec"`
	WarmupDelayMaxSec int    `json:"warmup_delay_max_sec" yaml:"warmup_delay_max_sec"`
	BatchSize         int    `json:"batch_size" yaml:"batch_size"`
	BatchRestMinSec   int    `json:"batch_rest_min_sec" yaml:"batch_rest_min_sec"`
	BatchRestMaxSec   int    `json:"batch_rest_max_sec" yaml:"batch_rest_max_sec"`
	DailyLimit        int    `json:"daily_limit" yaml:"daily_limit"`
	SimulateTyping    bool   `json:"simulate_typing" yaml:"simulate_typing"`
	RandomPause       bool   `json:"random_pause" yaml:"random_pause"`
	CountryCode       string `json:"country_code" yaml:"country_code"`
}

// DefaultSettings returns conservative human-like pacing defaults.
func DefaultSettings() Settings {
	return Settings{
		MinDelaySec:       45,
		MaxDelaySec:       120,
		WarmupMessages:    20,
		WarmupDelayMinSec: 90,
		WarmupDelayMaxSec: 180,
		BatchSize:         25,
		BatchRestMinSec:   300,
		BatchRestMaxSec:   600,
		DailyLimit:        300,
		SimulateTyping:    true,
		RandomPause:       true,
		CountryCode:       "62",
	}
}

// Validate enforces the configuration invariants at acceptance time so the
// send loop never has to re-check them per call.
func (s Settings) Validate() error {
	type bounds struct {
		name     string
		min, max int
	}
	for _, b := range []bounds{
		{"delay", s.MinDelaySec, s.MaxDelaySec},
		{"warmup_delay", s.WarmupDelayMinSec, s.WarmupDelayMaxSec},
		{"batch_rest", s.BatchRestMinSec, s.BatchRestMaxSec},
	} {
		if b.min <= 0 || b.max <= 0 {
			return fmt.Errorf("%s bounds must be positive", b.name)
		}
		if b.min > b.max {
			return fmt.Errorf("%s min %d exceeds max %d", b.name, b.min, b.max)
		}
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if s.DailyLimit <= 0 {
		return fmt.Errorf("daily_limit must be positive")
	}
	if s.WarmupMessages < 0 {
		return fmt.Errorf("warmup_messages must not be negative")
	}
	if s.CountryCode == "" {
		return fmt.Errorf("country_code required")
	}
	for _, r := range s.CountryCode {
		if r < '0' || r > '9' {
			return fmt.Errorf("country_code must contain digits only")
		}
	}
	return nil
}

// Recipient is one target of a run. Address is a phone number in whatever
// shape the caller has it; normalization happens in the send loop.
type Recipient struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Media references an attachment by URL. The transport fetches and uploads
// it, attaching the personalized message text as caption.
type Media struct {
	URL      string `json:"url"`
	FileName string `json:"file_name,omitempty"`
}

// Result records one recipient's outcome, appended in processing order.
type Result struct {
	Address string    `json:"address"`
	Name    string    `json:"name,omitempty"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	TS      time.Time `json:"ts"`
}

// Run is one execution of a bulk-send request. It is mutated only by the
// controller while running and becomes read-only once terminal.
type Run struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	Results    []Result   `json:"results,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Snapshot returns a copy safe to hand to event subscribers while the
// controller keeps mutating the original.
func (r *Run) Snapshot() *Run {
	cp := *r
	cp.Results = make([]Result, len(r.Results))
	copy(cp.Results, r.Results)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Status is the per-account view returned by the status endpoint.
type Status struct {
	AccountID    string `json:"account_id"`
	Connected    bool   `json:"connected"`
	Sending      bool   `json:"sending"`
	DailyCount   int    `json:"daily_count"`
	DailyLimit   int    `json:"daily_limit"`
	SessionCount int    `json:"session_count"`
}
