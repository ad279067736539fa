package models

import "time"

// Exchange outcomes recorded in the audit log.
const (
	OutcomeOK           = "ok"
	OutcomeRateExceeded = "rate_exceeded"
	OutcomeUnsafePrompt = "unsafe_prompt"
	OutcomeUnsafeResult = "unsafe_result"
	OutcomeEmptyResult  = "empty_result"
	OutcomeProviderErr  = "provider_error"
	OutcomeUnknownModel = "unknown_model"
)

// AuditEntry represents a single audited broker exchange.
type AuditEntry struct {
	ExchangeID       string    `json:"exchange_id"`
	Fingerprint      string    `json:"fingerprint"`
	Kind             string    `json:"kind"`
	Model            string    `json:"model"`
	Outcome          string    `json:"outcome"`
	CacheHit         bool      `json:"cache_hit"`
	PromptText       string    `json:"prompt_text,omitempty"`
	ResponseText     string    `json:"response_text,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DBPath        string   `yaml:"db_path"`
	RetentionDays int      `yaml:"retention_days"`
	Include       []string `yaml:"include"` // "prompts", "responses"
	ExcludeModels []string `yaml:"exclude_models"`
	MaxBodySize   int      `yaml:"max_body_size"` // bytes
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	Model       string
	Kind        string
	Outcome     string
	Fingerprint string
	ExchangeID  string
	Since       time.Time
	Limit       int
}

// AuditStat holds aggregate audit counts for a model/day combination.
type AuditStat struct {
	Model     string
	Day       string
	Count     int
	CacheHits int
}
