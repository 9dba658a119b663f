package domain

import (
	"encoding/json"
	"time"
)

type Stage string

const (
	StageResearch     Stage = "research"
	StageArchitecture Stage = "architecture"
	StageContent      Stage = "content"
	StageLayout       Stage = "layout"
	StagePublish      Stage = "publish"
	StageMonitor      Stage = "monitor"
	StageOptimize     Stage = "optimize"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusRetrying  RunStatus = "retrying"
	RunStatusCancelled RunStatus = "cancelled"
)

type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

type ProjectStatus string

const (
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusError     ProjectStatus = "error"
	ProjectStatusCompleted ProjectStatus = "completed"
)

type PageStatus string

const (
	PageStatusDraft      PageStatus = "draft"
	PageStatusGenerating PageStatus = "generating"
	PageStatusReady      PageStatus = "ready"
	PageStatusPublished  PageStatus = "published"
	PageStatusFailed     PageStatus = "failed"
)

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// OutputMode decides how strictly a stage's model output is validated.
// Strict stages validate every declared output field; best-effort stages
// only require a well-formed top-level JSON object.
type OutputMode string

const (
	OutputModeStrict     OutputMode = "strict"
	OutputModeBestEffort OutputMode = "best_effort"
)

// AgentRun is one persisted invocation attempt. Retries never mutate an
// existing row; each attempt is a new run with RetryCount incremented.
type AgentRun struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	Stage         Stage           `json:"stage"`
	Status        RunStatus       `json:"status"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ModelUsed     string          `json:"model_used,omitempty"`
	TokensUsed    int             `json:"tokens_used"`
	CostEstimate  float64         `json:"cost_estimate"`
	DurationMs    int64           `json:"duration_ms"`
	RetryCount    int             `json:"retry_count"`
	CorrelationID string          `json:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Job is one queued unit of scheduled work, owned by the queue subsystem.
type Job struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Name          string          `json:"name"`
	ProjectID     string          `json:"project_id"`
	Stage         Stage           `json:"stage,omitempty"`
	PageID        string          `json:"page_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
	Status        JobStatus       `json:"status"`
	Priority      int             `json:"priority"`
	AttemptsMade  int             `json:"attempts_made"`
	MaxAttempts   int             `json:"max_attempts"`
	BackoffKind   BackoffKind     `json:"backoff_kind"`
	BackoffBase   time.Duration   `json:"backoff_base"`
	RunAt         time.Time       `json:"run_at"`
	LeaseUntil    time.Time       `json:"lease_until"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	SiteURL   string        `json:"site_url,omitempty"`
	Status    ProjectStatus `json:"status"`
	LastError string        `json:"last_error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type Page struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Slug      string          `json:"slug"`
	Title     string          `json:"title"`
	Status    PageStatus      `json:"status"`
	Brief     json.RawMessage `json:"brief,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Layout    json.RawMessage `json:"layout,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// QueueConfig is static per-queue configuration, loaded once at startup.
type QueueConfig struct {
	Name                 string
	Concurrency          int
	RateLimitMax         int
	RateLimitWindow      time.Duration
	MaxAttempts          int
	BackoffKind          BackoffKind
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	JobTimeout           time.Duration
	PollInterval         time.Duration
	RetainCompletedFor   time.Duration
	RetainFailedFor      time.Duration
	RetainCompletedCount int
	RetainFailedCount    int
}

type QueueHealth struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
	Paused    bool   `json:"paused"`
	Healthy   bool   `json:"healthy"`
}

// JobPayload is the envelope carried by every pipeline job.
type JobPayload struct {
	ProjectID     string          `json:"project_id"`
	Stage         Stage           `json:"stage,omitempty"`
	PageID        string          `json:"page_id,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

// WebhookEvent is the body of an outbound webhook delivery job.
type WebhookEvent struct {
	Event         string    `json:"event"`
	ProjectID     string    `json:"project_id"`
	Stage         Stage     `json:"stage,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// EventLog is a best-effort audit entry; writes to it must never mask the
// failure that triggered them.
type EventLog struct {
	ID        int64           `json:"id"`
	ProjectID string          `json:"project_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func IsFinalRunStatus(status RunStatus) bool {
	return status == RunStatusCompleted ||
		status == RunStatusFailed ||
		status == RunStatusCancelled
}
