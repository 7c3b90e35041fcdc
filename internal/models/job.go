package models

import (
	"time"
)

// JobState enumerates lifecycle states persisted by the job store.
type JobState string

const (
	StateCreated   JobState = "created"
	StateRetry     JobState = "retry"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Fetchable reports whether a job in this state may be handed to a worker.
func (s JobState) Fetchable() bool {
	return s == StateCreated || s == StateRetry
}

// Finished reports whether the job reached a terminal state.
func (s JobState) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is a queued unit of work. Consumers never mutate a job; they complete or fail it.
type Job struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Data         map[string]any `json:"data"`
	State        JobState       `json:"state"`
	Priority     int            `json:"priority"`
	RetryCount   int            `json:"retry_count"`
	RetryLimit   int            `json:"retry_limit"`
	RetryDelay   time.Duration  `json:"retry_delay"`
	RetryBackoff bool           `json:"retry_backoff"`
	ExpireIn     time.Duration  `json:"expire_in"`
	Owner        string         `json:"owner,omitempty"`
	StartAfter   time.Time      `json:"start_after"`
	StartedOn    *time.Time     `json:"started_on,omitempty"`
	CompletedOn  *time.Time     `json:"completed_on,omitempty"`
	CreatedOn    time.Time      `json:"created_on"`
	Output       *string        `json:"output,omitempty"`
}

// ActivityRecord is the per-deployment view of job history used for idle and
// orphan detection.
type ActivityRecord struct {
	DeploymentName string    `json:"deployment_name"`
	LastActivity   time.Time `json:"last_activity"`
	MessageCount   int64     `json:"message_count"`
}
