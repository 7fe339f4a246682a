package models

import "time"

// DeferredJobStatus represents the status of a deferred send job.
type DeferredJobStatus string

const (
	JobPending DeferredJobStatus = "pending"
	JobClaimed DeferredJobStatus = "claimed"
)

// DeferredJob is a materialized send handed off to the external
// scheduler. It carries the fully built variable map so the scheduler
// does not need to re-resolve the recipient at execution time.
type DeferredJob struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"` // correlation id shared by all jobs of one schedule call
	RecipientID string            `json:"recipient_id"`
	Address     string            `json:"address"`
	TemplateKey string            `json:"template_key"`
	Variables   map[string]string `json:"variables"`
	DueAt       time.Time         `json:"due_at"`
	Status      DeferredJobStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ClaimedAt   *time.Time        `json:"claimed_at,omitempty"`
}
