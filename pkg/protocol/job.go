package protocol

import (
	"fmt"
	"time"
)

// JobState tracks a job through its lifecycle. Transitions are validated;
// anything not listed in allowedTransitions is a bug in the caller.
type JobState string

// Job state constants.
const (
	JobPending   JobState = "pending"   // planned, not yet queued
	JobEnqueued  JobState = "enqueued"  // waiting in a stage queue
	JobRunning   JobState = "running"   // a worker is executing the provider call
	JobCompleted JobState = "completed" // terminal: provider call succeeded
	JobFailed    JobState = "failed"    // failure recorded; terminal unless a retry follows
	JobRetrying  JobState = "retrying"  // transient failure, backoff pending
	JobCancelled JobState = "cancelled" // terminal: cancelled by operator or dependency failure
)

var allowedTransitions = map[JobState]map[JobState]bool{
	JobPending:  {JobEnqueued: true, JobCancelled: true},
	JobEnqueued: {JobRunning: true, JobCancelled: true},
	JobRunning:  {JobCompleted: true, JobFailed: true, JobCancelled: true},
	JobFailed:   {JobRetrying: true},
	JobRetrying: {JobEnqueued: true, JobCancelled: true},
	// completed and cancelled are terminal
	JobCompleted: {},
	JobCancelled: {},
}

// ValidateTransition returns an error if from -> to is not a legal job
// state transition.
func ValidateTransition(from, to JobState) error {
	if allowedTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("invalid job transition %s -> %s", from, to)
}

// Terminal reports whether s is a resting state. A job left in failed has
// exhausted its retries: transient failures move to retrying immediately,
// in the same handling pass.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobCancelled, JobFailed:
		return true
	default:
		return false
	}
}

// Job is one stage's worth of work for a story. Provider, model and token
// numbers are resolved at planning time from the stage definition and the
// story's complexity, so the execution path never re-derives them.
type Job struct {
	ID              string    `json:"id"`
	StoryID         string    `json:"story_id"`
	Stage           string    `json:"stage"`
	PredecessorIDs  []string  `json:"predecessor_ids,omitempty"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	Priority        int       `json:"priority"`
	Attempt         int       `json:"attempt"`
	MaxRetries      int       `json:"max_retries"`
	EstimatedTokens int       `json:"estimated_tokens"`
	MaxTokens       int       `json:"max_tokens"`
	State           JobState  `json:"state"`
	EligibleAt      time.Time `json:"eligible_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}
