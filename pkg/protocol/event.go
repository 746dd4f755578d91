package protocol

import "time"

// Severity classifies an event for filtering and display.
type Severity string

// Severity constants.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Valid reports whether sv is one of the three known severities.
func (sv Severity) Valid() bool {
	switch sv {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	default:
		return false
	}
}

// Event type constants. Every state change the daemon makes is published
// under one of these so the bus, the event log and the dashboard agree on
// vocabulary.
const (
	EventStorySubmitted = "story_submitted"
	EventStoryCancelled = "story_cancelled"

	EventJobPlanned   = "job_planned"
	EventJobEnqueued  = "job_enqueued"
	EventJobStarted   = "job_started"
	EventJobCompleted = "job_completed"
	EventJobRetrying  = "job_retrying"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"

	EventBreakerOpened = "breaker_opened"
	EventBreakerClosed = "breaker_closed"

	EventBudgetDelayed    = "budget_delayed"
	EventBudgetDenied     = "budget_denied"
	EventGuardianFailOpen = "guardian_fail_open"

	EventAccessDenied = "access_denied"

	EventDirectiveApplied = "directive_applied"
	EventConfigReloaded   = "config_reloaded"
)

// Event is the unit of notification flowing through the bus. StoryID and
// JobID are empty for events that are not about a particular piece of work.
type Event struct {
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	StoryID   string            `json:"story_id,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
