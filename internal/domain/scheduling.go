// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"time"
)

// ScheduledCallStatus captures the lifecycle state of a scheduled call.
type ScheduledCallStatus string

// Scheduled call status values.
const (
	ScheduledPending    ScheduledCallStatus = "pending"
	ScheduledProcessing ScheduledCallStatus = "processing"
	ScheduledCompleted  ScheduledCallStatus = "completed"
	ScheduledFailed     ScheduledCallStatus = "failed"
	ScheduledCancelled  ScheduledCallStatus = "cancelled"
)

// BusinessHours restricts when a scheduled call may fire. Start and End are
// minutes since midnight in Timezone; DaysOfWeek uses time.Weekday numbering
// (0 = Sunday).
type BusinessHours struct {
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Timezone   string     `json:"timezone"`
	DaysOfWeek []int      `json:"daysOfWeek"`
}

// AllowsDay reports whether the weekday is inside the allowed set.
func (b BusinessHours) AllowsDay(d time.Weekday) bool {
	for _, day := range b.DaysOfWeek {
		if int(d) == day {
			return true
		}
	}
	return false
}

// RecurrenceFrequency enumerates supported recurrence units.
type RecurrenceFrequency string

// Recurrence frequencies.
const (
	FrequencyDaily   RecurrenceFrequency = "daily"
	FrequencyWeekly  RecurrenceFrequency = "weekly"
	FrequencyMonthly RecurrenceFrequency = "monthly"
)

// Recurrence describes a repeating scheduled call.
type Recurrence struct {
	Frequency         RecurrenceFrequency `json:"frequency"`
	Interval          int                 `json:"interval"`
	EndDate           *time.Time          `json:"endDate,omitempty"`
	MaxOccurrences    int                 `json:"maxOccurrences,omitempty"`
	CurrentOccurrence int                 `json:"currentOccurrence"`
}

// ScheduledCallMetadata carries runner bookkeeping.
type ScheduledCallMetadata struct {
	JobID   string `json:"jobId,omitempty"`
	IsRetry bool   `json:"isRetry,omitempty"`
}

// ScheduledCall is a persisted future-dated call.
type ScheduledCall struct {
	ID            string
	PhoneNumber   string
	AgentID       string
	UserID        string
	CampaignID    string
	ScheduledFor  time.Time // UTC instant
	Timezone      string
	Status        ScheduledCallStatus
	BusinessHours *BusinessHours
	Recurring     *Recurrence
	Metadata      ScheduledCallMetadata
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RetryAttempt is a persisted scheduled redial of a failed call. The pair
// (OriginalCallLogID, AttemptNumber) is unique.
type RetryAttempt struct {
	ID                string
	OriginalCallLogID string
	AttemptNumber     int
	ScheduledFor      time.Time
	Status            ScheduledCallStatus
	FailureReason     FailureKind
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ScheduledCallRepository manages scheduled calls.
type ScheduledCallRepository interface {
	Create(ctx Context, sc ScheduledCall) (string, error)
	Get(ctx Context, id string) (ScheduledCall, error)
	UpdateStatus(ctx Context, id string, status ScheduledCallStatus) error
	// TransitionStatus performs a guarded state change and reports whether the
	// row actually moved (false when the current status differs from `from`).
	TransitionStatus(ctx Context, id string, from, to ScheduledCallStatus) (bool, error)
	Reschedule(ctx Context, id string, at time.Time, jobID string) error
	ListDue(ctx Context, before time.Time, limit int) ([]ScheduledCall, error)
}

// RetryAttemptRepository manages retry attempts.
type RetryAttemptRepository interface {
	Create(ctx Context, ra RetryAttempt) (string, error)
	Get(ctx Context, id string) (RetryAttempt, error)
	UpdateStatus(ctx Context, id string, status ScheduledCallStatus) error
	CountByOriginal(ctx Context, originalCallLogID string) (int, error)
}

// User is the minimal operator account used by the seed-admin CLI and the
// bearer-token guard.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserRepository manages operator accounts.
type UserRepository interface {
	Upsert(ctx Context, u User) (string, error)
	GetByEmail(ctx Context, email string) (User, error)
}
