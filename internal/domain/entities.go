// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrTransient           = errors.New("transient failure")
	ErrStaleGate           = errors.New("stale promotion gate")
	ErrColdStartBlocking   = errors.New("cold start blocking")
	ErrInternal            = errors.New("internal error")
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// CampaignStatus captures the lifecycle state of a campaign.
type CampaignStatus string

// Campaign status values.
const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// CampaignCounters are best-effort aggregate counts; the authoritative
// in-flight count lives in the lease registry.
type CampaignCounters struct {
	TotalContacts  int64
	ActiveCalls    int64
	QueuedCalls    int64
	CompletedCalls int64
	FailedCalls    int64
	VoicemailCalls int64
}

// Campaign is the persistent campaign record.
type Campaign struct {
	ID              string
	Name            string
	UserID          string
	AgentID         string
	PhoneID         string
	ConcurrentLimit int
	Status          CampaignStatus
	Counters        CampaignCounters
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ContactStatus captures the lifecycle state of a campaign contact.
type ContactStatus string

// Contact status values.
const (
	ContactPending   ContactStatus = "pending"
	ContactCalling   ContactStatus = "calling"
	ContactCompleted ContactStatus = "completed"
	ContactVoicemail ContactStatus = "voicemail"
	ContactFailed    ContactStatus = "failed"
	ContactSkipped   ContactStatus = "skipped"
)

// Contact is one dialable entry of a campaign.
type Contact struct {
	ID            string
	CampaignID    string
	PhoneNumber   string // E.164
	Name          string
	Status        ContactStatus
	RetryCount    int
	NextRetryAt   *time.Time
	FailureReason string
	CallLogID     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CallDirection distinguishes inbound from outbound call logs.
type CallDirection string

// Call directions.
const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallStatus captures the telephony state of a call log.
type CallStatus string

// Call status values.
const (
	CallInitiated  CallStatus = "initiated"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallNoAnswer   CallStatus = "no-answer"
	CallBusy       CallStatus = "busy"
	CallCanceled   CallStatus = "canceled"
)

// IsTerminal reports whether the status ends the call lifecycle.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallNoAnswer, CallBusy, CallCanceled:
		return true
	}
	return false
}

// CallMetadata carries the lease bookkeeping persisted alongside a call log.
// The lease token proves slot ownership; late or duplicate webhooks with a
// different token never double-release.
type CallMetadata struct {
	LeaseToken        string `json:"leaseToken,omitempty"`
	CallID            string `json:"callId,omitempty"`
	CampaignID        string `json:"campaignId,omitempty"`
	ContactID         string `json:"contactId,omitempty"`
	JobID             string `json:"jobId,omitempty"`
	RetryID           string `json:"retryId,omitempty"`
	VendorCallSID     string `json:"vendorCallSid,omitempty"`
	VoicemailDetected bool   `json:"voicemailDetected,omitempty"`
	IsRetry           bool   `json:"isRetry,omitempty"`
	GateRepairs       int    `json:"gateRepairs,omitempty"`
}

// CallLog is the persistent record of a single call.
type CallLog struct {
	ID          string
	Direction   CallDirection
	FromPhone   string
	ToPhone     string
	Status        CallStatus
	FailureReason string
	DurationSec   int
	StartedAt     *time.Time
	EndedAt       *time.Time
	Metadata      CallMetadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repositories (ports)

// CampaignRepository manages campaign persistence.
type CampaignRepository interface {
	Create(ctx Context, c Campaign) (string, error)
	Get(ctx Context, id string) (Campaign, error)
	UpdateStatus(ctx Context, id string, status CampaignStatus) error
	ListByStatus(ctx Context, status CampaignStatus, limit int) ([]Campaign, error)
	ApplyCounterDelta(ctx Context, id string, delta CampaignCounters) error
}

// ContactRepository manages campaign contacts.
type ContactRepository interface {
	BulkCreate(ctx Context, contacts []Contact) (int, error)
	Get(ctx Context, id string) (Contact, error)
	UpdateStatus(ctx Context, id string, status ContactStatus, failureReason, callLogID string) error
	ListByCampaignStatus(ctx Context, campaignID string, status ContactStatus, offset, limit int) ([]Contact, error)
	CountByCampaignStatuses(ctx Context, campaignID string, statuses []ContactStatus) (int64, error)
	ScheduleRetry(ctx Context, id string, at time.Time) error
}

// CallLogRepository manages call logs.
type CallLogRepository interface {
	Create(ctx Context, cl CallLog) (string, error)
	Get(ctx Context, id string) (CallLog, error)
	UpdateStatus(ctx Context, id string, status CallStatus, failureReason string, durationSec int, endedAt *time.Time) error
	SetLease(ctx Context, id, leaseToken, callID string) error
	SetVendorSID(ctx Context, id, vendorCallSID string) error
	SetVoicemailDetected(ctx Context, id string) error
	ListInFlightByCampaign(ctx Context, campaignID string, limit int) ([]CallLog, error)
	ListStuckRinging(ctx Context, olderThan time.Time, limit int) ([]CallLog, error)
}

// Collaborator ports

// InitiateRequest is the telephony dial request.
type InitiateRequest struct {
	CallLogID   string
	FromPhone   string
	ToPhone     string
	CampaignID  string
	StatusURL   string
	RecordAudio bool
}

// VendorStatus is a best-effort snapshot fetched from the telephony vendor.
type VendorStatus struct {
	Status       CallStatus
	DurationSec  int
	RecordingURL string
}

// TelephonyClient abstracts the telephony vendor.
type TelephonyClient interface {
	Initiate(ctx Context, req InitiateRequest) (vendorCallSID string, err error)
	Cancel(ctx Context, vendorCallSID string) error
	FetchStatus(ctx Context, vendorCallSID string) (VendorStatus, error)
}

// JobPriority selects the waitlist / runner queue.
type JobPriority string

// Job priorities.
const (
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
)

// DispatchJob is the payload handed to the campaign worker for one dial.
// PromoteSeq / PromotedAt carry the promotion gate; the worker rejects
// payloads older than the current gate.
type DispatchJob struct {
	JobID       string      `json:"jobId"`
	CampaignID  string      `json:"campaignId"`
	ContactID   string      `json:"contactId"`
	Priority    JobPriority `json:"priority"`
	PromoteSeq  int64       `json:"promoteSeq"`
	PromotedAt  int64       `json:"promotedAt"` // epoch ms
	IsRetry     bool        `json:"isRetry"`
	RetryID     string      `json:"retryId,omitempty"`
	GateRepairs int         `json:"gateRepairs,omitempty"`
}

// ScheduledCallJob is the payload fired by the delayed-job runner at
// scheduledFor.
type ScheduledCallJob struct {
	ScheduledCallID string `json:"scheduledCallId"`
	JobID           string `json:"jobId"`
}

// RetryFireJob is the payload fired by the delayed-job runner when a retry
// attempt comes due.
type RetryFireJob struct {
	RetryID    string `json:"retryId"`
	CampaignID string `json:"campaignId,omitempty"`
	ContactID  string `json:"contactId,omitempty"`
	JobID      string `json:"jobId"`
}

// DelayedJobRunner is the delayed/ready job transport. Enqueues are
// idempotent on jobID; Promote moves a delayed job to ready immediately.
type DelayedJobRunner interface {
	EnqueueDispatch(ctx Context, job DispatchJob) error
	EnqueueScheduledCall(ctx Context, job ScheduledCallJob, at time.Time) error
	EnqueueRetryFire(ctx Context, job RetryFireJob, at time.Time) error
	Cancel(ctx Context, jobID string) error
	Promote(ctx Context, jobID string) error
}

// CallEvent is the terminal status event published to the call-event stream.
type CallEvent struct {
	CallLogID   string     `json:"callLogId"`
	CampaignID  string     `json:"campaignId,omitempty"`
	ContactID   string     `json:"contactId,omitempty"`
	Status      CallStatus `json:"status"`
	DurationSec int        `json:"durationSec"`
	OccurredAt  time.Time  `json:"occurredAt"`
}

// CallEventPublisher streams terminal call events for downstream analytics.
// Publishing is best-effort and must never block call handling.
type CallEventPublisher interface {
	PublishCallEvent(ctx Context, ev CallEvent) error
}
