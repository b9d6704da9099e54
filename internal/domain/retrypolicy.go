// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"math"
	"time"
)

// FailureKind classifies why a call failed. Closed enumeration; unknown
// vendor reasons fall back to the call status (no-answer, busy) and
// otherwise to KindNetworkError.
type FailureKind string

// Failure kinds.
const (
	KindNoAnswer        FailureKind = "no_answer"
	KindBusy            FailureKind = "busy"
	KindVoicemail       FailureKind = "voicemail"
	KindInvalidNumber   FailureKind = "invalid_number"
	KindNetworkError    FailureKind = "network_error"
	KindRateLimited     FailureKind = "rate_limited"
	KindAPIUnavailable  FailureKind = "api_unavailable"
	KindCallRejected    FailureKind = "call_rejected"
	KindBlocked         FailureKind = "blocked"
	KindComplianceBlock FailureKind = "compliance_block"
)

// RetryPolicy is the per-kind retry law.
type RetryPolicy struct {
	Retryable   bool
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

var retryPolicies = map[FailureKind]RetryPolicy{
	KindNoAnswer:        {Retryable: true, MaxAttempts: 3, BaseDelay: 5 * time.Minute, Multiplier: 2},
	KindBusy:            {Retryable: true, MaxAttempts: 3, BaseDelay: 10 * time.Minute, Multiplier: 2},
	KindVoicemail:       {Retryable: true, MaxAttempts: 2, BaseDelay: 30 * time.Minute, Multiplier: 2},
	KindNetworkError:    {Retryable: true, MaxAttempts: 5, BaseDelay: 2 * time.Minute, Multiplier: 2},
	KindRateLimited:     {Retryable: true, MaxAttempts: 5, BaseDelay: 2 * time.Minute, Multiplier: 2},
	KindAPIUnavailable:  {Retryable: true, MaxAttempts: 5, BaseDelay: 2 * time.Minute, Multiplier: 2},
	KindCallRejected:    {Retryable: true, MaxAttempts: 1, BaseDelay: time.Hour, Multiplier: 1},
	KindInvalidNumber:   {Retryable: false},
	KindBlocked:         {Retryable: false},
	KindComplianceBlock: {Retryable: false},
}

// PolicyFor returns the retry policy for a failure kind. Unknown kinds get
// the network-error policy.
func PolicyFor(kind FailureKind) RetryPolicy {
	if p, ok := retryPolicies[kind]; ok {
		return p
	}
	return retryPolicies[KindNetworkError]
}

// ClassifyFailure derives the failure kind from a call log's failure reason
// and terminal status.
func ClassifyFailure(failureReason string, status CallStatus) FailureKind {
	if failureReason != "" {
		kind := FailureKind(failureReason)
		if _, ok := retryPolicies[kind]; ok {
			return kind
		}
	}
	switch status {
	case CallNoAnswer:
		return KindNoAnswer
	case CallBusy:
		return KindBusy
	default:
		return KindNetworkError
	}
}

// RetryDelay computes the backoff for attempt n (1-based):
// base * multiplier^(n-1) * (1 ± 10% jitter). jitterUnit must be in [0,1)
// and is mapped onto [-0.1, +0.1).
func RetryDelay(kind FailureKind, attempt int, jitterUnit float64) time.Duration {
	p := PolicyFor(kind)
	if !p.Retryable || attempt < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	jitter := (jitterUnit*2 - 1) * 0.1
	return time.Duration(d * (1 + jitter))
}

// CanRetry reports whether another attempt is allowed for the kind.
func CanRetry(kind FailureKind, attemptsSoFar int) bool {
	p := PolicyFor(kind)
	return p.Retryable && attemptsSoFar < p.MaxAttempts
}
