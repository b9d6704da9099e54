package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyFor_Table(t *testing.T) {
	tests := []struct {
		kind      FailureKind
		retryable bool
		max       int
		base      time.Duration
		mult      float64
	}{
		{KindNoAnswer, true, 3, 5 * time.Minute, 2},
		{KindBusy, true, 3, 10 * time.Minute, 2},
		{KindVoicemail, true, 2, 30 * time.Minute, 2},
		{KindNetworkError, true, 5, 2 * time.Minute, 2},
		{KindCallRejected, true, 1, time.Hour, 1},
		{KindInvalidNumber, false, 0, 0, 0},
		{KindBlocked, false, 0, 0, 0},
		{KindComplianceBlock, false, 0, 0, 0},
	}
	for _, tt := range tests {
		p := PolicyFor(tt.kind)
		require.Equal(t, tt.retryable, p.Retryable, tt.kind)
		if tt.retryable {
			require.Equal(t, tt.max, p.MaxAttempts, tt.kind)
			require.Equal(t, tt.base, p.BaseDelay, tt.kind)
			require.Equal(t, tt.mult, p.Multiplier, tt.kind)
		}
	}
}

func TestRetryDelay_Law(t *testing.T) {
	// retryTime - now must land in [0.9, 1.1] * base * mult^(n-1).
	for _, kind := range []FailureKind{KindNoAnswer, KindBusy, KindVoicemail, KindNetworkError, KindCallRejected} {
		p := PolicyFor(kind)
		for n := 1; n <= p.MaxAttempts; n++ {
			for _, u := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
				d := RetryDelay(kind, n, u)
				expected := float64(p.BaseDelay)
				for i := 1; i < n; i++ {
					expected *= p.Multiplier
				}
				lo := time.Duration(expected * 0.9)
				hi := time.Duration(expected * 1.1)
				require.GreaterOrEqual(t, d, lo, "%s attempt %d u=%v", kind, n, u)
				require.LessOrEqual(t, d, hi, "%s attempt %d u=%v", kind, n, u)
			}
		}
	}
}

func TestRetryDelay_Busy_FirstAttempt(t *testing.T) {
	// S6: busy, attempt 1, midpoint jitter => exactly 10 minutes.
	require.Equal(t, 10*time.Minute, RetryDelay(KindBusy, 1, 0.5))
}

func TestRetryDelay_NonRetryable(t *testing.T) {
	require.Equal(t, time.Duration(0), RetryDelay(KindInvalidNumber, 1, 0.5))
	require.Equal(t, time.Duration(0), RetryDelay(KindBusy, 0, 0.5))
}

func TestCanRetry(t *testing.T) {
	require.True(t, CanRetry(KindNoAnswer, 0))
	require.True(t, CanRetry(KindNoAnswer, 2))
	require.False(t, CanRetry(KindNoAnswer, 3))
	require.False(t, CanRetry(KindCallRejected, 1))
	require.False(t, CanRetry(KindBlocked, 0))
}

func TestClassifyFailure(t *testing.T) {
	require.Equal(t, KindBusy, ClassifyFailure("busy", CallFailed))
	require.Equal(t, KindNoAnswer, ClassifyFailure("", CallNoAnswer))
	require.Equal(t, KindBusy, ClassifyFailure("", CallBusy))
	require.Equal(t, KindNetworkError, ClassifyFailure("gibberish", CallFailed))
	require.Equal(t, KindComplianceBlock, ClassifyFailure("compliance_block", CallFailed))
}

func TestCallStatusIsTerminal(t *testing.T) {
	for _, s := range []CallStatus{CallCompleted, CallFailed, CallNoAnswer, CallBusy, CallCanceled} {
		require.True(t, s.IsTerminal(), s)
	}
	for _, s := range []CallStatus{CallInitiated, CallRinging, CallInProgress} {
		require.False(t, s.IsTerminal(), s)
	}
}

func TestBusinessHoursAllowsDay(t *testing.T) {
	bh := BusinessHours{DaysOfWeek: []int{1, 2, 3, 4, 5}}
	require.True(t, bh.AllowsDay(time.Monday))
	require.False(t, bh.AllowsDay(time.Saturday))
	require.False(t, bh.AllowsDay(time.Sunday))
}
