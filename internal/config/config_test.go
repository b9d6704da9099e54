package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 15*time.Second, cfg.PreDialLeaseTTL)
	require.Equal(t, 45*time.Second, cfg.PreDialLeaseMax)
	require.Equal(t, 180*time.Second, cfg.ActiveLeaseTTL)
	require.Equal(t, 70*time.Second, cfg.ReservationTTL)
	require.Equal(t, 50, cfg.PromoteBatchSize)
	require.Equal(t, int64(5), cfg.BreakerFailureThreshold)
	require.True(t, cfg.IsDev())
	require.False(t, cfg.AuthEnabled())
	require.False(t, cfg.CallEventsEnabled())
}

func TestLoad_ShortJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "too-short")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_ValidJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.AuthEnabled())
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"09:00", 540, false},
		{"16:30", 990, false},
		{"00:00", 0, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"noon", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}

func TestValidate_PreDialJitterExceedsMax(t *testing.T) {
	t.Setenv("PRE_DIAL_LEASE_TTL", "40s")
	t.Setenv("PRE_DIAL_LEASE_JITTER", "10s")
	_, err := Load()
	require.Error(t, err)
}
