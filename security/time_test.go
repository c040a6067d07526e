package security

import (
	"testing"
	"time"
)

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{
			name:      "session token expired just inside the skew grace",
			expiresAt: time.Now().Add(-2 * time.Second),
			grace:     DefaultClockSkewGracePeriod,
			want:      false,
		},
		{
			name:      "session token expired well past the grace",
			expiresAt: time.Now().Add(-time.Minute),
			grace:     DefaultClockSkewGracePeriod,
			want:      true,
		},
		{
			name:      "still valid",
			expiresAt: time.Now().Add(time.Hour),
			grace:     DefaultClockSkewGracePeriod,
			want:      false,
		},
		{
			name:      "zero grace treats any past expiry as expired",
			expiresAt: time.Now().Add(-time.Second),
			grace:     0,
			want:      true,
		},
		{
			name:      "no expiry claim",
			expiresAt: time.Time{},
			grace:     DefaultClockSkewGracePeriod,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpiredWithGracePeriod(tt.expiresAt, tt.grace); got != tt.want {
				t.Errorf("IsTokenExpiredWithGracePeriod() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	// Thresholds here mirror the credential cache slack: a delegated
	// credential inside the window should read as a miss.
	tests := []struct {
		name      string
		expiresAt time.Time
		threshold time.Duration
		want      bool
	}{
		{
			name:      "credential dies inside the slack window",
			expiresAt: time.Now().Add(10 * time.Second),
			threshold: 30 * time.Second,
			want:      true,
		},
		{
			name:      "credential outlives the slack window",
			expiresAt: time.Now().Add(5 * time.Minute),
			threshold: 30 * time.Second,
			want:      false,
		},
		{
			name:      "already expired",
			expiresAt: time.Now().Add(-time.Second),
			threshold: 30 * time.Second,
			want:      true,
		},
		{
			name:      "no expiry claim",
			expiresAt: time.Time{},
			threshold: 30 * time.Second,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpiringSoon(tt.expiresAt, tt.threshold); got != tt.want {
				t.Errorf("IsTokenExpiringSoon() = %v, want %v", got, tt.want)
			}
		})
	}
}
