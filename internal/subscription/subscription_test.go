package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
)

func TestStartPolicyCheckpoint(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)

	tests := []struct {
		name   string
		policy StartPolicy
		want   int64
	}{
		{"origin", StartOrigin(), 0},
		{"current", StartCurrent(), now.UnixMilli()},
		{"at", StartAt(42), 42},
		{"negative falls back", StartAt(-5), 0},
		{"parse origin", ParseStart("origin"), 0},
		{"parse current", ParseStart("CURRENT"), now.UnixMilli()},
		{"parse millis", ParseStart("1700"), 1700},
		{"parse rfc3339", ParseStart("2024-01-01T00:00:00Z"), 1704067200000},
		{"parse garbage", ParseStart("yesterday"), 0},
		{"parse empty", ParseStart(""), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Checkpoint(now))
		})
	}
}

func TestStartPolicyString(t *testing.T) {
	assert.Equal(t, "origin", StartOrigin().String())
	assert.Equal(t, "current", StartCurrent().String())
	assert.Equal(t, "99", StartAt(99).String())
}

func TestApply(t *testing.T) {
	o := Apply()
	assert.False(t, o.Persistent)
	assert.Equal(t, constants.DefaultMaxInFlight, o.MaxInFlight)
	assert.Equal(t, constants.DefaultMaxAttempts, o.MaxAttempts)

	o = Apply(Persistent(), WithMaxInFlight(1), WithMaxPending(0), WithMaxAttempts(3),
		WithRetryInterval(time.Second), WithStart(StartCurrent()))
	assert.True(t, o.Persistent)
	assert.Equal(t, 1, o.MaxInFlight)
	assert.Equal(t, 0, o.MaxPending)
	assert.Equal(t, 3, o.MaxAttempts)
	assert.Equal(t, time.Second, o.RetryInterval)
	assert.Equal(t, "current", o.Start.String())

	o = Apply(WithMaxInFlight(0), WithMaxAttempts(-1), WithRetryInterval(0))
	assert.Equal(t, constants.DefaultMaxInFlight, o.MaxInFlight)
	assert.Equal(t, constants.DefaultMaxAttempts, o.MaxAttempts)
	assert.Equal(t, constants.DefaultRetryInterval, o.RetryInterval)
}
