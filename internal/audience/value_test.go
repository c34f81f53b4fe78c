package audience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		raw  string
		kind ValueKind
		at   time.Time
	}{
		{"True", ValueBool, time.Time{}},
		{"False", ValueBool, time.Time{}},
		{"now", ValueRelativeTime, now},
		{"now-7 days", ValueRelativeTime, now.Add(-7 * 24 * time.Hour)},
		{"now+36h", ValueRelativeTime, now.Add(36 * time.Hour)},
		{"today", ValueRelativeTime, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{"today+1 week, 2 days", ValueRelativeTime, time.Date(2024, 3, 19, 0, 0, 0, 0, time.UTC)},
		{"F_subscribe_date", ValueFieldRef, time.Time{}},
		{"nowhere", ValueLiteral, time.Time{}},
		{"today's news", ValueLiteral, time.Time{}},
		{"42", ValueLiteral, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, err := ParseValue(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, v.Kind)
			if tt.kind == ValueRelativeTime {
				assert.True(t, tt.at.Equal(v.Time(now)), "got %s want %s", v.Time(now), tt.at)
			}
		})
	}
}

func TestParseValue_Errors(t *testing.T) {
	for _, raw := range []string{"now-", "now-soon", "today+3 fortnights", "F_"} {
		_, err := ParseValue(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseValue_ResolvesAtEvaluationTime(t *testing.T) {
	v, err := ParseValue("now-1h")
	require.NoError(t, err)

	t1 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)
	assert.Equal(t, t1.Add(-time.Hour), v.Time(t1))
	assert.Equal(t, t2.Add(-time.Hour), v.Time(t2))
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"30 minutes":     30 * time.Minute,
		"7days":          7 * 24 * time.Hour,
		"1 week, 2 days": 9 * 24 * time.Hour,
		"1.5 hours":      90 * time.Minute,
		"2h45m":          2*time.Hour + 45*time.Minute,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDuration("3")
	assert.Error(t, err)
}
