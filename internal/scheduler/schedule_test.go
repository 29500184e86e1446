package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseSchedule_Invalid(t *testing.T) {
	tests := []string{
		"",
		"* * * *",
		"* * * * * *",
		"x * * * *",
		"*/0 * * * *",
		"-1 * * * *",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			_, err := ParseSchedule(s)
			require.Error(t, err)
		})
	}
}

func TestSchedule_Due(t *testing.T) {
	tests := []struct {
		name  string
		sched string
		at    string
		want  bool
	}{
		{"every bucket", "* * * * *", "2024-04-26T15:07:00Z", true},
		{"step 15 first bucket", "*/15 * * * *", "2024-04-26T15:00:00Z", true},
		{"step 15 inside bucket", "*/15 * * * *", "2024-04-26T15:44:59Z", true},
		{"step 30 aligned bucket", "*/30 * * * *", "2024-04-26T15:31:00Z", true},
		{"step 30 other bucket", "*/30 * * * *", "2024-04-26T15:16:00Z", false},
		{"literal minute same bucket", "20 * * * *", "2024-04-26T15:29:00Z", true},
		{"literal minute start of bucket", "20 * * * *", "2024-04-26T15:15:00Z", true},
		{"literal minute next bucket", "20 * * * *", "2024-04-26T15:30:00Z", false},
		{"hour matches", "0 15 * * *", "2024-04-26T15:10:00Z", true},
		{"hour differs", "0 16 * * *", "2024-04-26T15:10:00Z", false},
		{"evaluated in utc", "0 15 * * *", "2024-04-26T09:10:00-06:00", true},
		{"yearly at new year", "0 0 1 1 *", "2025-01-01T00:00:00Z", true},
		{"yearly later in the bucket", "0 0 1 1 *", "2025-01-01T00:14:00Z", true},
		{"yearly after the bucket", "0 0 1 1 *", "2025-01-01T00:15:00Z", false},
		{"yearly wrong day", "0 0 1 1 *", "2025-01-02T00:00:00Z", false},
		{"yearly wrong month", "0 0 1 1 *", "2025-02-01T00:00:00Z", false},
		{"fixed year", "0 0 1 1 2025", "2026-01-01T00:00:00Z", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSchedule(tt.sched)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Due(at(tt.at)))
		})
	}
}

func TestSchedule_QuarterHourSelectedOncePerBucket(t *testing.T) {
	s, err := ParseSchedule("*/15 * * * *")
	require.NoError(t, err)

	start := at("2024-04-26T15:00:00Z")
	buckets := map[int]bool{}
	for m := range 60 {
		now := start.Add(time.Duration(m) * time.Minute)
		require.True(t, s.Due(now), now)
		buckets[now.Minute()/15] = true
	}
	assert.Len(t, buckets, 4)
}

func TestSchedule_YearlySelectedOnlyOnNewYear(t *testing.T) {
	s, err := ParseSchedule("0 0 1 1 *")
	require.NoError(t, err)

	hits := 0
	for day := range 366 {
		for hour := range 24 {
			now := at("2024-01-01T00:00:00Z").AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
			if s.Due(now) {
				hits++
				assert.Equal(t, at("2024-01-01T00:00:00Z"), now)
			}
		}
	}
	assert.Equal(t, 1, hits)
}
