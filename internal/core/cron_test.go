package core

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) FieldSets {
	t.Helper()
	fs, err := ParseCron(expr)
	require.NoError(t, err)
	return fs
}

func TestParseCronFields(t *testing.T) {
	fs := mustParse(t, "*/15 1-3,5 1 */4 1-5/2")
	assert.Equal(t, []int{0, 15, 30, 45}, fs.Minute)
	assert.Equal(t, []int{1, 2, 3, 5}, fs.Hour)
	assert.Equal(t, []int{1}, fs.Dom)
	assert.Equal(t, []int{1, 5, 9}, fs.Month)
	assert.Equal(t, []int{1, 3, 5}, fs.Dow)
	assert.True(t, fs.Schedulable())
}

func TestParseCronStepFromValue(t *testing.T) {
	fs := mustParse(t, "50/5 * * * *")
	assert.Equal(t, []int{50, 55}, fs.Minute)
}

func TestParseCronFieldCount(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "0 0 * * * *", "@daily"} {
		_, err := ParseCron(expr)
		assert.ErrorIs(t, err, ErrInvalidCronExpression, expr)
	}
}

func TestParseCronMalformedFieldIsEmpty(t *testing.T) {
	for _, expr := range []string{"61 * * * *", "a * * * *", "* 5-2 * * *", "* * 0 * *", "* * * * 7", "*/0 * * * *", "1,,2 * * * *"} {
		fs, err := ParseCron(expr)
		require.NoError(t, err, expr)
		assert.False(t, fs.Schedulable(), expr)
		assert.True(t, NextRun(fs, time.Now()).IsZero(), expr)

		_, err = ParseSchedulableCron(expr)
		assert.ErrorIs(t, err, ErrInvalidCronExpression, expr)
	}
}

func TestNextRunExamples(t *testing.T) {
	tests := []struct {
		name string
		expr string
		from time.Time
		want time.Time
	}{
		{
			name: "past minute rolls to next day",
			expr: "0 2 * * *",
			from: time.Date(2024, 1, 1, 2, 0, 1, 0, time.UTC),
			want: time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "later the same day",
			expr: "0 2 * * *",
			from: time.Date(2024, 1, 1, 1, 59, 0, 0, time.UTC),
			want: time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "exact match is not reused",
			expr: "0 2 * * *",
			from: time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
			want: time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "first of next month",
			expr: "0 3 1 * *",
			from: time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
			want: time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "monday",
			expr: "0 3 * * 1",
			from: time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC),
			want: time.Date(2024, 1, 8, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "day of month or day of week",
			expr: "0 0 15 * 0",
			from: time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
			want: time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "leap day",
			expr: "30 6 29 2 *",
			from: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2028, 2, 29, 6, 30, 0, 0, time.UTC),
		},
		{
			name: "year rollover",
			expr: "0 0 1 1 *",
			from: time.Date(2024, 12, 31, 23, 59, 30, 0, time.UTC),
			want: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(mustParse(t, tt.expr), tt.from)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestNextRunStrictlyAfterAndMatches(t *testing.T) {
	exprs := []string{
		"* * * * *",
		"*/7 * * * *",
		"0 2 * * *",
		"15 10 * * 1-5",
		"0 0 1,15 * *",
		"0 3 1 * *",
		"5 4 * 6 0",
		"0 12 10 * 3",
		"0-10/3 22-23 * 1,7,12 *",
	}
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, expr := range exprs {
		fs := mustParse(t, expr)
		for i := 0; i < 200; i++ {
			from := base.Add(time.Duration(rng.Int63n(int64(6 * 365 * 24 * time.Hour))))
			next := NextRun(fs, from)
			require.False(t, next.IsZero(), "%s from %s", expr, from)
			assert.True(t, next.After(from), "%s from %s got %s", expr, from, next)
			assert.True(t, fs.Matches(next), "%s from %s got %s", expr, from, next)
			assert.Zero(t, next.Second())

			// No earlier minute in between matches.
			for earlier := next.Add(-time.Minute); earlier.After(from) && next.Sub(earlier) < 3*time.Hour; earlier = earlier.Add(-time.Minute) {
				require.False(t, fs.Matches(earlier), "%s: %s matches before %s", expr, earlier, next)
			}
		}
	}
}

func TestNextRunKeepsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	next := NextRun(mustParse(t, "0 2 * * *"), time.Date(2024, 1, 1, 3, 0, 0, 0, loc))
	assert.Equal(t, loc, next.Location())
	assert.True(t, time.Date(2024, 1, 2, 2, 0, 0, 0, loc).Equal(next))
}

func TestNextOccurrences(t *testing.T) {
	times := NextOccurrences(mustParse(t, "0 */12 * * *"), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 3)
	require.Len(t, times, 3)
	assert.True(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Equal(times[0]))
	assert.True(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).Equal(times[1]))
	assert.True(t, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC).Equal(times[2]))
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("0 3 * * 1"))
	assert.NoError(t, ValidateCron("*/5 1-3 1,15 * *"))
	for _, expr := range []string{"@daily", "0 0 * *", "61 * * * *", "* * * * 7", "0 0 0 * * *"} {
		assert.ErrorIs(t, ValidateCron(expr), ErrInvalidCronExpression, expr)
	}
}

func TestPreviewCron(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	times, err := PreviewCron(" 0 3 * * 1 ", base, 0)
	require.NoError(t, err)
	require.Len(t, times, 5)
	assert.Equal(t, time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC), times[0])
	assert.Equal(t, time.Date(2024, 1, 8, 3, 0, 0, 0, time.UTC), times[1])

	times, err = PreviewCron("0 3 * * 1", base, 2)
	require.NoError(t, err)
	assert.Len(t, times, 2)

	_, err = PreviewCron("@weekly", base, 1)
	assert.ErrorIs(t, err, ErrInvalidCronExpression)
}
