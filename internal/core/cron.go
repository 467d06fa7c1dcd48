package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var strictParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// FieldSets holds the expanded value set of each cron field. A malformed
// field expands to an empty set; such a definition can not be scheduled.
type FieldSets struct {
	Minute []int
	Hour   []int
	Dom    []int
	Month  []int
	Dow    []int

	domStar bool
	dowStar bool
}

type fieldBounds struct {
	name     string
	min, max int
}

var cronFields = [5]fieldBounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCron splits a 5-field cron expression into per-field value sets.
// Only the field count is an error; unparsable fields become empty sets.
func ParseCron(expr string) (FieldSets, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return FieldSets{}, fmt.Errorf("%w: expected 5 fields, got %d in %q", ErrInvalidCronExpression, len(fields), expr)
	}
	sets := make([][]int, 5)
	for i, f := range fields {
		sets[i] = parseCronField(f, cronFields[i].min, cronFields[i].max)
	}
	return FieldSets{
		Minute:  sets[0],
		Hour:    sets[1],
		Dom:     sets[2],
		Month:   sets[3],
		Dow:     sets[4],
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}, nil
}

// ParseSchedulableCron parses expr and rejects expressions with an empty
// field set.
func ParseSchedulableCron(expr string) (FieldSets, error) {
	fs, err := ParseCron(expr)
	if err != nil {
		return FieldSets{}, err
	}
	if name := fs.emptyField(); name != "" {
		return FieldSets{}, fmt.Errorf("%w: %s field of %q matches nothing", ErrInvalidCronExpression, name, expr)
	}
	return fs, nil
}

// ValidateCron is the strict check used when accepting expressions from
// callers. It reports a descriptive reason instead of silently emptying
// fields, and rejects descriptors such as @daily.
func ValidateCron(expr string) error {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "@") {
		return fmt.Errorf("%w: only 5-field cron expressions are supported", ErrInvalidCronExpression)
	}
	if _, err := strictParser.Parse(trimmed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	if _, err := ParseSchedulableCron(trimmed); err != nil {
		return err
	}
	return nil
}

// Schedulable reports whether every field matches at least one value.
func (fs FieldSets) Schedulable() bool {
	return fs.emptyField() == ""
}

func (fs FieldSets) emptyField() string {
	for i, set := range [][]int{fs.Minute, fs.Hour, fs.Dom, fs.Month, fs.Dow} {
		if len(set) == 0 {
			return cronFields[i].name
		}
	}
	return ""
}

// Matches reports whether t satisfies all five fields.
func (fs FieldSets) Matches(t time.Time) bool {
	return contains(fs.Minute, t.Minute()) &&
		contains(fs.Hour, t.Hour()) &&
		contains(fs.Month, int(t.Month())) &&
		fs.dayMatches(t)
}

// dayMatches follows classic cron: when both day fields are restricted a
// day qualifies if either matches; a "*" field defers to the other one.
func (fs FieldSets) dayMatches(t time.Time) bool {
	dom := contains(fs.Dom, t.Day())
	dow := contains(fs.Dow, int(t.Weekday()))
	switch {
	case fs.domStar && fs.dowStar:
		return true
	case fs.domStar:
		return dow
	case fs.dowStar:
		return dom
	default:
		return dom || dow
	}
}

// nextRunHorizon bounds the search; a schedulable expression always matches
// within a few years (Feb 29 needs at most eight).
const nextRunHorizon = 9 * 366 * 24 * time.Hour

// NextRun returns the first minute strictly after from that matches every
// field, evaluated in from's location. It returns the zero time when the
// field sets are not schedulable or nothing matches within the horizon.
func NextRun(fs FieldSets, from time.Time) time.Time {
	if !fs.Schedulable() {
		return time.Time{}
	}
	loc := from.Location()
	t := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), from.Minute(), 0, 0, loc)
	if !t.After(from) {
		t = t.Add(time.Minute)
	}
	limit := from.Add(nextRunHorizon)

	for t.Before(limit) {
		if !contains(fs.Month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !fs.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !contains(fs.Hour, t.Hour()) {
			t = t.Add(time.Duration(60-t.Minute()) * time.Minute)
			continue
		}
		if !contains(fs.Minute, t.Minute()) {
			if m, ok := nextInSet(fs.Minute, t.Minute()); ok {
				t = t.Add(time.Duration(m-t.Minute()) * time.Minute)
			} else {
				t = t.Add(time.Duration(60-t.Minute()) * time.Minute)
			}
			continue
		}
		if !t.After(from) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(fs FieldSets, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = NextRun(fs, next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// PreviewCron validates expr strictly and returns its next count fire times
// after base. count is clamped to 1..10 and defaults to 5.
func PreviewCron(expr string, base time.Time, count int) ([]time.Time, error) {
	if err := ValidateCron(expr); err != nil {
		return nil, err
	}
	fs, err := ParseSchedulableCron(strings.TrimSpace(expr))
	if err != nil {
		return nil, err
	}
	if count <= 0 || count > 10 {
		count = 5
	}
	return NextOccurrences(fs, base, count), nil
}

// parseCronField expands one field. Any malformed or out-of-range element
// empties the whole field.
func parseCronField(field string, min, max int) []int {
	seen := make(map[int]struct{})
	for _, part := range strings.Split(field, ",") {
		values, ok := parseCronPart(part, min, max)
		if !ok {
			return nil
		}
		for _, v := range values {
			seen[v] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func parseCronPart(part string, min, max int) ([]int, bool) {
	if part == "" {
		return nil, false
	}
	rangeExpr, step := part, 1
	hasStep := false
	if idx := strings.Index(part, "/"); idx >= 0 {
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return nil, false
		}
		rangeExpr, step, hasStep = part[:idx], n, true
	}

	var lo, hi int
	switch {
	case rangeExpr == "*":
		lo, hi = min, max
	case strings.Contains(rangeExpr, "-"):
		bounds := strings.SplitN(rangeExpr, "-", 2)
		a, errA := strconv.Atoi(bounds[0])
		b, errB := strconv.Atoi(bounds[1])
		if errA != nil || errB != nil {
			return nil, false
		}
		lo, hi = a, b
	default:
		v, err := strconv.Atoi(rangeExpr)
		if err != nil {
			return nil, false
		}
		lo, hi = v, v
		if hasStep {
			hi = max
		}
	}
	if lo < min || hi > max || lo > hi {
		return nil, false
	}

	// Every step-th element of the range, counting from its start.
	values := make([]int, 0, (hi-lo)/step+1)
	for v := lo; v <= hi; v += step {
		values = append(values, v)
	}
	return values, true
}

func contains(set []int, v int) bool {
	i := sort.SearchInts(set, v)
	return i < len(set) && set[i] == v
}

func nextInSet(set []int, after int) (int, bool) {
	i := sort.SearchInts(set, after+1)
	if i < len(set) {
		return set[i], true
	}
	return 0, false
}
