package partition

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRange is returned for a range whose start is not before its end.
var ErrInvalidRange = errors.New("invalid time range")

// Granularity is a named time-bucket size, ordered coarsest to finest.
type Granularity int

// Granularity levels, coarsest first.
const (
	Month Granularity = iota
	Week
	Day
	FourHour
	Hour
	FifteenMinute
	ThreeMinute
)

var granularityNames = [...]string{
	Month:         "month",
	Week:          "week",
	Day:           "day",
	FourHour:      "4hour",
	Hour:          "hour",
	FifteenMinute: "15min",
	ThreeMinute:   "3min",
}

// Levels returns every defined granularity, coarsest first.
func Levels() []Granularity {
	return []Granularity{Month, Week, Day, FourHour, Hour, FifteenMinute, ThreeMinute}
}

// String implements fmt.Stringer.
func (g Granularity) String() string {
	if g < 0 || int(g) >= len(granularityNames) {
		return fmt.Sprintf("granularity(%d)", int(g))
	}
	return granularityNames[g]
}

// Valid reports whether g is a defined level.
func (g Granularity) Valid() bool {
	return g >= Month && g <= ThreeMinute
}

// ParseGranularity parses a name produced by String.
func ParseGranularity(s string) (Granularity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range granularityNames {
		if name == s {
			return Granularity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown granularity %q", s)
}

// Step returns the start of the bucket following the one starting at t.
// Month steps keep the time of day and move to the 1st of the next month.
func (g Granularity) Step(t time.Time) time.Time {
	switch g {
	case Month:
		return time.Date(t.Year(), t.Month()+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	case Week:
		return t.AddDate(0, 0, 7)
	case Day:
		return t.AddDate(0, 0, 1)
	case FourHour:
		return t.Add(4 * time.Hour)
	case Hour:
		return t.Add(time.Hour)
	case FifteenMinute:
		return t.Add(15 * time.Minute)
	case ThreeMinute:
		return t.Add(3 * time.Minute)
	default:
		panic(fmt.Sprintf("partition: step on undefined %s", g))
	}
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange validates start < end.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	r := TimeRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return TimeRange{}, err
	}
	return r, nil
}

// Validate returns ErrInvalidRange unless Start is before End.
func (r TimeRange) Validate() error {
	if !r.Start.Before(r.End) {
		return fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}
	return nil
}

// Duration returns End - Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Contains reports whether t lies in [Start, End).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// String implements fmt.Stringer.
func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// Boundaries returns the ordered bucket boundaries of r at granularity g,
// starting with r.Start and ending with r.End. The last bucket is clamped
// to r.End.
func Boundaries(r TimeRange, g Granularity) []time.Time {
	if !r.Start.Before(r.End) {
		return nil
	}

	points := []time.Time{r.Start}
	for cur := r.Start; cur.Before(r.End); {
		next := g.Step(cur)
		if next.After(r.End) {
			next = r.End
		}
		points = append(points, next)
		cur = next
	}
	return points
}

// Split returns the contiguous, non-overlapping sub-ranges of r at g.
func Split(r TimeRange, g Granularity) []TimeRange {
	points := Boundaries(r, g)
	if len(points) < 2 {
		return nil
	}

	ranges := make([]TimeRange, 0, len(points)-1)
	for i := 0; i+1 < len(points); i++ {
		ranges = append(ranges, TimeRange{Start: points[i], End: points[i+1]})
	}
	return ranges
}
