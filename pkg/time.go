package pkg

import (
	"strconv"
	"strings"
	"time"
)

// StartOfDay truncates t to local midnight.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Local().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

// SameDay reports whether a and b fall on the same local calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

// DaysSince returns the number of whole days between from and now, never
// less than 1 so it is safe as an average divisor.
func DaysSince(from, now time.Time) int {
	days := int(now.Sub(from).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}

// timeUnit holds information for a single unit of time.
type timeUnit struct {
	ShortName string
	Value     time.Duration
}

// Pre-defined time units from largest to smallest for formatting logic.
var units = []timeUnit{
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
}

// FormatUptime renders a duration as up to two of its largest units,
// e.g. "3d4h" or "12m30s". Sub-second durations render as "0s".
func FormatUptime(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}

	var builder strings.Builder
	remaining := d
	parts := 0

	for _, unit := range units {
		if remaining < unit.Value {
			continue
		}
		count := remaining / unit.Value
		builder.WriteString(strconv.FormatInt(int64(count), 10))
		builder.WriteString(unit.ShortName)
		remaining %= unit.Value
		parts++
		if parts == 2 || remaining == 0 {
			break
		}
	}

	return builder.String()
}
