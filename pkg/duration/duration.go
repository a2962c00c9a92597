// Package duration renders and parses human-readable durations.
// It extends Go's standard duration format with day and week units,
// which suit configuration values like retention windows.
package duration

import (
	"fmt"
	"strings"
	"time"
)

const (
	// Day is 24 hours.
	Day = 24 * time.Hour
	// Week is 7 days.
	Week = 7 * Day
)

// Parse reads a duration string. In addition to everything
// time.ParseDuration accepts, "d" (days) and "w" (weeks) units may
// appear, e.g. "1w2d12h" or "30d".
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	var total time.Duration
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && (rest[i] >= '0' && rest[i] <= '9' || rest[i] == '.') {
			i++
		}
		if i == 0 || i == len(rest) {
			return 0, fmt.Errorf("duration: invalid format %q", s)
		}
		num := rest[:i]

		// Consume the unit: everything up to the next digit.
		j := i
		for j < len(rest) && !(rest[j] >= '0' && rest[j] <= '9') {
			j++
		}
		unit := rest[i:j]
		rest = rest[j:]

		var part time.Duration
		switch unit {
		case "d", "w":
			base, err := time.ParseDuration(num + "h")
			if err != nil {
				return 0, fmt.Errorf("duration: invalid value %q", num+unit)
			}
			part = base * 24
			if unit == "w" {
				part *= 7
			}
		default:
			base, err := time.ParseDuration(num + unit)
			if err != nil {
				return 0, fmt.Errorf("duration: invalid value %q", num+unit)
			}
			part = base
		}
		total += part
	}

	if negative {
		total = -total
	}
	return total, nil
}

// MustParse is like Parse but panics on error. Use for constants.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders a duration using the largest units that fit, omitting
// zero components: 36h becomes "1d12h", 90s becomes "1m30s".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}

	emit := func(n time.Duration, unit string) {
		if n > 0 {
			fmt.Fprintf(&b, "%d%s", n, unit)
		}
	}

	emit(d/Week, "w")
	d %= Week
	emit(d/Day, "d")
	d %= Day
	emit(d/time.Hour, "h")
	d %= time.Hour
	emit(d/time.Minute, "m")
	d %= time.Minute
	emit(d/time.Second, "s")
	d %= time.Second
	emit(d/time.Millisecond, "ms")
	d %= time.Millisecond
	emit(d/time.Microsecond, "µs")
	d %= time.Microsecond
	emit(d, "ns")

	out := b.String()
	if out == "" || out == "-" {
		return "0s"
	}
	return out
}
