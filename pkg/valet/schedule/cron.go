// cron.go translates declarative cron expressions (weekday 0=Sunday,
// numeric) into the form the robfig/cron backend consumes (named days), and
// wraps parsing so callers never hand an unconverted expression to the
// backend.
package schedule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// dayNames maps declarative weekday numbers (0=Sunday) to the backend's
// day names. 7 is accepted as an alias for Sunday.
var dayNames = [...]string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}

// cronParser is the 5-field standard parser plus @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ConvertWeekdays rewrites the day-of-week field of a 5-field cron
// expression from numeric (0=Sunday) to named days. Lists, ranges, steps
// and `*` are handled; already-named tokens pass through unchanged, so the
// conversion is stable under repeated application.
func ConvertWeekdays(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@") {
		return expr, nil
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	converted, err := convertDowField(fields[4])
	if err != nil {
		return "", fmt.Errorf("day-of-week field %q: %w", fields[4], err)
	}
	fields[4] = converted
	return strings.Join(fields, " "), nil
}

// convertDowField converts one day-of-week field: a comma list of tokens,
// each optionally a range with an optional step.
func convertDowField(field string) (string, error) {
	parts := strings.Split(field, ",")
	for i, part := range parts {
		token, step, hasStep := strings.Cut(part, "/")

		var out string
		switch {
		case token == "*" || token == "?":
			out = token
		case strings.Contains(token, "-"):
			lo, hi, _ := strings.Cut(token, "-")
			cl, err := convertDayToken(lo)
			if err != nil {
				return "", err
			}
			ch, err := convertDayToken(hi)
			if err != nil {
				return "", err
			}
			out = cl + "-" + ch
		default:
			c, err := convertDayToken(token)
			if err != nil {
				return "", err
			}
			out = c
		}

		if hasStep {
			if _, err := strconv.Atoi(step); err != nil {
				return "", fmt.Errorf("invalid step %q", step)
			}
			out += "/" + step
		}
		parts[i] = out
	}
	return strings.Join(parts, ","), nil
}

// convertDayToken converts a single numeric day (0-7, 0 and 7 both Sunday)
// to its name. Non-numeric tokens (already names) pass through.
func convertDayToken(token string) (string, error) {
	n, err := strconv.Atoi(token)
	if err != nil {
		return token, nil
	}
	if n == 7 {
		n = 0
	}
	if n < 0 || n > 6 {
		return "", fmt.Errorf("weekday %d out of range 0-7", n)
	}
	return dayNames[n], nil
}

// ParseCron converts weekdays and parses the expression with the backend
// parser, returning the backend schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	converted, err := ConvertWeekdays(expr)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(converted)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", converted, err)
	}
	return sched, nil
}
