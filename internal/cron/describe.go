package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var aliasText = map[string]string{
	"@yearly":   "once a year, at midnight on January 1",
	"@annually": "once a year, at midnight on January 1",
	"@monthly":  "once a month, at midnight on the 1st",
	"@weekly":   "once a week, at midnight on Sunday",
	"@daily":    "every day at midnight",
	"@midnight": "every day at midnight",
	"@hourly":   "every hour, at minute 0",
}

var weekdayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Describe returns a human-readable summary of expr. The text is diagnostic
// only and never used for scheduling.
func Describe(expr string) (string, error) {
	s, err := Parse(expr)
	if err != nil {
		return "", err
	}
	if s.spec == nil {
		return "every " + formatInterval(s.interval), nil
	}
	fields := strings.Fields(s.expr)
	if len(fields) > 0 && (strings.HasPrefix(fields[0], "TZ=") || strings.HasPrefix(fields[0], "CRON_TZ=")) {
		fields = fields[1:]
	}
	if len(fields) == 1 {
		if text, ok := aliasText[strings.ToLower(fields[0])]; ok {
			return text, nil
		}
	}
	if len(fields) != 5 {
		return s.expr, nil
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	var b strings.Builder
	switch {
	case isNumber(minute) && isNumber(hour):
		m, _ := strconv.Atoi(minute)
		h, _ := strconv.Atoi(hour)
		fmt.Fprintf(&b, "at %02d:%02d", h, m)
	case minute == "*" && hour == "*":
		b.WriteString("every minute")
	case isNumber(minute) && hour == "*":
		fmt.Fprintf(&b, "every hour at minute %s", minute)
	case strings.HasPrefix(minute, "*/") && hour == "*":
		fmt.Fprintf(&b, "every %s minutes", strings.TrimPrefix(minute, "*/"))
	default:
		fmt.Fprintf(&b, "at minute %s past hour %s", minute, hour)
	}

	switch {
	case dom == "*" && dow == "*":
	case dom == "*":
		fmt.Fprintf(&b, " on %s", describeWeekdays(dow))
	case dow == "*":
		fmt.Fprintf(&b, " on day %s of the month", dom)
	default:
		fmt.Fprintf(&b, " on day %s of the month or on %s", dom, describeWeekdays(dow))
	}
	if month != "*" {
		fmt.Fprintf(&b, " in month %s", month)
	}
	return b.String(), nil
}

func describeWeekdays(field string) string {
	if field == "1-5" || strings.EqualFold(field, "mon-fri") {
		return "weekdays"
	}
	if field == "0,6" || field == "6,0" || strings.EqualFold(field, "sat,sun") || strings.EqualFold(field, "sun,sat") {
		return "weekends"
	}
	if n, err := strconv.Atoi(field); err == nil && n >= 0 && n < len(weekdayNames) {
		return weekdayNames[n]
	}
	return "weekday " + field
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func formatInterval(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return pluralize(int64(d/time.Hour), "hour")
	case d%time.Minute == 0:
		return pluralize(int64(d/time.Minute), "minute")
	case d%time.Second == 0:
		return pluralize(int64(d/time.Second), "second")
	default:
		return d.String()
	}
}

func pluralize(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
