package reader

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var relativePattern = regexp.MustCompile(`^(\d+)\s+(second|minute|hour|day|week|month|year)s?\s+ago$`)

// parseDate turns a machine or human date string into a timestamp.
// Relative phrases such as "3 days ago" or "yesterday" are resolved against
// now; anything else goes through the loose absolute-date parser.
// Unparseable input yields nil, never an error.
func parseDate(s string, now time.Time) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	lower := strings.ToLower(s)
	switch lower {
	case "just now", "now", "today":
		t := now
		return &t
	case "yesterday":
		t := now.AddDate(0, 0, -1)
		return &t
	}

	if m := relativePattern.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil
		}
		var t time.Time
		switch m[2] {
		case "second":
			t = now.Add(-time.Duration(n) * time.Second)
		case "minute":
			t = now.Add(-time.Duration(n) * time.Minute)
		case "hour":
			t = now.Add(-time.Duration(n) * time.Hour)
		case "day":
			t = now.AddDate(0, 0, -n)
		case "week":
			t = now.AddDate(0, 0, -7*n)
		case "month":
			t = now.AddDate(0, -n, 0)
		case "year":
			t = now.AddDate(-n, 0, 0)
		}
		return &t
	}

	t, err := dateparse.ParseAny(s)
	if err != nil {
		return nil
	}
	return &t
}
