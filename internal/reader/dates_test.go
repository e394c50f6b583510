package reader

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   string
		want *time.Time
	}{
		{"empty", "", nil},
		{"whitespace", "   ", nil},
		{"garbage", "sometime soon", nil},
		{"today", "Today", timePtr(now)},
		{"just now", "just now", timePtr(now)},
		{"yesterday", "yesterday", timePtr(now.AddDate(0, 0, -1))},
		{"hours ago", "2 hours ago", timePtr(now.Add(-2 * time.Hour))},
		{"singular hour", "1 hour ago", timePtr(now.Add(-time.Hour))},
		{"days ago", "3 days ago", timePtr(now.AddDate(0, 0, -3))},
		{"weeks ago", "2 weeks ago", timePtr(now.AddDate(0, 0, -14))},
		{"months ago", "6 months ago", timePtr(now.AddDate(0, -6, 0))},
		{"years ago", "1 year ago", timePtr(now.AddDate(-1, 0, 0))},
		{"iso date", "2025-01-10", timePtr(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))},
		{"rfc3339", "2025-01-10T08:30:00Z", timePtr(time.Date(2025, 1, 10, 8, 30, 0, 0, time.UTC))},
		{"human date", "Jan 10, 2025", timePtr(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseDate(tt.in, now)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("parseDate(%q) = %v, want nil", tt.in, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("parseDate(%q) = nil, want %v", tt.in, *tt.want)
			}
			if !got.Equal(*tt.want) {
				t.Errorf("parseDate(%q) = %v, want %v", tt.in, *got, *tt.want)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }
