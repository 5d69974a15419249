// internal/push/schedule.go
package push

import (
	"fmt"
	"strings"
	"time"
)

// Schedule is the ordered list of reconnect delays. Attempts past the end
// reuse the last delay.
type Schedule []time.Duration

// DefaultSchedule mirrors the hub client's automatic reconnect policy.
var DefaultSchedule = Schedule{0, 0, 0, 3 * time.Second, 5 * time.Second, 10 * time.Second}

// ZeroSchedule retries immediately, forever. Tests use it.
var ZeroSchedule = Schedule{0}

// Delay returns the wait before reconnect attempt n (zero-based).
func (s Schedule) Delay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s) {
		return s[len(s)-1]
	}
	return s[attempt]
}

// AtCeiling reports whether attempt already uses the final delay.
func (s Schedule) AtCeiling(attempt int) bool {
	return attempt >= len(s)-1
}

func (s Schedule) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

// ParseSchedule parses a comma separated list of durations such as
// "0s,0s,0s,3s,5s,10s".
func ParseSchedule(s string) (Schedule, error) {
	var out Schedule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "0" {
			out = append(out, 0)
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", s, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("parse schedule %q: negative delay %s", s, d)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("parse schedule %q: no delays", s)
	}
	return out, nil
}
