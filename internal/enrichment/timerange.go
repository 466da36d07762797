package enrichment

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseClock converts "m:ss" or "h:mm:ss" to seconds.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q: want m:ss or h:mm:ss", s)
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		total = total*60 + n
	}
	return total, nil
}

// FormatClock renders seconds as h:mm:ss.
func FormatClock(total int) string {
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// NormalizeRange parses "start-end" and returns the start in seconds together
// with the range rewritten as h:mm:ss-h:mm:ss.
func NormalizeRange(r string) (int, string, error) {
	start, end, ok := strings.Cut(r, "-")
	if !ok {
		return 0, "", fmt.Errorf("invalid time range %q", r)
	}
	s, err := ParseClock(start)
	if err != nil {
		return 0, "", err
	}
	e, err := ParseClock(end)
	if err != nil {
		return 0, "", err
	}
	return s, FormatClock(s) + "-" + FormatClock(e), nil
}
