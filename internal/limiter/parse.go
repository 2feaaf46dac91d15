package limiter

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRate parses a bandwidth_limit config value:
// a plain number of bytes/sec, or a number with a K/M/G suffix and an
// optional trailing "/s" (e.g. "1M", "1.5M/s", "500K"). An empty string
// means unlimited (rate 0).
func ParseRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	s = strings.TrimSuffix(s, "/s")
	s = strings.TrimSuffix(s, "/S")

	mult := 1.0
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k', 'K':
			mult = 1 << 10
			s = s[:n-1]
		case 'm', 'M':
			mult = 1 << 20
			s = s[:n-1]
		case 'g', 'G':
			mult = 1 << 30
			s = s[:n-1]
		}
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth_limit %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid bandwidth_limit %q: must not be negative", s)
	}

	return v * mult, nil
}
