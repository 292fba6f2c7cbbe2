package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration accepts Go duration syntax ("30s", "1m30s"), bare integers
// interpreted as milliseconds ("1500"), and "HH:MM:SS" clock syntax.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if parts := strings.Split(s, ":"); len(parts) == 3 {
		h, errH := strconv.Atoi(parts[0])
		m, errM := strconv.Atoi(parts[1])
		sec, errS := strconv.Atoi(parts[2])
		if errH == nil && errM == nil && errS == nil {
			return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
		}
	}

	return 0, fmt.Errorf("invalid duration %q", raw)
}

// FormatSeconds renders a duration as seconds with two decimals, the format
// used by the run summary line.
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}
