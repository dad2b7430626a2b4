// Package timespan parses the HH:MM:SS interval notation used in agent
// configuration files, with an optional leading day component (D.HH:MM:SS).
package timespan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse converts a timespan string into a duration. Accepted forms are
// "HH:MM:SS" and "D.HH:MM:SS". Hours may exceed 23 when no day component
// is present.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timespan")
	}

	var days int64
	rest := s
	if i := strings.IndexByte(s, '.'); i >= 0 {
		d, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil || d < 0 {
			return 0, fmt.Errorf("invalid day component in timespan %q", s)
		}
		days = d
		rest = s[i+1:]
	}

	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("timespan %q: want HH:MM:SS", s)
	}
	nums := make([]int64, 3)
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("timespan %q: invalid component %q", s, p)
		}
		nums[i] = n
	}
	if nums[1] > 59 || nums[2] > 59 {
		return 0, fmt.Errorf("timespan %q: minutes and seconds must be below 60", s)
	}
	if days > 0 && nums[0] > 23 {
		return 0, fmt.Errorf("timespan %q: hours must be below 24 when days are given", s)
	}

	total := time.Duration(days)*24*time.Hour +
		time.Duration(nums[0])*time.Hour +
		time.Duration(nums[1])*time.Minute +
		time.Duration(nums[2])*time.Second
	return total, nil
}

// Format renders a duration in D.HH:MM:SS form, omitting the day component
// when it is zero. Sub-second precision is truncated.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	days := secs / 86400
	secs %= 86400
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	if days > 0 {
		return fmt.Sprintf("%d.%02d:%02d:%02d", days, h, m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
