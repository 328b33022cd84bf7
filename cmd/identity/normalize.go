package identity

import (
	"strconv"
	"strings"
)

// NormalizeUsername performs case-insensitive canonicalization.
// Note: for now we only trim + lower-case.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// FormatHandle renders a sequential id as its public handle ("#7").
func FormatHandle(n int64) string {
	return "#" + strconv.FormatInt(n, 10)
}

// ParseHandle accepts "#7" or "7" and returns the sequential id.
func ParseHandle(s string) (int64, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
