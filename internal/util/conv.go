package util

import (
	"strconv"
	"strings"
)

// ParseOptionalFloat parses s as a float. An empty string yields 0.
func ParseOptionalFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// ParseLimit 解析分页条数，非法值回退到默认值并限制上限
func ParseLimit(s string, def, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
