// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// PageParams parses 1-based page/limit query values. Unparseable or
// non-positive values fall back to page 1 and defLimit; limit is capped at
// maxLimit when maxLimit > 0.
//
// Example:
//
//	limit, page := utils.PageParams("5000", "x", 100, 1000) // 1000, 1
func PageParams(limitStr, pageStr string, defLimit, maxLimit int) (limit, page int) {
	limit = AtoiDefault(limitStr, defLimit)
	if limit <= 0 {
		limit = defLimit
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	page = AtoiDefault(pageStr, 1)
	if page <= 0 {
		page = 1
	}
	return limit, page
}
