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

// PageParams parses page and page_size query values. page falls back to 1,
// size to def, and size is capped at max when max > 0.
func PageParams(pageStr, sizeStr string, def, max int) (page, size int) {
	page = AtoiDefault(pageStr, 1)
	if page < 1 {
		page = 1
	}
	size = AtoiDefault(sizeStr, def)
	if size < 1 {
		size = def
	}
	if max > 0 && size > max {
		size = max
	}
	return page, size
}
