// Package utils holds small parsing helpers for the HTTP layer.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault parses s as a base-10 int, ignoring surrounding spaces. It
// returns def when s is blank or not a number.
//
//	utils.AtoiDefault("42", 50)  // 42
//	utils.AtoiDefault(" ", 50)   // 50
//	utils.AtoiDefault("ten", 50) // 50
func AtoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
