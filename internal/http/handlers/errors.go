// Package handlers defines HTTP-layer error codes used by the ops endpoints.
//
// Codes are lowercase snake_case and mirror HTTP status semantics so that
// scripts driving the ops API can branch on them without parsing messages.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
