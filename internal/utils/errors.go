package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ErrNotLoggedIn returns an error for commands that need a session.
func ErrNotLoggedIn() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("not logged in"),
		Suggestion: "Run 'planner login' or 'planner login --telegram'",
	}
}

// ErrSessionExpired wraps a failed token refresh.
func ErrSessionExpired(err error) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("session expired: %w", err),
		Suggestion: "Log in again with 'planner login'",
	}
}

// ErrTaskNotFound returns an error for when a task is not found.
func ErrTaskNotFound(id int64) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("task not found: %d", id),
		Suggestion: "Use 'planner tasks' to see task IDs",
	}
}

// ErrSettingNotFound returns an error when a status, priority, duration or type lookup fails.
func ErrSettingNotFound(kind, name string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%s not found: %s", kind, name),
		Suggestion: fmt.Sprintf("Use 'planner settings %s list' to see available values", kind),
	}
}

// ErrServerUnreachable returns an error when the API cannot be reached with smart suggestions.
func ErrServerUnreachable(baseURL, reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("API at %s is unreachable: %s", baseURL, reason),
		Suggestion: getSmartSuggestion(reason),
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and PLANNER_API_URL points to it"
	}

	if strings.Contains(lowerReason, "timeout") || strings.Contains(lowerReason, "deadline exceeded") {
		return "The server may be slow or unreachable. Try again later"
	}

	return "Check your internet connection and try again"
}

// ErrInvalidDate returns an error for an invalid date string.
func ErrInvalidDate(dateStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid date: %s", dateStr),
		Suggestion: "Use date format YYYY-MM-DD (e.g., 2026-01-15)",
	}
}

// ErrInvalidSortOrder returns an error for a sort direction other than asc/desc.
func ErrInvalidSortOrder(order string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid sort order: %s", order),
		Suggestion: "Valid options: asc, desc",
	}
}

// ErrInvalidDurationType returns an error for an unknown duration unit.
func ErrInvalidDurationType(unit string, valid []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid duration type: %s", unit),
		Suggestion: fmt.Sprintf("Valid options: %s", strings.Join(valid, ", ")),
	}
}

// ErrAuthenticationFailed returns an error when login is rejected.
func ErrAuthenticationFailed(err error) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("authentication failed: %w", err),
		Suggestion: "Verify your username and password",
	}
}
