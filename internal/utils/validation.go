package utils

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// relativePattern matches relative date formats like +7d, -3d, +2w, +1m
var relativePattern = regexp.MustCompile(`^([+-])(\d+)([dwm])$`)

// parseRelativeDate parses "today", "tomorrow", "yesterday" and +/-N{d,w,m}.
// Returns nil, nil when the string is not a relative date.
func parseRelativeDate(dateStr string, now time.Time) (*time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	lower := strings.ToLower(dateStr)

	switch lower {
	case "today":
		return &today, nil
	case "tomorrow":
		t := today.AddDate(0, 0, 1)
		return &t, nil
	case "yesterday":
		t := today.AddDate(0, 0, -1)
		return &t, nil
	}

	matches := relativePattern.FindStringSubmatch(lower)
	if matches == nil {
		return nil, nil
	}

	num, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, ErrInvalidDate(dateStr)
	}
	if matches[1] == "-" {
		num = -num
	}

	var result time.Time
	switch matches[3] {
	case "d":
		result = today.AddDate(0, 0, num)
	case "w":
		result = today.AddDate(0, 0, num*7)
	case "m":
		result = today.AddDate(0, num, 0)
	}

	return &result, nil
}

// ParseDateFlag parses a date flag value.
// Supported relative formats: today, tomorrow, yesterday, +Nd, -Nd, +Nw, +Nm.
// Supported absolute formats: YYYY-MM-DD and RFC 3339.
// Returns nil, nil for an empty string.
func ParseDateFlag(dateStr string) (*time.Time, error) {
	return parseDateAt(dateStr, time.Now())
}

func parseDateAt(dateStr string, now time.Time) (*time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return nil, nil
	}

	t, err := parseRelativeDate(dateStr, now)
	if err != nil {
		return nil, err
	}
	if t != nil {
		return t, nil
	}

	if parsed, err := time.Parse(time.RFC3339, dateStr); err == nil {
		return &parsed, nil
	}

	parsed, err := time.ParseInLocation("2006-01-02", dateStr, now.Location())
	if err != nil {
		return nil, ErrInvalidDate(dateStr)
	}
	return &parsed, nil
}

// ValidateDeadlineRange checks that a deadline window is not inverted.
// Nil bounds are open and always valid.
func ValidateDeadlineRange(from, to *time.Time) error {
	if from == nil || to == nil {
		return nil
	}
	if from.After(*to) {
		return errors.New("deadline-from cannot be after deadline-to")
	}
	return nil
}

// NormalizeSortOrder lower-cases a sort direction, defaulting empty input to asc.
func NormalizeSortOrder(order string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(order)) {
	case "", "asc":
		return "asc", nil
	case "desc":
		return "desc", nil
	default:
		return "", ErrInvalidSortOrder(order)
	}
}
