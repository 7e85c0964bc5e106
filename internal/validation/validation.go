package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var (
	// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
	ErrLocationEmpty = errors.New("location is required")
	// ErrLocationTooShort is returned when location length is below the minimum.
	ErrLocationTooShort = errors.New("location too short")
	// ErrLocationTooLong is returned when location length exceeds the maximum.
	ErrLocationTooLong = errors.New("location too long")
	// ErrLocationInvalidChars is returned when location contains disallowed characters.
	ErrLocationInvalidChars = errors.New("location contains invalid characters")
	// ErrDaysInvalid is returned when the day count is not a whole number.
	ErrDaysInvalid = errors.New("days must be a whole number")
)

// ValidateLocation trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to allowed characters: letters (Unicode), digits, space, comma, hyphen,
// period and apostrophe. The period and comma also admit "lat,lon" queries.
// Returns the trimmed string or an error suitable for 400 INVALID_LOCATION responses.
// Normalization (e.g. lowercase) is left to the service layer.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// ParseDays parses a requested day count. Empty input yields def; the result is clamped to
// 1..max. Non-integer input returns ErrDaysInvalid.
func ParseDays(raw string, def, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ClampDays(def, max), nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrDaysInvalid, raw)
	}
	return ClampDays(n, max), nil
}

// ClampDays bounds n to 1..max. A non-positive max only enforces the lower bound.
func ClampDays(n, max int) int {
	if n < 1 {
		return 1
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
