package validation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrCityEmpty is returned when the city is empty or whitespace-only.
var ErrCityEmpty = errors.New("city is required")

// ErrCityTooShort is returned when the city length is below the minimum.
var ErrCityTooShort = errors.New("city too short")

// ErrCityTooLong is returned when the city length exceeds the maximum.
var ErrCityTooLong = errors.New("city too long")

// ErrCityInvalidChars is returned when the city contains disallowed characters.
var ErrCityInvalidChars = errors.New("city contains invalid characters")

var (
	ErrUsernameInvalid  = errors.New("username must be 3-32 letters, digits, '.', '_' or '-'")
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	ErrPasswordTooLong  = errors.New("password must be at most 128 characters")
)

// ValidateCity enforces length bounds (minLen, maxLen in runes) and restricts
// input to letters (Unicode), digits, space, comma, hyphen, period and apostrophe.
// The input is returned unchanged: city keys are used exactly as typed.
func ValidateCity(input string, minLen, maxLen int) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", ErrCityEmpty
	}
	r := []rune(input)
	n := len(r)
	if minLen > 0 && n < minLen {
		return "", ErrCityTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return input, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// ValidateUsername accepts 3 to 32 ASCII letters, digits, '.', '_' or '-'.
func ValidateUsername(username string) error {
	if n := len(username); n < 3 || n > 32 {
		return ErrUsernameInvalid
	}
	for _, c := range username {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return ErrUsernameInvalid
		}
	}
	return nil
}

// ValidatePassword enforces length only.
func ValidatePassword(password string) error {
	n := len([]rune(password))
	if n < 8 {
		return ErrPasswordTooShort
	}
	if n > 128 {
		return ErrPasswordTooLong
	}
	return nil
}
