package middleware

import (
	"errors"
	"unicode/utf8"
)

// ValidateQuestion validates a chat question at the API boundary.
func ValidateQuestion(question string) error {
	if len(question) == 0 {
		return errors.New("question cannot be empty")
	}
	if len(question) > 100000 { // ~100KB limit
		return errors.New("question exceeds maximum length")
	}
	if !utf8.ValidString(question) {
		return errors.New("question must be valid UTF-8")
	}
	return nil
}
