package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxContentBytes bounds a single message body.
const MaxContentBytes = 8 * 1024

// PreviewRunes is the length of the list-rendering preview kept in MessageSummary.
const PreviewRunes = 120

// Regex compiled once at package initialization
var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	idRegex     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidID checks conversation, notification and course identifiers.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// NormalizeContent trims the body and enforces the emptiness and size rules.
func NormalizeContent(content string) (string, error) {
	if !utf8.ValidString(content) {
		return "", ErrInvalidEncoding
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if len(trimmed) > MaxContentBytes {
		return "", ErrContentTooLarge
	}
	return trimmed, nil
}

// Preview shortens content for MessageSummary.
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= PreviewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:PreviewRunes]) + "…"
}

// Validate ensures the notification request meets all requirements
func (r *NotificationRequest) Validate() error {
	if !IsValidUserID(r.UserID) {
		return ErrInvalidUserID
	}
	if strings.TrimSpace(r.Kind) == "" || strings.TrimSpace(r.Title) == "" {
		return ErrInvalidNotification
	}
	return nil
}

// DirectKey is the canonical key of an unordered user pair.
func DirectKey(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + "|" + userB
}

// UniqueIDs removes duplicates while preserving first-seen order.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique
}
