// Package notification holds the append-only notification log: records,
// content validation, storage backends and the post/history service.
package notification

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/christopherjohns/noticeboard/internal/apperr"
	"github.com/christopherjohns/noticeboard/internal/identity"
)

// DefaultPageSize is the history page size.
const DefaultPageSize = 10

// MaxContentLength is the longest accepted notification, in characters.
const MaxContentLength = 499

var (
	ErrEmptyContent   = apperr.New(apperr.KindValidation, "Message cannot be empty.")
	ErrInvalidContent = apperr.New(apperr.KindValidation, "Message contains invalid characters or exceeds 499 characters.")
)

// Record is one persisted notification. Author fields are a snapshot taken
// when the record was written.
type Record struct {
	ID         string        `json:"id" bson:"_id"`
	AuthorID   string        `json:"user_id" bson:"user_id"`
	AuthorName string        `json:"username" bson:"username"`
	AuthorRole identity.Role `json:"role" bson:"role"`
	Content    string        `json:"content" bson:"content"`
	SentAt     time.Time     `json:"sent_at" bson:"sent_at"`
}

// ValidateContent checks raw submitted content and returns it trimmed.
func ValidateContent(raw string) (string, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", ErrEmptyContent
	}
	if !utf8.ValidString(raw) || utf8.RuneCountInString(raw) > MaxContentLength {
		return "", ErrInvalidContent
	}
	for _, r := range raw {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return "", ErrInvalidContent
		}
	}
	return content, nil
}
