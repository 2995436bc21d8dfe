package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesOnKind(t *testing.T) {
	err := New(KindValidation, "Message cannot be empty.")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrUnauthorized))

	wrapped := fmt.Errorf("post: %w", err)
	assert.True(t, errors.Is(wrapped, ErrValidation))
	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.Equal(t, "Message cannot be empty.", Message(wrapped, "fallback"))
}

func TestSpecificSentinelsStayDistinct(t *testing.T) {
	empty := New(KindValidation, "empty")
	tooLong := New(KindValidation, "too long")
	assert.True(t, errors.Is(empty, ErrValidation))
	assert.True(t, errors.Is(fmt.Errorf("x: %w", empty), empty))
	assert.False(t, errors.Is(empty, tooLong))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindStore, "Database error. Please try again later.", cause)
	assert.True(t, errors.Is(err, ErrStore))
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, Wrap(KindStore, "x", nil))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		ErrUnauthorized:           http.StatusUnauthorized,
		ErrForbidden:              http.StatusForbidden,
		ErrValidation:             http.StatusBadRequest,
		ErrConflict:               http.StatusConflict,
		ErrRateLimited:            http.StatusTooManyRequests,
		ErrStore:                  http.StatusServiceUnavailable,
		errors.New("unclassified"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}

func TestMessageFallback(t *testing.T) {
	assert.Equal(t, "fallback", Message(errors.New("raw"), "fallback"))
	assert.Equal(t, "fallback", Message(ErrStore, "fallback"))
}
