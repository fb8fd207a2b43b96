package agenterrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLegacy(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantCode Code
		wantMsg  string
	}{
		{"validation", "[VALIDATION_ERROR] bad input", CodeValidation, "bad input"},
		{"no space", "[NOT_FOUND]missing", CodeNotFound, "missing"},
		{"no prefix", "something broke", CodeUnknown, "something broke"},
		{"lowercase code", "[timeout] too slow", CodeTimeout, "too slow"},
		{"multiline message", "[SERVER_ERROR] line one\nline two", CodeServer, "line one\nline two"},
		{"empty", "", CodeUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := ParseLegacy(tt.in)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(CodeConnection, cause, "", WithSuggestion("start the agent"), WithDetail("host", "127.0.0.1"))

	assert.Equal(t, "[CONNECTION_ERROR] dial tcp: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "127.0.0.1", err.Details["host"])

	wrapped := fmt.Errorf("run failed: %w", err)
	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, "start the agent", got.Suggestion)
	assert.Equal(t, CodeConnection, CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, New(CodeConnection, "other")))
	assert.False(t, errors.Is(wrapped, New(CodeTimeout, "other")))
}

func TestCodeOf_Plain(t *testing.T) {
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeUnknown, New("", "x").Code)
}

func TestKnown(t *testing.T) {
	assert.True(t, CodeStream.Known())
	assert.False(t, Code("BOGUS").Known())
}
