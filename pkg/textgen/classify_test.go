package textgen

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		status    int
	}{
		{"gemini rate limit", genai.APIError{Code: 429, Message: "quota"}, true, 429},
		{"gemini server error", fmt.Errorf("call: %w", genai.APIError{Code: 503}), true, 503},
		{"gemini bad request", genai.APIError{Code: 400}, false, 400},
		{"deadline", context.DeadlineExceeded, true, 0},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true, 0},
		{"unknown", errors.New("invalid model"), false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("gemini", tt.err)

			var te *Error
			assert.True(t, errors.As(err, &te))
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, tt.status, te.Status)
			assert.NotNil(t, te.Err)
		})
	}
}

func TestClassifyPassesThrough(t *testing.T) {
	assert.NoError(t, Classify("x", nil))
	assert.Equal(t, context.Canceled, Classify("x", context.Canceled))

	already := &Error{Kind: Transient, Provider: "x", Err: errors.New("boom")}
	assert.Same(t, already, Classify("y", already))
}
