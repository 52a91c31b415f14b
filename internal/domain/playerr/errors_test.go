package playerr

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestExtractionError_Timeout(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantTimeout bool
	}{
		{
			name:        "timeout is an extraction error",
			err:         NewTimeoutError("https://example.com/watch?v=1", context.DeadlineExceeded),
			wantTimeout: true,
		},
		{
			name:        "plain extraction error",
			err:         NewExtractionError("https://example.com/watch?v=2", errors.New("video unavailable")),
			wantTimeout: false,
		},
		{
			name:        "wrapped timeout",
			err:         errors.Wrap(NewTimeoutError("x", nil), "resolve"),
			wantTimeout: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, IsExtraction(tt.err))
			assert.Equal(t, tt.wantTimeout, errors.Is(tt.err, ErrTimeout))
		})
	}
}

func TestExtractionError_Unwrap(t *testing.T) {
	err := NewTimeoutError("x", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "timed out")
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("gateway unreachable")
	err := errors.Wrap(&ConnectionError{ChannelID: "42", Attempts: 3, Err: cause}, "connect")

	assert.True(t, IsConnection(err))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, IsExtraction(err))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestIsUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"queue full", ErrQueueFull, true},
		{"nothing playing", errors.Wrap(ErrNothingPlaying, "skip"), true},
		{"not connected", ErrNotConnected, true},
		{"not enough tracks", ErrNotEnoughTracks, true},
		{"extraction", NewExtractionError("x", nil), false},
		{"connection", &ConnectionError{ChannelID: "1", Attempts: 3}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUserError(tt.err))
		})
	}
}
