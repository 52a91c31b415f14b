package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinTitle(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		artist string
		want   string
	}{
		{"no artist", "Song", "", "Song"},
		{"artist prefixed", "Song", "Band", "Band - Song"},
		{"artist already in title", "Band - Song (Live)", "band", "Band - Song (Live)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, joinTitle(tt.title, tt.artist))
		})
	}
}

func TestMusic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMusic().Search(ctx, "anything", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "ytmusic", NewMusic().Name())
	assert.Equal(t, "ytsearch", NewVideo().Name())
}
