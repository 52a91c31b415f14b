package playback

import (
	"time"

	"github.com/osa030/voicebox/internal/domain/track"
)

// EventType represents a playback event type.
type EventType int

const (
	EventTrackStarted EventType = iota // Track started playing
	EventTrackEnded                    // Track finished or was skipped
	EventTrackFailed                   // Entry dropped after a resolution or start failure
	EventStateChanged                  // Pause, resume or connect
	EventQueueEmpty                    // Nothing left to play
	EventDisconnected                  // Session torn down
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventTrackStarted:
		return "track_started"
	case EventTrackEnded:
		return "track_ended"
	case EventTrackFailed:
		return "track_failed"
	case EventStateChanged:
		return "state_changed"
	case EventQueueEmpty:
		return "queue_empty"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event represents a playback event.
type Event struct {
	Type      EventType
	ChannelID string
	Track     *track.Reference // Copy of the entry concerned (nil for some events)
	State     State            // State after the event
	Err       error            // Failure reason for EventTrackFailed, or the transport error
	Reason    string           // Disconnect reason
	At        time.Time
}
