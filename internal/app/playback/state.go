// Package playback provides the per-channel playback controller.
package playback

// State represents the playback state of a channel.
type State int

const (
	StateIdle         State = iota // Connected, nothing playing
	StateConnecting                // Joining the voice channel
	StateResolving                 // Resolving the next entry
	StatePlaying                   // Track is playing
	StatePaused                    // Track is paused
	StateDisconnected              // Session torn down
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateResolving:
		return "resolving"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
