package playback

import (
	"context"

	"github.com/osa030/voicebox/internal/domain/track"
)

// Transport joins voice channels.
type Transport interface {
	Connect(ctx context.Context, voiceChannelID string) (Session, error)
}

// Session is one voice connection.
type Session interface {
	// Play starts streaming and returns once audio is flowing. A source
	// that fails before that is reported by the returned error. Otherwise
	// onFinished is called exactly once when the stream ends naturally,
	// fails, or is stopped.
	Play(ctx context.Context, streamURL string, onFinished func(error)) error
	Pause() error
	Resume() error
	// Stop ends the current stream, if any.
	Stop() error
	Disconnect(ctx context.Context) error
	IsPlaying() bool
	IsPaused() bool
}

// Resolver turns a reference into playable metadata.
type Resolver interface {
	Resolve(ctx context.Context, ref *track.Reference) (track.Metadata, error)
	Prefetch(ref *track.Reference)
	// ForgetStream drops a cached stream address that failed to play.
	ForgetStream(md track.Metadata)
}
