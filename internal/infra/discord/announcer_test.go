package discord

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/voicebox/internal/app/notification"
	"github.com/osa030/voicebox/internal/app/playback"
)

type posts struct {
	mu  sync.Mutex
	got []announcement
}

func (p *posts) post(channelID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, announcement{channelID: channelID, content: content})
	return nil
}

func (p *posts) list() []announcement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]announcement(nil), p.got...)
}

func TestAnnouncer(t *testing.T) {
	sink := &posts{}
	a := NewAnnouncer(sink.post, codeMessages{})
	defer a.Close()

	hub := notification.NewManager()
	defer hub.Close()
	hub.Subscribe(a, a.Events()...)

	hub.Broadcast(&notification.Notification{Type: playback.EventTrackStarted.String(), TextChannelID: "t1", Title: "Song", Requester: "alice"})
	hub.Broadcast(&notification.Notification{Type: playback.EventTrackEnded.String(), TextChannelID: "t1", Title: "Song"})
	hub.Broadcast(&notification.Notification{Type: playback.EventTrackStarted.String(), Title: "No channel"})
	hub.Broadcast(&notification.Notification{Type: playback.EventTrackFailed.String(), TextChannelID: "t2", Title: "Broken"})
	hub.Broadcast(&notification.Notification{Type: playback.EventDisconnected.String(), TextChannelID: "t1", Detail: playback.ReasonStopped})
	hub.Broadcast(&notification.Notification{Type: playback.EventDisconnected.String(), TextChannelID: "t1", Detail: playback.ReasonAlone})

	require.Eventually(t, func() bool { return len(sink.list()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []announcement{
		{channelID: "t1", content: "Now playing: **Song** (requested by alice)"},
		{channelID: "t2", content: "Skipped **Broken**: <extraction_failed>"},
		{channelID: "t1", content: "Left the voice channel because nobody was listening."},
	}, sink.list())
}

func TestAnnouncer_SendAfterClose(t *testing.T) {
	sink := &posts{}
	a := NewAnnouncer(sink.post, codeMessages{})
	a.Close()
	a.Close()

	assert.NoError(t, a.Send(&notification.Notification{Type: playback.EventTrackStarted.String(), TextChannelID: "t1", Title: "x"}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.list())
}
