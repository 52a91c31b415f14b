package discord

import (
	"fmt"
	"sync"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/app/notification"
	"github.com/osa030/voicebox/internal/app/playback"
)

// announceBuffer bounds posts waiting for the REST client.
const announceBuffer = 32

// PostFunc sends content to a text channel.
type PostFunc func(channelID, content string) error

type announcement struct {
	channelID string
	content   string
}

// Announcer posts track changes to the text channel a guild was last
// commanded from. It is a notification stream; posting happens on its own
// goroutine so a slow REST call never holds up the broadcast.
type Announcer struct {
	post     PostFunc
	messages Messages
	queue    chan announcement
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewAnnouncer starts an announcer posting through post.
func NewAnnouncer(post PostFunc, messages Messages) *Announcer {
	a := &Announcer{
		post:     post,
		messages: messages,
		queue:    make(chan announcement, announceBuffer),
		done:     make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Events returns the notification types the announcer posts about.
func (a *Announcer) Events() []string {
	return []string{
		playback.EventTrackStarted.String(),
		playback.EventTrackFailed.String(),
		playback.EventDisconnected.String(),
	}
}

// Send implements notification.Stream.
func (a *Announcer) Send(n *notification.Notification) error {
	if n.TextChannelID == "" {
		return nil
	}
	content := a.format(n)
	if content == "" {
		return nil
	}

	select {
	case <-a.done:
		return nil
	default:
	}
	select {
	case a.queue <- announcement{channelID: n.TextChannelID, content: content}:
	default:
		zlog.Warn().Msgf("discord: announcement dropped: channel=%s type=%s", n.TextChannelID, n.Type)
	}
	return nil
}

func (a *Announcer) format(n *notification.Notification) string {
	switch n.Type {
	case playback.EventTrackStarted.String():
		if n.Requester != "" {
			return fmt.Sprintf("Now playing: **%s** (requested by %s)", n.Title, n.Requester)
		}
		return fmt.Sprintf("Now playing: **%s**", n.Title)
	case playback.EventTrackFailed.String():
		return fmt.Sprintf("Skipped **%s**: %s", n.Title, a.messages.GetMessage("extraction_failed"))
	case playback.EventDisconnected.String():
		if n.Detail == playback.ReasonAlone {
			return "Left the voice channel because nobody was listening."
		}
	}
	return ""
}

func (a *Announcer) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case m := <-a.queue:
			if err := a.post(m.channelID, m.content); err != nil {
				zlog.Warn().Msgf("discord: announcement failed: channel=%s err=%v", m.channelID, err)
			}
		}
	}
}

// Close stops posting. Queued announcements are dropped.
func (a *Announcer) Close() {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
}
