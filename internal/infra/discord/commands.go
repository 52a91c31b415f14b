package discord

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo/discord"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/app/filter"
	"github.com/osa030/voicebox/internal/app/playback"
	"github.com/osa030/voicebox/internal/app/session"
	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/domain/track"
)

// Command names.
const (
	cmdPlay       = "play"
	cmdPause      = "pause"
	cmdResume     = "resume"
	cmdSkip       = "skip"
	cmdStop       = "stop"
	cmdQueue      = "queue"
	cmdNowPlaying = "nowplaying"
	cmdShuffle    = "shuffle"
	cmdClear      = "clear"
	cmdAutoplay   = "autoplay"
	cmdHelp       = "help"
)

// maxListed is how many pending entries the queue reply shows.
const maxListed = 10

// Player is the playback surface the commands drive. *session.Manager
// implements it.
type Player interface {
	Enqueue(ctx context.Context, req session.Request) (session.Result, error)
	Skip(guildID string) (*track.Reference, error)
	Pause(guildID string) error
	Resume(guildID string) error
	Stop(ctx context.Context, guildID string) error
	Shuffle(guildID string) error
	Clear(guildID string) int
	Snapshot(guildID string) (playback.Snapshot, bool)
	SetAutoplay(guildID string, on bool)
	Autoplay(guildID string) bool
	OccupancyChanged(guildID string, humans int)
	VoiceChannel(guildID string) string
}

// Messages looks up user-facing text by code.
type Messages interface {
	GetMessage(code string) string
}

// commandDefinitions returns the slash commands to register.
func commandDefinitions() []discord.ApplicationCommandCreate {
	return []discord.ApplicationCommandCreate{
		discord.SlashCommandCreate{
			Name:        cmdPlay,
			Description: "Queue a track, playlist or search result",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{
					Name:        "query",
					Description: "URL or search words",
					Required:    true,
				},
			},
		},
		discord.SlashCommandCreate{Name: cmdPause, Description: "Pause playback"},
		discord.SlashCommandCreate{Name: cmdResume, Description: "Resume playback"},
		discord.SlashCommandCreate{Name: cmdSkip, Description: "Skip the current track"},
		discord.SlashCommandCreate{Name: cmdStop, Description: "Stop playback and leave the voice channel"},
		discord.SlashCommandCreate{Name: cmdQueue, Description: "Show the queue"},
		discord.SlashCommandCreate{Name: cmdNowPlaying, Description: "Show the current track"},
		discord.SlashCommandCreate{Name: cmdShuffle, Description: "Shuffle the pending tracks"},
		discord.SlashCommandCreate{Name: cmdClear, Description: "Remove every pending track"},
		discord.SlashCommandCreate{
			Name:        cmdAutoplay,
			Description: "Keep playing related tracks when the queue runs out",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionBool{
					Name:        "enabled",
					Description: "Turn autoplay on or off",
					Required:    true,
				},
			},
		},
		discord.SlashCommandCreate{Name: cmdHelp, Description: "List the commands"},
	}
}

// invocation is a slash command with the context the handlers need.
type invocation struct {
	Name           string
	GuildID        string
	UserID         string
	UserName       string
	VoiceChannelID string // Caller's voice channel, empty if not in one
	TextChannelID  string
	Query          string
	Enabled        bool
}

// dispatcher turns invocations into replies.
type dispatcher struct {
	player   Player
	messages Messages
}

// run executes inv and returns the reply text.
func (d *dispatcher) run(ctx context.Context, inv invocation) string {
	zlog.Info().Msgf("discord: command: guild=%s user=%s command=%s", inv.GuildID, inv.UserID, inv.Name)

	switch inv.Name {
	case cmdPlay:
		return d.play(ctx, inv)
	case cmdPause:
		if err := d.player.Pause(inv.GuildID); err != nil {
			return d.fail(inv, err)
		}
		return "Paused."
	case cmdResume:
		if err := d.player.Resume(inv.GuildID); err != nil {
			return d.fail(inv, err)
		}
		return "Resumed."
	case cmdSkip:
		skipped, err := d.player.Skip(inv.GuildID)
		if err != nil {
			return d.fail(inv, err)
		}
		return fmt.Sprintf("Skipped **%s**.", skipped.Title())
	case cmdStop:
		if err := d.player.Stop(ctx, inv.GuildID); err != nil {
			return d.fail(inv, err)
		}
		return "Stopped and left the voice channel."
	case cmdQueue:
		snap, _ := d.player.Snapshot(inv.GuildID)
		return formatQueue(snap, d.player.Autoplay(inv.GuildID))
	case cmdNowPlaying:
		snap, ok := d.player.Snapshot(inv.GuildID)
		if !ok || snap.Current == nil {
			return d.messages.GetMessage("nothing_playing")
		}
		return formatNowPlaying(snap)
	case cmdShuffle:
		if err := d.player.Shuffle(inv.GuildID); err != nil {
			return d.fail(inv, err)
		}
		return "Shuffled."
	case cmdClear:
		n := d.player.Clear(inv.GuildID)
		return fmt.Sprintf("Removed %d pending tracks.", n)
	case cmdAutoplay:
		d.player.SetAutoplay(inv.GuildID, inv.Enabled)
		if inv.Enabled {
			return "Autoplay is on."
		}
		return "Autoplay is off."
	case cmdHelp:
		return helpText()
	default:
		return d.messages.GetMessage("")
	}
}

func (d *dispatcher) play(ctx context.Context, inv invocation) string {
	res, err := d.player.Enqueue(ctx, session.Request{
		GuildID:        inv.GuildID,
		VoiceChannelID: inv.VoiceChannelID,
		TextChannelID:  inv.TextChannelID,
		Query:          inv.Query,
		Requester: track.Requester{
			ID:   inv.UserID,
			Name: inv.UserName,
			Type: track.RequesterTypeUser,
		},
	})
	if err != nil && res.Admitted == 0 && len(res.Filtered) == 0 {
		return d.fail(inv, err)
	}

	var b strings.Builder
	switch {
	case res.Admitted == 1 && len(res.Titles) == 1:
		fmt.Fprintf(&b, "Queued **%s**.", res.Titles[0])
	case res.Admitted > 0:
		fmt.Fprintf(&b, "Queued %d tracks.", res.Admitted)
	default:
		b.WriteString("Nothing was queued.")
	}
	if res.Rejected > 0 {
		fmt.Fprintf(&b, "\n%d not added: %s", res.Rejected, d.messages.GetMessage("queue_full"))
	}
	for _, line := range d.rejections(res.Filtered) {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

// rejections summarises filter rejections by reason.
func (d *dispatcher) rejections(rs []filter.Rejection) []string {
	if len(rs) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, r := range rs {
		counts[r.Code]++
	}
	codes := make([]string, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	lines := make([]string, 0, len(codes))
	for _, code := range codes {
		lines = append(lines, fmt.Sprintf("%d skipped: %s", counts[code], d.messages.GetMessage(code)))
	}
	return lines
}

// fail maps err to a reply and logs unexpected failures.
func (d *dispatcher) fail(inv invocation, err error) string {
	code := errorCode(err)
	if !expected(err) {
		zlog.Warn().Msgf("discord: command failed: guild=%s command=%s err=%v", inv.GuildID, inv.Name, err)
	}
	return d.messages.GetMessage(code)
}

// errorCode returns the message code for err.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotInVoice):
		return "not_in_voice"
	case errors.Is(err, session.ErrNoResults), errors.Is(err, session.ErrEmptyQuery):
		return "no_results"
	case errors.Is(err, playerr.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, playerr.ErrNothingPlaying):
		return "nothing_playing"
	case errors.Is(err, playerr.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, playerr.ErrNotEnoughTracks):
		return "not_enough_tracks"
	case playerr.IsConnection(err):
		return "connect_failed"
	case playerr.IsExtraction(err):
		return "extraction_failed"
	default:
		return ""
	}
}

// expected reports errors that are the caller's doing.
func expected(err error) bool {
	return playerr.IsUserError(err) ||
		errors.Is(err, session.ErrNotInVoice) ||
		errors.Is(err, session.ErrNoResults) ||
		errors.Is(err, session.ErrEmptyQuery)
}

func formatNowPlaying(snap playback.Snapshot) string {
	cur := snap.Current
	s := fmt.Sprintf("Now playing: **%s**%s (%s)", cur.Title(), formatDuration(trackDuration(cur)), cur.Requester.Name)
	if snap.State == playback.StatePaused {
		s += " [paused]"
	}
	return s
}

func formatQueue(snap playback.Snapshot, autoplay bool) string {
	var b strings.Builder
	if snap.Current != nil {
		b.WriteString(formatNowPlaying(snap))
		b.WriteString("\n")
	}

	if len(snap.Pending) == 0 {
		b.WriteString("The queue is empty.")
	} else {
		b.WriteString("Up next:")
		for i, ref := range snap.Pending {
			if i >= maxListed {
				fmt.Fprintf(&b, "\n...and %d more", len(snap.Pending)-maxListed)
				break
			}
			fmt.Fprintf(&b, "\n%d. %s%s (%s)", i+1, ref.Title(), formatDuration(trackDuration(ref)), ref.Requester.Name)
		}
	}

	if autoplay {
		b.WriteString("\nAutoplay: on")
	}
	return b.String()
}

func trackDuration(ref *track.Reference) time.Duration {
	if md, ok := ref.Metadata(); ok && md.Duration > 0 {
		return md.Duration
	}
	return ref.Duration
}

// formatDuration renders " [m:ss]" or " [h:mm:ss]", empty when unknown.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	total := int(d.Round(time.Second).Seconds())
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf(" [%d:%02d:%02d]", h, m, s)
	}
	return fmt.Sprintf(" [%d:%02d]", m, s)
}

func helpText() string {
	var b strings.Builder
	b.WriteString("Commands:")
	for _, cmd := range commandDefinitions() {
		c := cmd.(discord.SlashCommandCreate)
		fmt.Fprintf(&b, "\n/%s - %s", c.Name, c.Description)
	}
	return b.String()
}
