// Package discord connects the session manager to Discord: slash commands,
// voice connections and channel announcements.
package discord

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/godave/golibdave"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/app/playback"
	"github.com/osa030/voicebox/internal/domain/playerr"
)

// commandTimeout bounds a single command, including a voice connect.
const commandTimeout = 45 * time.Second

// Config holds the bot settings.
type Config struct {
	Token    string
	GuildIDs []string // Register commands per guild; empty registers globally
	Stream   StreamFunc
}

// Bot is the Discord front end.
type Bot struct {
	client   *bot.Client
	guildIDs []snowflake.ID
	stream   StreamFunc
	dispatch *dispatcher
}

// New creates the Discord client. Attach a player before Open.
func New(config Config, messages Messages) (*Bot, error) {
	guildIDs := make([]snowflake.ID, 0, len(config.GuildIDs))
	for _, id := range config.GuildIDs {
		gid, err := snowflake.Parse(id)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid guild id %q", id)
		}
		guildIDs = append(guildIDs, gid)
	}

	if config.Stream == nil {
		return nil, errors.New("discord: no stream function")
	}

	b := &Bot{
		guildIDs: guildIDs,
		stream:   config.Stream,
		dispatch: &dispatcher{messages: messages},
	}

	client, err := disgo.New(config.Token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildMembers,
				gateway.IntentGuildVoiceStates,
			),
			gateway.WithPresenceOpts(
				gateway.WithListeningActivity("/play"),
				gateway.WithOnlineStatus(discord.OnlineStatusOnline),
			),
		),
		bot.WithCacheConfigOpts(
			cache.WithCaches(cache.FlagGuilds, cache.FlagMembers, cache.FlagChannels, cache.FlagVoiceStates),
		),
		bot.WithVoiceManagerConfigOpts(
			voice.WithDaveSessionCreateFunc(golibdave.NewSession),
		),
		bot.WithEventListenerFunc(b.onReady),
		bot.WithEventListenerFunc(b.onCommand),
		bot.WithEventListenerFunc(b.onVoiceStateUpdate),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create discord client")
	}
	b.client = client
	return b, nil
}

// Attach sets the player the commands drive.
func (b *Bot) Attach(p Player) {
	b.dispatch.player = p
}

// Transport returns the voice transport of a guild.
func (b *Bot) Transport(guildID string) playback.Transport {
	gid, err := snowflake.Parse(guildID)
	if err != nil {
		zlog.Error().Msgf("discord: invalid guild id: guild=%s err=%v", guildID, err)
	}
	return &transport{client: b.client, guildID: gid, stream: b.stream}
}

// Open registers the commands and connects to the gateway.
func (b *Bot) Open(ctx context.Context) error {
	if b.dispatch.player == nil {
		return errors.New("discord: no player attached")
	}
	if err := b.syncCommands(); err != nil {
		return err
	}
	if err := b.client.OpenGateway(ctx); err != nil {
		return errors.Wrap(err, "failed to open gateway")
	}
	return nil
}

// Close disconnects from the gateway.
func (b *Bot) Close(ctx context.Context) {
	b.client.Close(ctx)
}

// Post sends a plain message to a text channel.
func (b *Bot) Post(channelID, content string) error {
	cid, err := snowflake.Parse(channelID)
	if err != nil {
		return errors.Wrapf(err, "invalid channel id %q", channelID)
	}
	_, err = b.client.Rest.CreateMessage(cid, discord.NewMessageCreateBuilder().SetContent(content).Build())
	return err
}

func (b *Bot) syncCommands() error {
	cmds := commandDefinitions()
	if len(b.guildIDs) == 0 {
		if _, err := b.client.Rest.SetGlobalCommands(b.client.ApplicationID, cmds); err != nil {
			return errors.Wrap(err, "failed to register global commands")
		}
		zlog.Info().Msgf("discord: registered global commands: count=%d", len(cmds))
		return nil
	}
	for _, gid := range b.guildIDs {
		if _, err := b.client.Rest.SetGuildCommands(b.client.ApplicationID, gid, cmds); err != nil {
			return errors.Wrapf(err, "failed to register commands: guild=%s", gid)
		}
		zlog.Info().Msgf("discord: registered guild commands: guild=%s count=%d", gid, len(cmds))
	}
	return nil
}

func (b *Bot) onReady(event *events.Ready) {
	zlog.Info().Msgf("discord: ready: user=%s guilds=%d", event.User.Username, len(event.Guilds))
}

func (b *Bot) onCommand(event *events.ApplicationCommandInteractionCreate) {
	data, ok := event.Data.(discord.SlashCommandInteractionData)
	if !ok {
		return
	}
	guildID := event.GuildID()
	if guildID == nil {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetContent("Commands only work in a server.").
			SetEphemeral(true).
			Build())
		return
	}

	inv := invocation{
		Name:          data.CommandName(),
		GuildID:       guildID.String(),
		UserID:        event.User().ID.String(),
		UserName:      event.User().EffectiveName(),
		TextChannelID: event.Channel().ID().String(),
	}
	if vs, ok := event.Client().Caches.VoiceState(*guildID, event.User().ID); ok && vs.ChannelID != nil {
		inv.VoiceChannelID = vs.ChannelID.String()
	}
	inv.Query, _ = data.OptString("query")
	inv.Enabled, _ = data.OptBool("enabled")

	if err := event.DeferCreateMessage(false); err != nil {
		zlog.Warn().Msgf("discord: defer failed: command=%s err=%v", inv.Name, err)
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				zlog.Error().Msgf("discord: command panicked: command=%s recover=%v", inv.Name, r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		reply := b.dispatch.run(ctx, inv)
		if _, err := event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.NewMessageUpdateBuilder().SetContent(reply).Build()); err != nil {
			zlog.Warn().Msgf("discord: reply failed: command=%s err=%v", inv.Name, err)
		}
	}()
}

func (b *Bot) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	player := b.dispatch.player
	if player == nil {
		return
	}
	guildID := event.VoiceState.GuildID
	selfID := event.Client().ID()

	// Kicked or disconnected from outside.
	if event.VoiceState.UserID == selfID && event.VoiceState.ChannelID == nil {
		if player.VoiceChannel(guildID.String()) == "" {
			return
		}
		zlog.Info().Msgf("discord: bot left voice externally: guild=%s", guildID)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := player.Stop(ctx, guildID.String()); err != nil && !errors.Is(err, playerr.ErrNotConnected) {
			zlog.Warn().Msgf("discord: stop after external disconnect failed: guild=%s err=%v", guildID, err)
		}
		return
	}

	channelID := player.VoiceChannel(guildID.String())
	if channelID == "" {
		return
	}

	var states []discord.VoiceState
	for st := range event.Client().Caches.VoiceStates(guildID) {
		states = append(states, st)
	}
	isBot := func(userID snowflake.ID) bool {
		m, ok := event.Client().Caches.Member(guildID, userID)
		return ok && m.User.Bot
	}
	player.OccupancyChanged(guildID.String(), countHumans(states, channelID, selfID, isBot))
}

// countHumans counts non-bot members in channelID.
func countHumans(states []discord.VoiceState, channelID string, selfID snowflake.ID, isBot func(snowflake.ID) bool) int {
	n := 0
	for _, st := range states {
		if st.ChannelID == nil || st.ChannelID.String() != channelID || st.UserID == selfID {
			continue
		}
		if isBot(st.UserID) {
			continue
		}
		n++
	}
	return n
}
