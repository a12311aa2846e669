// Package discord is the chat-platform connector: it mirrors team chat
// into per-team channels through impersonating webhooks, posts system
// notices as embeds, maintains an editable status message per team, and
// exposes the moderation slash commands that feed the outbound queues.
package discord

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/gbrelay-project/gbrelay/internal/config"
	"github.com/gbrelay-project/gbrelay/internal/state"
	"github.com/gbrelay-project/gbrelay/internal/util"
)

// webhookPrefix names the per-channel webhooks this connector owns.
const webhookPrefix = "gb-"

const defaultEmbedColour = 0x5865F2

// PlayerInfoFunc resolves a player id to a printable profile summary.
// Wired by the caller; nil disables the ?playerinfo command.
type PlayerInfoFunc func(playerID string) (string, error)

// Connector owns the Discord session. It implements the relay's
// Publisher boundary and translates inbound commands into outbound-queue
// entries the next relay cycle delivers.
type Connector struct {
	cfg     *config.Config
	state   *state.Manager
	lookup  PlayerInfoFunc
	session *discordgo.Session
	logger  zerolog.Logger

	mu       sync.Mutex
	webhooks map[string]*discordgo.Webhook

	// colours maps channel id to its team's embed colour.
	colours map[string]int
}

// NewConnector builds a connector. lookup may be nil.
func NewConnector(cfg *config.Config, st *state.Manager, lookup PlayerInfoFunc) *Connector {
	colours := make(map[string]int)
	for _, team := range cfg.GetTeams() {
		colours[team.Channel] = parseColour(team.Colour)
	}
	return &Connector{
		cfg:      cfg,
		state:    st,
		lookup:   lookup,
		logger:   util.ComponentLogger("discord"),
		webhooks: make(map[string]*discordgo.Webhook),
		colours:  colours,
	}
}

func parseColour(s string) int {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return defaultEmbedColour
	}
	v, err := strconv.ParseInt(s, 16, 32)
	if err != nil {
		return defaultEmbedColour
	}
	return int(v)
}

// Open connects the session, registers the command handlers, and upserts
// the slash commands in every configured guild.
func (c *Connector) Open() error {
	discord := c.cfg.GetDiscord()
	s, err := discordgo.New("Bot " + discord.Token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	s.AddHandler(c.handleInteraction)
	s.AddHandler(c.handleMessage)

	if err := s.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	c.session = s

	for _, guildID := range discord.GuildIDs {
		if err := c.registerCommands(guildID); err != nil {
			c.logger.Error().Err(err).Str("guild", guildID).Msg("Failed to register slash commands")
		}
	}

	c.logger.Info().Int("guilds", len(discord.GuildIDs)).Msg("Discord connector ready")
	return nil
}

// Close shuts the session down.
func (c *Connector) Close() error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

// PublishChat delivers one chat line impersonating the in-game author,
// via the channel's owned webhook.
func (c *Connector) PublishChat(channel, author, text string) error {
	hook, err := c.webhookFor(channel)
	if err != nil {
		return err
	}
	_, err = c.session.WebhookExecute(hook.ID, hook.Token, false, &discordgo.WebhookParams{
		Content:  text,
		Username: author,
	})
	if err != nil {
		return fmt.Errorf("failed to execute webhook for channel %s: %w", channel, err)
	}
	return nil
}

// PublishNotice posts a system line as an embed in the team's colour.
func (c *Connector) PublishNotice(channel, text string) error {
	colour, ok := c.colours[channel]
	if !ok {
		colour = defaultEmbedColour
	}
	_, err := c.session.ChannelMessageSendEmbed(channel, &discordgo.MessageEmbed{
		Description: text,
		Color:       colour,
	})
	if err != nil {
		return fmt.Errorf("failed to send notice to channel %s: %w", channel, err)
	}
	return nil
}

// PublishPlayerLookup posts the "?playerinfo -id <pid>" follow-up after a
// join narration, then answers it in place when a lookup is wired. The
// plain line keeps the player id copyable for moderators.
func (c *Connector) PublishPlayerLookup(channel, playerID string) error {
	if _, err := c.session.ChannelMessageSend(channel, "?playerinfo -id "+playerID); err != nil {
		return fmt.Errorf("failed to post player lookup in channel %s: %w", channel, err)
	}
	if c.lookup != nil {
		c.answerPlayerInfo(channel, playerID)
	}
	return nil
}

// PublishStatus edits the referenced status message in the status
// channel, or sends a fresh one when the ref is empty or the message is
// gone, returning the current message id.
func (c *Connector) PublishStatus(channel, ref, text string) (string, error) {
	target := c.cfg.GetDiscord().StatusChannel
	if target == "" {
		target = channel
	}

	if ref != "" {
		if _, err := c.session.ChannelMessageEdit(target, ref, text); err == nil {
			return ref, nil
		}
		// Message was deleted or the ref is stale; fall through to send.
	}

	msg, err := c.session.ChannelMessageSend(target, text)
	if err != nil {
		return "", fmt.Errorf("failed to send status message: %w", err)
	}
	return msg.ID, nil
}

// webhookFor returns the channel's owned webhook, creating it on first
// use and reusing it afterwards.
func (c *Connector) webhookFor(channel string) (*discordgo.Webhook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hook, ok := c.webhooks[channel]; ok {
		return hook, nil
	}

	name := webhookPrefix + channel
	existing, err := c.session.ChannelWebhooks(channel)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks for channel %s: %w", channel, err)
	}
	for _, hook := range existing {
		if hook.Name == name {
			c.webhooks[channel] = hook
			return hook, nil
		}
	}

	hook, err := c.session.WebhookCreate(channel, name, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook for channel %s: %w", channel, err)
	}
	c.webhooks[channel] = hook
	return hook, nil
}

// handleMessage answers the legacy text command
// "?playerinfo -id <player-id>" in any team channel.
func (c *Connector) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	fields := strings.Fields(m.Content)
	if len(fields) != 3 || fields[0] != "?playerinfo" || fields[1] != "-id" {
		return
	}
	if c.lookup == nil {
		return
	}
	c.answerPlayerInfo(m.ChannelID, fields[2])
}

// answerPlayerInfo posts the looked-up profile summary as an embed.
func (c *Connector) answerPlayerInfo(channel, playerID string) {
	summary, err := c.lookup(playerID)
	if err != nil {
		c.logger.Warn().Err(err).Str("player", playerID).Msg("Player info lookup failed")
		c.session.ChannelMessageSend(channel, "Could not fetch player info right now.")
		return
	}
	colour, ok := c.colours[channel]
	if !ok {
		colour = defaultEmbedColour
	}
	c.session.ChannelMessageSendEmbed(channel, &discordgo.MessageEmbed{
		Title:       "Player info",
		Description: summary,
		Color:       colour,
	})
}
