package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/gbrelay-project/gbrelay/internal/relay"
)

// Slash command names. Moderation commands are admin-gated; the rest are
// open to any channel member.
const (
	cmdReply      = "reply"
	cmdNotify     = "notify"
	cmdAnnounce   = "announce"
	cmdYellowCard = "yellowcard"
	cmdRedCard    = "redcard"
	cmdBoot       = "boot"
)

func commandDefinitions() []*discordgo.ApplicationCommand {
	playerOpt := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "player",
		Description: "Player name or part of it",
		Required:    true,
	}
	textOpt := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "text",
		Description: "Message text",
		Required:    true,
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        cmdReply,
			Description: "Send a chat message into the team, signed with your name",
			Options:     []*discordgo.ApplicationCommandOption{textOpt},
		},
		{
			Name:        cmdNotify,
			Description: "Deliver a message to one player once they are online",
			Options:     []*discordgo.ApplicationCommandOption{playerOpt, textOpt},
		},
		{
			Name:        cmdAnnounce,
			Description: "Send an unsigned announcement into the team chat",
			Options:     []*discordgo.ApplicationCommandOption{textOpt},
		},
		{
			Name:        cmdYellowCard,
			Description: "Warn a player in team chat",
			Options:     []*discordgo.ApplicationCommandOption{playerOpt},
		},
		{
			Name:        cmdRedCard,
			Description: "Redlist a player: ban notice, boot, and boot on any rejoin",
			Options:     []*discordgo.ApplicationCommandOption{playerOpt},
		},
		{
			Name:        cmdBoot,
			Description: "Remove a player from the team without redlisting",
			Options:     []*discordgo.ApplicationCommandOption{playerOpt},
		},
	}
}

func isModerationCommand(name string) bool {
	switch name {
	case cmdYellowCard, cmdRedCard, cmdBoot:
		return true
	}
	return false
}

func (c *Connector) registerCommands(guildID string) error {
	appID := c.session.State.User.ID
	for _, def := range commandDefinitions() {
		if _, err := c.session.ApplicationCommandCreate(appID, guildID, def); err != nil {
			return fmt.Errorf("failed to create command %s: %w", def.Name, err)
		}
	}
	return nil
}

func (c *Connector) handleInteraction(s *discordgo.Session, ic *discordgo.InteractionCreate) {
	if ic.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := ic.ApplicationCommandData()

	userID, userName := interactionUser(ic)
	if userID == "" {
		return
	}

	if isModerationCommand(data.Name) && !c.cfg.IsAdmin(userID) {
		c.respond(s, ic, "You are not allowed to use this command.")
		return
	}

	opts := make(map[string]string, len(data.Options))
	for _, opt := range data.Options {
		opts[opt.Name] = opt.StringValue()
	}

	channel := ic.ChannelID
	var err error
	switch data.Name {
	case cmdReply:
		err = c.state.EnqueueOutbound(channel, userName, opts["text"])
	case cmdNotify:
		err = c.state.EnqueueOutbound(channel, "!"+opts["player"], opts["text"])
	case cmdAnnounce:
		err = c.state.EnqueueOutbound(channel, "", opts["text"])
	case cmdYellowCard:
		err = c.state.EnqueueOutbound(channel, relay.OriginYellow, opts["player"])
	case cmdRedCard:
		err = c.state.EnqueueOutbound(channel, relay.OriginRed, opts["player"])
	case cmdBoot:
		err = c.state.EnqueueOutbound(channel, relay.OriginBoot, opts["player"])
	default:
		return
	}

	if err != nil {
		c.logger.Error().Err(err).Str("command", data.Name).Msg("Failed to enqueue command")
		c.respond(s, ic, "Could not queue that, try again.")
		return
	}
	c.respond(s, ic, "Queued for the next relay cycle.")
}

func interactionUser(ic *discordgo.InteractionCreate) (id, name string) {
	if ic.Member != nil && ic.Member.User != nil {
		name = ic.Member.User.Username
		if ic.Member.Nick != "" {
			name = ic.Member.Nick
		}
		return ic.Member.User.ID, name
	}
	if ic.User != nil {
		return ic.User.ID, ic.User.Username
	}
	return "", ""
}

func (c *Connector) respond(s *discordgo.Session, ic *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to respond to interaction")
	}
}
