package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gbrelay-project/gbrelay/internal/backend"
	"github.com/gbrelay-project/gbrelay/internal/cards"
	"github.com/gbrelay-project/gbrelay/internal/config"
	"github.com/gbrelay-project/gbrelay/internal/events"
	"github.com/gbrelay-project/gbrelay/internal/protocol"
	"github.com/gbrelay-project/gbrelay/internal/state"
	"github.com/gbrelay-project/gbrelay/internal/util"
)

// Outbound queue origin tags. "yellow", "red" and "boot" are moderation
// directives whose text names the target player; a tag starting with "!"
// is a targeted notify held until the target is online; anything else is
// a relay author name and the text is chat to mirror into the team.
const (
	OriginYellow = "yellow"
	OriginRed    = "red"
	OriginBoot   = "boot"
)

// ErrCycleOverrun means the previous cycle was still running when the
// next one was due. The process is considered hung and should be
// restarted by its supervisor.
var ErrCycleOverrun = errors.New("previous relay cycle still running")

// Client is the slice of the backend client the orchestrator drives.
type Client interface {
	ListTeamChat(ctx context.Context, teamID string, entryCount int) ([]protocol.TeamMessage, error)
	SendTeamChatMessage(ctx context.Context, teamID, text string) error
	TeamRoster(ctx context.Context, teamID string) ([]protocol.TeamMember, error)
	PlayerInfo(ctx context.Context, playerID string) (*protocol.ScriptData, error)
	BootPlayer(ctx context.Context, teamID, playerID string) error
	PromotePlayer(ctx context.Context, teamID, playerID string) error
	DemotePlayer(ctx context.Context, teamID, playerID string) error
	ActiveMatchInfo(ctx context.Context, matchID string) (backend.MatchEndpoint, error)
	SellCard(ctx context.Context, cardID string, count int) error
	RequestPack(ctx context.Context, kind string) error
	Close() error
}

// Connector opens an authenticated backend client for one team's
// credentials. A fresh client is opened per team per cycle; the previous
// cycle's failures are retried simply by the next cycle reconnecting.
type Connector interface {
	Connect(ctx context.Context, creds backend.Credentials) (Client, error)
}

// ConnectorFunc adapts a dial function to the Connector interface.
type ConnectorFunc func(ctx context.Context, creds backend.Credentials) (Client, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, creds backend.Credentials) (Client, error) {
	return f(ctx, creds)
}

// Publisher is the chat-platform boundary: impersonated chat lines,
// system notices, and the editable per-team status message.
type Publisher interface {
	PublishChat(channel, author, text string) error
	PublishNotice(channel, text string) error
	// PublishPlayerLookup posts the player-info follow-up that accompanies
	// every join narration, so moderators see the joiner's profile without
	// asking for it.
	PublishPlayerLookup(channel, playerID string) error
	// PublishStatus edits the referenced status message, or sends a new
	// one when ref is empty or stale, returning the current ref.
	PublishStatus(channel, ref, text string) (string, error)
}

// MatchWatcher observes one running match and returns its player records.
type MatchWatcher interface {
	Watch(ctx context.Context, address string, port int, token string, timeout time.Duration) ([]protocol.PlayerRecord, error)
}

// Orchestrator runs the per-team polling cycle. A single instance owns
// the durable state; cycles never overlap (see Run).
type Orchestrator struct {
	cfg       *config.Config
	state     *state.Manager
	welcomed  *state.WelcomedSet
	connector Connector
	publisher Publisher
	watcher   MatchWatcher
	cardCfg   *cards.Config
	bus       *events.EventBus
	logger    zerolog.Logger

	running    atomic.Bool
	cycleCount atomic.Uint64
}

// NewOrchestrator wires the relay core. cardCfg may be nil when no team
// sells cards.
func NewOrchestrator(cfg *config.Config, st *state.Manager, connector Connector, publisher Publisher, watcher MatchWatcher, cardCfg *cards.Config, bus *events.EventBus) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		state:     st,
		welcomed:  state.NewWelcomedSet(),
		connector: connector,
		publisher: publisher,
		watcher:   watcher,
		cardCfg:   cardCfg,
		bus:       bus,
		logger:    util.ComponentLogger("relay"),
	}
}

// RunCycle executes one full cycle: every configured team, sequentially.
// It returns ErrCycleOverrun without doing any work if the previous cycle
// has not finished; the caller must treat that as a hung process.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		o.emit(events.Event{Type: events.EventRestartRequested, Source: "relay"})
		return ErrCycleOverrun
	}
	defer o.running.Store(false)

	cycle := o.cycleCount.Add(1)
	started := time.Now()
	o.emit(events.Event{Type: events.EventCycleStarted, Source: "relay", Payload: cycle})

	timers := o.cfg.GetApplicationData().Timers
	stepTimeout := time.Duration(timers.TeamStepTimeout) * time.Second

	var failed, posted int
	teams := o.cfg.GetTeams()
	for i := range teams {
		team := &teams[i]
		stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
		n, err := o.processTeam(stepCtx, team)
		cancel()
		posted += n
		if err != nil {
			// A failed flush means memory is ahead of disk; continuing
			// would repeat moderation actions after the next restart.
			if errors.Is(err, state.ErrPersistFailed) {
				o.logger.Error().Err(err).Str("team", team.Name).Msg("State flush failed, aborting")
				return fmt.Errorf("team %s: %w", team.Name, err)
			}
			failed++
			o.logger.Error().Err(err).Str("team", team.Name).Msg("Team cycle failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	o.emit(events.Event{Type: events.EventCycleFinished, Source: "relay", Payload: events.CycleSummaryPayload{
		Cycle:        cycle,
		Teams:        len(teams),
		TeamsFailed:  failed,
		EventsPosted: posted,
		DurationSec:  time.Since(started).Seconds(),
	}})
	return nil
}

// processTeam runs one team's slice of the cycle and returns how many
// chat events it delivered downstream.
func (o *Orchestrator) processTeam(ctx context.Context, team *config.TeamConfig) (int, error) {
	logger := o.logger.With().Str("team", team.Name).Logger()
	timers := o.cfg.GetApplicationData().Timers

	client, err := o.connector.Connect(ctx, backend.Credentials{Email: team.Email, Password: team.Password})
	if err != nil {
		return 0, fmt.Errorf("failed to connect for team %s: %w", team.Name, err)
	}
	defer client.Close()

	roster, err := client.TeamRoster(ctx, team.TeamID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch roster for team %s: %w", team.Name, err)
	}

	// While the account's real player is online the relayed session would
	// fight them for the login, so the team sits this cycle out.
	now := time.Now()
	if !team.IgnoreOnline {
		for _, m := range roster {
			if m.ID == team.PlayerID && backend.IsPlayerOnline(m, now, timers.OnlineGraceMS) {
				logger.Info().Msg("Player is online, skipping team this cycle")
				return 0, nil
			}
		}
	}

	if !team.ReadOnly {
		if err := o.deliverOutbound(ctx, client, team, roster, logger); err != nil {
			return 0, err
		}
	}

	posted, err := o.relayChat(ctx, client, team, logger)
	if err != nil {
		return posted, err
	}

	matchCount := o.spectateMatches(ctx, client, team, roster, logger)

	onlineNames := make([]string, 0, len(roster))
	for _, m := range roster {
		if backend.IsPlayerOnline(m, now, timers.OnlineGraceMS) {
			onlineNames = append(onlineNames, m.DisplayName)
		}
	}

	if err := o.publishStatus(team, roster, onlineNames, matchCount, logger); err != nil {
		return posted, err
	}

	o.emit(events.Event{Type: events.EventTeamStatus, Source: "relay", Payload: events.TeamStatusPayload{
		Team:         team.TeamID,
		TeamName:     team.Name,
		OnlineNames:  onlineNames,
		MatchCount:   matchCount,
		QueueDepth:   o.state.QueueDepth(team.Channel),
		EventsPosted: posted,
	}})

	if team.SellCards && o.cardCfg != nil {
		if err := o.sellCards(ctx, client, team, logger); err != nil {
			logger.Warn().Err(err).Msg("Card sale step failed")
		}
	}

	return posted, nil
}

// deliverOutbound drains the team's channel queue and applies each entry
// per its origin tag. Targeted "!" entries whose player is offline are
// requeued for the next cycle; everything else is consumed.
func (o *Orchestrator) deliverOutbound(ctx context.Context, client Client, team *config.TeamConfig, roster []protocol.TeamMember, logger zerolog.Logger) error {
	entries, err := o.state.DrainOutbound(team.Channel)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	messages := o.cfg.GetApplicationData().Messages
	timers := o.cfg.GetApplicationData().Timers
	var kept []state.QueuedMessage

	for i, entry := range entries {
		switch {
		case entry.OriginTag == OriginYellow:
			member, ok := backend.FindMember(roster, entry.Text)
			if !ok {
				logger.Warn().Str("target", entry.Text).Msg("Yellow card target not on roster")
				continue
			}
			if err := client.SendTeamChatMessage(ctx, team.TeamID, formatTemplates(messages.Warning, member.DisplayName)); err != nil {
				kept = append(kept, entry)
				logger.Warn().Err(err).Str("target", member.DisplayName).Msg("Failed to deliver warning")
				continue
			}
			if err := client.DemotePlayer(ctx, team.TeamID, member.ID); err != nil {
				logger.Warn().Err(err).Str("target", member.DisplayName).Msg("Failed to demote warned player")
			}
			o.emitModeration(team, "yellow", member)

		case entry.OriginTag == OriginRed:
			member, ok := backend.FindMember(roster, entry.Text)
			if !ok {
				logger.Warn().Str("target", entry.Text).Msg("Red card target not on roster")
				continue
			}
			if err := o.state.Ban(member.ID); err != nil {
				// The ban did not reach disk. Put the undelivered tail
				// back before surfacing the flush failure.
				if rqErr := o.state.Requeue(team.Channel, append(kept, entries[i:]...)); rqErr != nil {
					logger.Error().Err(rqErr).Msg("Failed to requeue after flush failure")
				}
				return err
			}
			client.SendTeamChatMessage(ctx, team.TeamID, formatTemplates(messages.Banned, member.DisplayName))
			if err := client.BootPlayer(ctx, team.TeamID, member.ID); err != nil {
				logger.Warn().Err(err).Str("target", member.DisplayName).Msg("Failed to boot banned player")
			}
			o.emitModeration(team, "red", member)

		case entry.OriginTag == OriginBoot:
			member, ok := backend.FindMember(roster, entry.Text)
			if !ok {
				logger.Warn().Str("target", entry.Text).Msg("Boot target not on roster")
				continue
			}
			if err := client.BootPlayer(ctx, team.TeamID, member.ID); err != nil {
				kept = append(kept, entry)
				continue
			}
			o.emitModeration(team, "boot", member)

		case strings.HasPrefix(entry.OriginTag, "!"):
			member, ok := backend.FindMember(roster, strings.TrimPrefix(entry.OriginTag, "!"))
			if !ok || !backend.IsPlayerOnline(member, time.Now(), timers.OnlineGraceMS) {
				kept = append(kept, entry)
				continue
			}
			if err := client.SendTeamChatMessage(ctx, team.TeamID, fmt.Sprintf("@%s %s", member.DisplayName, entry.Text)); err != nil {
				kept = append(kept, entry)
			}

		default:
			text := entry.Text
			if entry.OriginTag != "" {
				text = fmt.Sprintf("%s: %s", entry.OriginTag, entry.Text)
			}
			if err := client.SendTeamChatMessage(ctx, team.TeamID, text); err != nil {
				kept = append(kept, entry)
			}
		}
	}

	if len(kept) > 0 {
		return o.state.Requeue(team.Channel, kept)
	}
	return nil
}

// relayChat fetches new team chat, narrates it to the channel in
// timestamp order, and handles pending joins. The watermark advances only
// after each narration is actually delivered, so a crash mid-batch
// re-delivers rather than drops.
func (o *Orchestrator) relayChat(ctx context.Context, client Client, team *config.TeamConfig, logger zerolog.Logger) (int, error) {
	messages, err := client.ListTeamChat(ctx, team.TeamID, 50)
	if err != nil {
		return 0, fmt.Errorf("failed to list chat for team %s: %w", team.Name, err)
	}

	result := ClassifyEvents(messages, o.state.Watermark(team.TeamID), logger)

	posted := 0
	for _, n := range result.Narrations {
		var deliverErr error
		if n.Author != "" {
			deliverErr = o.publisher.PublishChat(team.Channel, n.Author, n.Text)
		} else {
			deliverErr = o.publisher.PublishNotice(team.Channel, n.Text)
		}
		if deliverErr != nil {
			return posted, fmt.Errorf("failed to deliver narration for team %s: %w", team.Name, deliverErr)
		}
		if n.Event.Payload.Type == protocol.ChatTypeJoin && n.Event.AuthorID != "" {
			if err := o.publisher.PublishPlayerLookup(team.Channel, n.Event.AuthorID); err != nil {
				logger.Warn().Err(err).Str("player", n.Event.AuthorID).Msg("Failed to post join player info")
			}
		}
		if _, err := o.state.RecordEventProcessed(team.TeamID, n.Event.Timestamp); err != nil {
			return posted, err
		}
		posted++
		o.emit(events.Event{Type: events.EventChatRelayed, Source: "relay", Payload: events.ChatRelayedPayload{
			Team:      team.TeamID,
			Author:    n.Event.Author,
			Kind:      n.Event.Payload.Type,
			Timestamp: n.Event.Timestamp,
		}})
	}

	o.handleJoins(ctx, client, team, result.Joined, logger)
	return posted, nil
}

// handleJoins welcomes or bans each player who joined this batch, at most
// once per id per process lifetime.
func (o *Orchestrator) handleJoins(ctx context.Context, client Client, team *config.TeamConfig, joined []Joiner, logger zerolog.Logger) {
	messages := o.cfg.GetApplicationData().Messages
	for _, j := range joined {
		if !o.welcomed.MarkWelcomed(j.ID) {
			continue
		}

		if o.state.IsBanned(j.ID) {
			client.SendTeamChatMessage(ctx, team.TeamID, formatTemplates(messages.Banned, j.Name))
			if err := client.BootPlayer(ctx, team.TeamID, j.ID); err != nil {
				logger.Warn().Err(err).Str("player", j.Name).Msg("Failed to boot redlisted joiner")
			}
			o.publisher.PublishNotice(team.Channel, fmt.Sprintf("Redlisted player **%s** tried to join and was booted", j.Name))
			o.emitModeration(team, "ban", protocol.TeamMember{ID: j.ID, DisplayName: j.Name})
			continue
		}

		if team.ReadOnly {
			continue
		}
		client.SendTeamChatMessage(ctx, team.TeamID, formatTemplates(messages.Welcome, j.Name))
		if err := client.PromotePlayer(ctx, team.TeamID, j.ID); err != nil {
			logger.Warn().Err(err).Str("player", j.Name).Msg("Failed to promote new member")
		}
		o.emitModeration(team, "welcome", protocol.TeamMember{ID: j.ID, DisplayName: j.Name})
	}
}

// spectateMatches observes each distinct active match on the roster and
// posts its player records. An unobservable match is logged and skipped.
func (o *Orchestrator) spectateMatches(ctx context.Context, client Client, team *config.TeamConfig, roster []protocol.TeamMember, logger zerolog.Logger) int {
	timers := o.cfg.GetApplicationData().Timers
	watchTimeout := time.Duration(timers.SpectateTimeout) * time.Second

	seen := make(map[string]bool)
	count := 0
	for _, m := range roster {
		matchID := m.ScriptData.ActiveMatch
		if matchID == "" || seen[matchID] {
			continue
		}
		seen[matchID] = true

		endpoint, err := client.ActiveMatchInfo(ctx, matchID)
		if err != nil {
			logger.Warn().Err(err).Str("match", matchID).Msg("Failed to resolve match endpoint")
			continue
		}

		records, err := o.watcher.Watch(ctx, endpoint.ServerIP, endpoint.ServerPort, endpoint.Token, watchTimeout)
		if err != nil {
			logger.Warn().Err(err).Str("match", matchID).Msg("Match unobservable")
			continue
		}
		count++

		lines := make([]string, 0, len(records))
		for _, r := range records {
			lines = append(lines, fmt.Sprintf("**%s** (lvl %d, %d trophies)", r.DisplayName, r.Level, r.Trophies))
		}
		o.publisher.PublishNotice(team.Channel,
			fmt.Sprintf("Match in progress with %s playing:\n%s", m.DisplayName, strings.Join(lines, "\n")))
	}
	return count
}

// publishStatus edits or sends the team's pinned status summary. Only a
// failed ref flush is returned; a platform delivery failure is retried by
// the next cycle anyway.
func (o *Orchestrator) publishStatus(team *config.TeamConfig, roster []protocol.TeamMember, onlineNames []string, matchCount int, logger zerolog.Logger) error {
	text := fmt.Sprintf("**%s** — %d members, %d online, %d active match(es)\nLast update: %s",
		team.Name, len(roster), len(onlineNames), matchCount, time.Now().Format("2006-01-02 15:04:05"))
	if len(onlineNames) > 0 {
		text += "\nOnline: " + strings.Join(onlineNames, ", ")
	}

	ref := o.state.StatusMessageRef(team.Name)
	newRef, err := o.publisher.PublishStatus(team.Channel, ref, text)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to publish status summary")
		return nil
	}
	if newRef != ref {
		if err := o.state.SetStatusMessageRef(team.Name, newRef); err != nil {
			return err
		}
	}
	return nil
}

// sellCards runs the card advisor for the team's own player and issues
// the resulting sell command when one is due.
func (o *Orchestrator) sellCards(ctx context.Context, client Client, team *config.TeamConfig, logger zerolog.Logger) error {
	info, err := client.PlayerInfo(ctx, team.PlayerID)
	if err != nil {
		return err
	}
	if info.Player == nil {
		return &protocol.ProtocolError{Op: "player info", Field: "player"}
	}

	inventory := toInventory(info.Player)
	canSell, duePacks := cards.CanSellNow(inventory, o.cardCfg, time.Now())

	// Pack openings fire on their own timers, whether or not a sale is
	// possible this cycle.
	for _, pack := range duePacks {
		if err := client.RequestPack(ctx, string(pack)); err != nil {
			logger.Warn().Err(err).Str("pack", string(pack)).Msg("Pack request failed")
		}
	}

	if !canSell {
		return nil
	}

	sale, ok := cards.ChooseCardToSell(inventory, info.Player.TeamCards, o.cardCfg)
	if !ok {
		return nil
	}

	if err := client.SellCard(ctx, sale.CardID, sale.Count); err != nil {
		return fmt.Errorf("failed to sell card %s: %w", sale.CardID, err)
	}
	logger.Info().Str("card", sale.CardID).Str("category", sale.Category).Int("count", sale.Count).Msg("Sold card stack")
	o.publisher.PublishNotice(team.Channel, fmt.Sprintf("Sold %d × %s (%s)", sale.Count, sale.CardID, sale.Category))
	return nil
}

func toInventory(p *protocol.PlayerProfile) cards.PlayerInventory {
	inv := cards.PlayerInventory{
		Level:         p.Level,
		Cards:         make(map[string]cards.OwnedCard, len(p.Cards)),
		LastSale:      msTime(p.LastSale),
		LastFreePack:  msTime(p.LastFreePack),
		LastBonusView: msTime(p.LastBonusView),
		LastStarPack:  msTime(p.LastStarPack),
	}
	for _, c := range p.Cards {
		inv.Cards[c.CardID] = cards.OwnedCard{
			CardID:   c.CardID,
			Category: c.Category,
			Count:    c.Count,
			Level:    c.Level,
		}
	}
	for _, ts := range p.SlotOpenedAt {
		inv.SlotOpenedAt = append(inv.SlotOpenedAt, msTime(ts))
	}
	return inv
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (o *Orchestrator) emit(event events.Event) {
	o.bus.Emit(context.Background(), event)
}

func (o *Orchestrator) emitModeration(team *config.TeamConfig, action string, member protocol.TeamMember) {
	o.emit(events.Event{Type: events.EventModerationAction, Source: "relay", Payload: events.ModerationActionPayload{
		Team:     team.TeamID,
		Action:   action,
		PlayerID: member.ID,
		Player:   member.DisplayName,
	}})
}

// formatTemplates renders every language variant of a moderation template
// with the player name and joins them into one chat message.
func formatTemplates(templates []string, name string) string {
	lines := make([]string, 0, len(templates))
	for _, t := range templates {
		lines = append(lines, fmt.Sprintf(t, name))
	}
	return strings.Join(lines, "\n")
}
