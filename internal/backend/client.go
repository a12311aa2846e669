package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gbrelay-project/gbrelay/internal/protocol"
)

// Client wraps a Session with the typed operations the relay actually
// uses. All calls are correlated request/response round trips with the
// same timeout bound.
type Client struct {
	session *Session
	timeout time.Duration
}

// NewClient builds a client over an established session. timeout bounds
// every round trip.
func NewClient(session *Session, timeout time.Duration) *Client {
	return &Client{session: session, timeout: timeout}
}

// Session exposes the underlying session for lifecycle control.
func (c *Client) Session() *Session { return c.session }

// Close tears down the underlying session.
func (c *Client) Close() error { return c.session.Close() }

// ListTeamChat fetches the most recent chat entries for a team.
func (c *Client) ListTeamChat(ctx context.Context, teamID string, entryCount int) ([]protocol.TeamMessage, error) {
	req := protocol.NewListTeamChatRequest(teamID, entryCount, c.session.NextID())
	resp, err := c.session.Do(ctx, req, c.timeout)
	if err != nil {
		return nil, err
	}
	if resp.HasError() {
		return nil, fmt.Errorf("list team chat for %s: backend error: %s", teamID, resp.Error)
	}
	return resp.Messages, nil
}

// SendTeamChatMessage posts one plain chat line to a team's chat.
func (c *Client) SendTeamChatMessage(ctx context.Context, teamID, text string) error {
	req := protocol.NewSendTeamChatMessageRequest(teamID, protocol.EncodeChatMessage(text), c.session.NextID())
	resp, err := c.session.Do(ctx, req, c.timeout)
	if err != nil {
		return err
	}
	if resp.HasError() {
		return fmt.Errorf("send chat to %s: backend error: %s", teamID, resp.Error)
	}
	return nil
}

// RunTeamEvent invokes one scripted backend operation. mutate customizes
// the envelope with the key-specific fields before it is sent.
func (c *Client) RunTeamEvent(ctx context.Context, eventKey string, mutate func(*protocol.LogEventRequest)) (*protocol.Response, error) {
	req := protocol.NewLogEventRequest(eventKey, c.session.NextID())
	if mutate != nil {
		mutate(req)
	}
	resp, err := c.session.Do(ctx, req, c.timeout)
	if err != nil {
		return nil, err
	}
	if resp.HasError() {
		return nil, fmt.Errorf("event %s: backend error: %s", eventKey, resp.Error)
	}
	return resp, nil
}

// TeamRoster fetches the team's member list.
func (c *Client) TeamRoster(ctx context.Context, teamID string) ([]protocol.TeamMember, error) {
	resp, err := c.RunTeamEvent(ctx, protocol.EventGetTeam, func(r *protocol.LogEventRequest) {
		r.TeamID = teamID
	})
	if err != nil {
		return nil, err
	}
	if resp.ScriptData == nil {
		return nil, &protocol.ProtocolError{Op: "team roster", Field: "scriptData"}
	}
	return resp.ScriptData.Members, nil
}

// FindMember looks up a roster member whose display name contains the
// given fragment, case-insensitively. The first match in roster order
// wins.
func FindMember(members []protocol.TeamMember, nameFragment string) (protocol.TeamMember, bool) {
	needle := strings.ToLower(nameFragment)
	for _, m := range members {
		if strings.Contains(strings.ToLower(m.DisplayName), needle) {
			return m, true
		}
	}
	return protocol.TeamMember{}, false
}

// PlayerInfo fetches one player's profile.
func (c *Client) PlayerInfo(ctx context.Context, playerID string) (*protocol.ScriptData, error) {
	resp, err := c.RunTeamEvent(ctx, protocol.EventPlayerInfo, func(r *protocol.LogEventRequest) {
		r.PlayerID = playerID
	})
	if err != nil {
		return nil, err
	}
	if resp.ScriptData == nil {
		return nil, &protocol.ProtocolError{Op: "player info", Field: "scriptData"}
	}
	return resp.ScriptData, nil
}

// IsPlayerOnline reports whether a member counts as online: either the
// backend flag says so, or their last login is within the grace window.
// graceMS is in milliseconds, matching the last_login field.
func IsPlayerOnline(m protocol.TeamMember, now time.Time, graceMS int64) bool {
	if m.Online {
		return true
	}
	if m.ScriptData.LastLogin == 0 {
		return false
	}
	return now.UnixMilli()-m.ScriptData.LastLogin <= graceMS
}

// BootPlayer removes a player from the team.
func (c *Client) BootPlayer(ctx context.Context, teamID, playerID string) error {
	_, err := c.RunTeamEvent(ctx, protocol.EventBootPlayer, func(r *protocol.LogEventRequest) {
		r.TeamID = teamID
		r.PlayerID = playerID
	})
	return err
}

// PromotePlayer raises a member's team role.
func (c *Client) PromotePlayer(ctx context.Context, teamID, playerID string) error {
	_, err := c.RunTeamEvent(ctx, protocol.EventPromotePlayer, func(r *protocol.LogEventRequest) {
		r.TeamID = teamID
		r.PlayerID = playerID
	})
	return err
}

// DemotePlayer lowers a member's team role.
func (c *Client) DemotePlayer(ctx context.Context, teamID, playerID string) error {
	_, err := c.RunTeamEvent(ctx, protocol.EventDemotePlayer, func(r *protocol.LogEventRequest) {
		r.TeamID = teamID
		r.PlayerID = playerID
	})
	return err
}

// MatchEndpoint locates the spectator endpoint for a running match.
type MatchEndpoint struct {
	ServerIP   string
	ServerPort int
	Token      string
}

// ActiveMatchInfo resolves a match id to its spectator endpoint.
func (c *Client) ActiveMatchInfo(ctx context.Context, matchID string) (MatchEndpoint, error) {
	resp, err := c.RunTeamEvent(ctx, protocol.EventActiveMatchInfo, func(r *protocol.LogEventRequest) {
		r.MatchID = matchID
	})
	if err != nil {
		return MatchEndpoint{}, err
	}
	if resp.ScriptData == nil || resp.ScriptData.Data == nil {
		return MatchEndpoint{}, &protocol.ProtocolError{Op: "active match info", Field: "scriptData.data"}
	}
	d := resp.ScriptData.Data
	if d.ServerIP == "" || d.SpectatorToken == "" {
		return MatchEndpoint{}, &protocol.ProtocolError{Op: "active match info", Field: "serverip"}
	}
	return MatchEndpoint{ServerIP: d.ServerIP, ServerPort: d.ServerPort, Token: d.SpectatorToken}, nil
}

// SellCard sells count copies of a card on behalf of the logged-in player.
func (c *Client) SellCard(ctx context.Context, cardID string, count int) error {
	_, err := c.RunTeamEvent(ctx, protocol.EventSellCard, func(r *protocol.LogEventRequest) {
		r.CardID = cardID
		r.Count = count
	})
	return err
}

// packEventKey maps a card-advisor pack kind to its backend event key.
func packEventKey(kind string) (string, error) {
	switch kind {
	case "free_pack":
		return protocol.EventClaimFreePack, nil
	case "bonus_video":
		return protocol.EventClaimBonusVideo, nil
	case "star_pack":
		return protocol.EventClaimStarPack, nil
	case "slot_unlock":
		return protocol.EventUnlockSlot, nil
	default:
		return "", fmt.Errorf("unknown pack kind %q", kind)
	}
}

// RequestPack claims a pack-opening reward whose timer has elapsed. kind
// is the advisor's pack identifier (free_pack, bonus_video, star_pack,
// slot_unlock).
func (c *Client) RequestPack(ctx context.Context, kind string) error {
	eventKey, err := packEventKey(kind)
	if err != nil {
		return err
	}
	_, err = c.RunTeamEvent(ctx, eventKey, nil)
	return err
}
