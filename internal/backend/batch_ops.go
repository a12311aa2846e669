package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gbrelay-project/gbrelay/internal/config"
	"github.com/gbrelay-project/gbrelay/internal/protocol"
)

// batchMessage is one operation slot of a batch envelope.
type batchMessage struct {
	Data      any    `json:"data"`
	Operation string `json:"operation"`
	Service   string `json:"service"`
}

func authenticateMessage(cfg config.BackendConfig, creds Credentials) batchMessage {
	return batchMessage{
		Data: map[string]any{
			"externalId":          creds.Email,
			"authenticationToken": creds.Password,
			"authenticationType":  "Email",
			"gameId":              cfg.GameID,
			"forceCreate":         false,
			"extraJson": map[string]any{
				"game_version":   cfg.GameVersion,
				"client_version": cfg.ClientVersion,
			},
		},
		Operation: "AUTHENTICATE",
		Service:   "authenticationV2",
	}
}

func postChatMessage(gameID, teamID, text string) batchMessage {
	return batchMessage{
		Data: map[string]any{
			"channelId": gameID + ":gr:" + teamID,
			"content": map[string]any{
				"message": json.RawMessage(protocol.EncodeChatMessage(text)),
				"text":    text,
			},
			"recordInHistory": true,
		},
		Operation: "POST_CHAT_MESSAGE",
		Service:   "chat",
	}
}

func recentMessagesMessage(gameID, teamID string, maxReturn int) batchMessage {
	return batchMessage{
		Data: map[string]any{
			"channelId": gameID + ":gr:" + teamID,
			"maxReturn": maxReturn,
		},
		Operation: "GET_RECENT_MESSAGES",
		Service:   "chat",
	}
}

func runScriptMessage(scriptName string, scriptData any) batchMessage {
	return batchMessage{
		Data: map[string]any{
			"scriptData": scriptData,
			"scriptName": scriptName,
		},
		Operation: "RUN",
		Service:   "script",
	}
}

func readGroupMembersMessage(teamID string) batchMessage {
	return batchMessage{
		Data:      map[string]any{"groupId": teamID},
		Operation: "READ_GROUP_MEMBERS",
		Service:   "group",
	}
}

// BatchSession offers the same typed operations as Client, speaking the
// signed HTTP batch variant instead of the duplex socket. The only state
// between calls is the session id captured at authentication; there is no
// connection to keep alive.
type BatchSession struct {
	batch  *BatchClient
	gameID string
}

// ConnectBatch authenticates against the batch endpoint and returns a
// ready session.
func ConnectBatch(ctx context.Context, cfg config.BackendConfig, creds Credentials, timeout time.Duration) (*BatchSession, error) {
	s := &BatchSession{
		batch:  NewBatchClient(cfg, timeout),
		gameID: cfg.GameID,
	}

	entries, err := s.batch.Send(ctx, authenticateMessage(cfg, creds))
	if err != nil {
		return nil, fmt.Errorf("batch authentication failed: %w", err)
	}
	var auth struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(entries[0].Data, &auth); err != nil {
		return nil, fmt.Errorf("failed to decode authentication reply: %w", err)
	}
	if auth.SessionID == "" {
		return nil, &AuthError{Stage: "batch authenticate", Field: "sessionId"}
	}
	s.batch.SetSessionID(auth.SessionID)
	return s, nil
}

// Close is a no-op; batch sessions hold no connection.
func (s *BatchSession) Close() error { return nil }

// runScript invokes one cloud script and decodes its response payload.
func (s *BatchSession) runScript(ctx context.Context, scriptName string, scriptData any) (*protocol.ScriptData, error) {
	entries, err := s.batch.Send(ctx, runScriptMessage(scriptName, scriptData))
	if err != nil {
		return nil, err
	}
	var out struct {
		Response *protocol.ScriptData `json:"response"`
	}
	if err := json.Unmarshal(entries[0].Data, &out); err != nil {
		return nil, &protocol.ProtocolError{Op: scriptName, Err: err}
	}
	if out.Response == nil {
		return nil, &protocol.ProtocolError{Op: scriptName, Field: "response"}
	}
	return out.Response, nil
}

// batchChatEntry is one entry of a GET_RECENT_MESSAGES reply.
type batchChatEntry struct {
	From struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
	Date    int64 `json:"date"`
	Content struct {
		Message json.RawMessage `json:"message"`
	} `json:"content"`
}

// ListTeamChat fetches the most recent chat entries for a team.
func (s *BatchSession) ListTeamChat(ctx context.Context, teamID string, entryCount int) ([]protocol.TeamMessage, error) {
	entries, err := s.batch.Send(ctx, recentMessagesMessage(s.gameID, teamID, entryCount))
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []batchChatEntry `json:"messages"`
	}
	if err := json.Unmarshal(entries[0].Data, &out); err != nil {
		return nil, &protocol.ProtocolError{Op: "recent messages", Err: err}
	}

	messages := make([]protocol.TeamMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, protocol.TeamMessage{
			Who:     m.From.Name,
			When:    m.Date,
			FromID:  m.From.ID,
			Message: string(m.Content.Message),
		})
	}
	return messages, nil
}

// SendTeamChatMessage posts one plain chat line to a team's chat.
func (s *BatchSession) SendTeamChatMessage(ctx context.Context, teamID, text string) error {
	_, err := s.batch.Send(ctx, postChatMessage(s.gameID, teamID, text))
	return err
}

// batchGroupMember is one member slot of a READ_GROUP_MEMBERS reply,
// keyed by player id in the envelope.
type batchGroupMember struct {
	PlayerName string `json:"playerName"`
	CustomData struct {
		Online      bool   `json:"online"`
		LastLogin   int64  `json:"last_login"`
		ActiveMatch string `json:"active_match"`
	} `json:"customData"`
}

// TeamRoster fetches the team's member list.
func (s *BatchSession) TeamRoster(ctx context.Context, teamID string) ([]protocol.TeamMember, error) {
	entries, err := s.batch.Send(ctx, readGroupMembersMessage(teamID))
	if err != nil {
		return nil, err
	}
	var members map[string]batchGroupMember
	if err := json.Unmarshal(entries[0].Data, &members); err != nil {
		return nil, &protocol.ProtocolError{Op: "read group members", Err: err}
	}

	roster := make([]protocol.TeamMember, 0, len(members))
	for id, m := range members {
		roster = append(roster, protocol.TeamMember{
			ID:          id,
			DisplayName: m.PlayerName,
			Online:      m.CustomData.Online,
			ScriptData: protocol.MemberScriptData{
				LastLogin:   m.CustomData.LastLogin,
				ActiveMatch: m.CustomData.ActiveMatch,
			},
		})
	}
	return roster, nil
}

// PlayerInfo fetches one player's profile.
func (s *BatchSession) PlayerInfo(ctx context.Context, playerID string) (*protocol.ScriptData, error) {
	return s.runScript(ctx, "events/GET_PLAYER_INFO", map[string]any{"player_id": playerID})
}

// BootPlayer removes a player from the team.
func (s *BatchSession) BootPlayer(ctx context.Context, teamID, playerID string) error {
	_, err := s.runScript(ctx, "teams/BOOT_PLAYER", map[string]any{"player_id": playerID})
	return err
}

// PromotePlayer raises a member's team role.
func (s *BatchSession) PromotePlayer(ctx context.Context, teamID, playerID string) error {
	_, err := s.runScript(ctx, "teams/PROMOTE_PLAYER", map[string]any{"player_id": playerID})
	return err
}

// DemotePlayer lowers a member's team role.
func (s *BatchSession) DemotePlayer(ctx context.Context, teamID, playerID string) error {
	_, err := s.runScript(ctx, "teams/DEMOTE_PLAYER", map[string]any{"player_id": playerID})
	return err
}

// ActiveMatchInfo resolves a match id to its spectator endpoint.
func (s *BatchSession) ActiveMatchInfo(ctx context.Context, matchID string) (MatchEndpoint, error) {
	data, err := s.runScript(ctx, "events/GET_ACTIVE_MATCH_INFO", map[string]any{"MATCH_ID": matchID})
	if err != nil {
		return MatchEndpoint{}, err
	}
	if data.Data == nil {
		return MatchEndpoint{}, &protocol.ProtocolError{Op: "active match info", Field: "response.data"}
	}
	d := data.Data
	if d.ServerIP == "" || d.SpectatorToken == "" {
		return MatchEndpoint{}, &protocol.ProtocolError{Op: "active match info", Field: "serverip"}
	}
	return MatchEndpoint{ServerIP: d.ServerIP, ServerPort: d.ServerPort, Token: d.SpectatorToken}, nil
}

// SellCard sells count copies of a card on behalf of the logged-in player.
func (s *BatchSession) SellCard(ctx context.Context, cardID string, count int) error {
	_, err := s.runScript(ctx, "events/SELL_CARD", map[string]any{"card_id": cardID, "count": count})
	return err
}

// RequestPack claims a pack-opening reward whose timer has elapsed.
func (s *BatchSession) RequestPack(ctx context.Context, kind string) error {
	eventKey, err := packEventKey(kind)
	if err != nil {
		return err
	}
	_, err = s.runScript(ctx, "events/"+eventKey, map[string]any{})
	return err
}
