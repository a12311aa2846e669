// Package protocol defines the wire formats spoken to the game backend:
// the JSON request/response envelopes exchanged over the duplex connection,
// the chat payloads embedded in team messages, and the binary packet layout
// used by the match spectator transport.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Request class tags. Every outbound envelope carries its class in the
// "@class" field and a caller-chosen correlation id in "requestId".
const (
	ClassAuthenticatedConnect = ".AuthenticatedConnectRequest"
	ClassAuthentication       = ".AuthenticationRequest"
	ClassLogEvent             = ".LogEventRequest"
	ClassSendTeamChatMessage  = ".SendTeamChatMessageRequest"
	ClassListTeamChat         = ".ListTeamChatRequest"
	ClassEndSession           = ".EndSessionRequest"
)

// Event keys for LogEventRequest scripted operations.
const (
	EventGetTeam         = "GET_TEAM_REQUEST"
	EventPlayerInfo      = "PLAYER_INFO"
	EventBootPlayer      = "BOOT_PLAYER"
	EventPromotePlayer   = "PROMOTE_PLAYER"
	EventDemotePlayer    = "DEMOTE_PLAYER"
	EventActiveMatchInfo = "GET_ACTIVE_MATCH_INFO"
	EventSellCard        = "SELL_CARD"
	EventClaimFreePack   = "CLAIM_FREE_PACK"
	EventClaimBonusVideo = "CLAIM_BONUS_VIDEO"
	EventClaimStarPack   = "CLAIM_STAR_PACK"
	EventUnlockSlot      = "UNLOCK_SLOT"
)

// Request is an outbound envelope. Implementations are plain structs whose
// JSON encoding is the full wire shape, class tag included.
type Request interface {
	Class() string
	CorrelationID() string
}

// AuthenticatedConnectRequest is the second handshake step: it proves
// possession of the shared secret by signing the server nonce.
type AuthenticatedConnectRequest struct {
	AtClass string `json:"@class"`
	HMAC    string `json:"hmac"`
	OS      string `json:"os"`
}

// NewAuthenticatedConnectRequest builds the connect proof envelope.
// proof is the base64 HMAC-SHA256 of the server nonce.
func NewAuthenticatedConnectRequest(proof string) *AuthenticatedConnectRequest {
	return &AuthenticatedConnectRequest{
		AtClass: ClassAuthenticatedConnect,
		HMAC:    proof,
		OS:      "BotOS",
	}
}

func (r *AuthenticatedConnectRequest) Class() string         { return r.AtClass }
func (r *AuthenticatedConnectRequest) CorrelationID() string { return "" }

// AuthScriptData is the fixed client/version tag sent with a login.
type AuthScriptData struct {
	GameVersion   int `json:"game_version"`
	ClientVersion int `json:"client_version"`
}

// AuthenticationRequest carries the account credentials.
type AuthenticationRequest struct {
	AtClass    string         `json:"@class"`
	UserName   string         `json:"userName"`
	Password   string         `json:"password"`
	ScriptData AuthScriptData `json:"scriptData"`
	RequestID  string         `json:"requestId"`
}

func NewAuthenticationRequest(user, password, requestID string, tag AuthScriptData) *AuthenticationRequest {
	return &AuthenticationRequest{
		AtClass:    ClassAuthentication,
		UserName:   user,
		Password:   password,
		ScriptData: tag,
		RequestID:  requestID,
	}
}

func (r *AuthenticationRequest) Class() string         { return r.AtClass }
func (r *AuthenticationRequest) CorrelationID() string { return r.RequestID }

// LogEventRequest invokes a scripted backend operation identified by its
// event key. Only the fields the key needs are populated.
type LogEventRequest struct {
	AtClass   string `json:"@class"`
	EventKey  string `json:"eventKey"`
	PlayerID  string `json:"player_id,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	MatchID   string `json:"MATCH_ID,omitempty"`
	CardID    string `json:"card_id,omitempty"`
	Count     int    `json:"count,omitempty"`
	RequestID string `json:"requestId"`
}

func (r *LogEventRequest) Class() string         { return r.AtClass }
func (r *LogEventRequest) CorrelationID() string { return r.RequestID }

// NewLogEventRequest builds a scripted-operation envelope with no extra
// fields; callers set the key-specific fields on the result.
func NewLogEventRequest(eventKey, requestID string) *LogEventRequest {
	return &LogEventRequest{
		AtClass:   ClassLogEvent,
		EventKey:  eventKey,
		RequestID: requestID,
	}
}

// SendTeamChatMessageRequest posts a message to a team's chat. Message is
// the serialized inner chat payload (see ChatMessage).
type SendTeamChatMessageRequest struct {
	AtClass   string `json:"@class"`
	TeamID    string `json:"teamId"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

func NewSendTeamChatMessageRequest(teamID, message, requestID string) *SendTeamChatMessageRequest {
	return &SendTeamChatMessageRequest{
		AtClass:   ClassSendTeamChatMessage,
		TeamID:    teamID,
		Message:   message,
		RequestID: requestID,
	}
}

func (r *SendTeamChatMessageRequest) Class() string         { return r.AtClass }
func (r *SendTeamChatMessageRequest) CorrelationID() string { return r.RequestID }

// ListTeamChatRequest fetches the most recent team chat entries.
type ListTeamChatRequest struct {
	AtClass    string `json:"@class"`
	TeamID     string `json:"teamId"`
	EntryCount int    `json:"entryCount"`
	RequestID  string `json:"requestId"`
}

func NewListTeamChatRequest(teamID string, entryCount int, requestID string) *ListTeamChatRequest {
	return &ListTeamChatRequest{
		AtClass:    ClassListTeamChat,
		TeamID:     teamID,
		EntryCount: entryCount,
		RequestID:  requestID,
	}
}

func (r *ListTeamChatRequest) Class() string         { return r.AtClass }
func (r *ListTeamChatRequest) CorrelationID() string { return r.RequestID }

// EndSessionRequest tells the backend the session is finished.
type EndSessionRequest struct {
	AtClass   string `json:"@class"`
	RequestID string `json:"requestId"`
}

func NewEndSessionRequest(requestID string) *EndSessionRequest {
	return &EndSessionRequest{AtClass: ClassEndSession, RequestID: requestID}
}

func (r *EndSessionRequest) Class() string         { return r.AtClass }
func (r *EndSessionRequest) CorrelationID() string { return r.RequestID }

// Response is an inbound envelope. The backend mirrors the request's
// correlation id; unsolicited pushes carry an id no waiter registered, or
// none at all. Fields are populated per message class and zero otherwise.
type Response struct {
	Class      string          `json:"@class"`
	RequestID  string          `json:"requestId"`
	ConnectURL string          `json:"connectUrl"`
	Nonce      string          `json:"nonce"`
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId"`
	Error      json.RawMessage `json:"error"`
	ScriptData *ScriptData     `json:"scriptData"`
	Messages   []TeamMessage   `json:"messages"`
}

// HasError reports whether the backend attached an error object.
func (r *Response) HasError() bool {
	return len(r.Error) > 0 && string(r.Error) != "null"
}

// ScriptData is the free-form payload of scripted operations, narrowed to
// the fields the relay consumes.
type ScriptData struct {
	TeamName string         `json:"teamName"`
	Members  []TeamMember   `json:"members"`
	Data     *ScriptInner   `json:"data"`
	Player   *PlayerProfile `json:"player"`
}

// PlayerProfile is the card-economy slice of a PLAYER_INFO response.
// Timestamps are epoch milliseconds.
type PlayerProfile struct {
	Level     int            `json:"level"`
	Cards     []CardStack    `json:"cards"`
	TeamCards map[string]int `json:"team_cards"`

	LastSale      int64   `json:"last_sale"`
	LastFreePack  int64   `json:"last_free_pack"`
	LastBonusView int64   `json:"last_bonus_view"`
	LastStarPack  int64   `json:"last_star_pack"`
	SlotOpenedAt  []int64 `json:"slot_opened_at"`
}

// CardStack is one owned card stack in a player profile.
type CardStack struct {
	CardID   string `json:"card_id"`
	Category string `json:"category"`
	Count    int    `json:"count"`
	Level    int    `json:"level"`
}

// ScriptInner nests one level deeper on some operations.
type ScriptInner struct {
	TeamID         string `json:"team_id"`
	ServerIP       string `json:"serverip"`
	ServerPort     int    `json:"serverport"`
	SpectatorToken string `json:"spectatortoken"`
}

// TeamMember is one roster entry.
type TeamMember struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"displayName"`
	Online      bool             `json:"online"`
	ScriptData  MemberScriptData `json:"scriptData"`
}

// MemberScriptData carries per-member extras.
type MemberScriptData struct {
	LastLogin   int64  `json:"last_login"`
	ActiveMatch string `json:"active_match"`
}

// TeamMessage is one entry of a team's chat history. Message is the raw
// inner payload; decode it with ParseChatMessage.
type TeamMessage struct {
	Who     string `json:"who"`
	When    int64  `json:"when"`
	FromID  string `json:"fromId"`
	Message string `json:"message"`
}

// ParseResponse decodes an inbound envelope.
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &ProtocolError{Op: "parse response", Err: err}
	}
	return &resp, nil
}

// ProtocolError reports a malformed or unexpected payload shape. It is
// logged and the offending item skipped; it is never fatal to a session.
type ProtocolError struct {
	Op    string
	Field string
	Err   error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("protocol: %s: field %q: %v", e.Op, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("protocol: %s: missing field %q", e.Op, e.Field)
	default:
		return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }
