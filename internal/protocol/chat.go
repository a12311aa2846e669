package protocol

import "encoding/json"

// Chat payload types carried inside TeamMessage.Message.
const (
	ChatTypeChat          = "chat"
	ChatTypeJoin          = "join"
	ChatTypeLeave         = "leave"
	ChatTypePromote       = "promote"
	ChatTypeDemote        = "demote"
	ChatTypeBoot          = "boot"
	ChatTypeFriendlyMatch = "friendly_match"
)

// ChatMessage is the inner JSON payload of a team chat entry. Only the
// fields matching Type are set; for join and leave, Msg holds the player's
// display name rather than message text.
type ChatMessage struct {
	Type     string `json:"type"`
	Msg      string `json:"msg"`
	Promoter string `json:"promoter,omitempty"`
	Promoted string `json:"promoted,omitempty"`
	Demoter  string `json:"demoter,omitempty"`
	Demoted  string `json:"demoted,omitempty"`
	Booted   string `json:"booted,omitempty"`
}

// ParseChatMessage decodes the inner payload of a team chat entry.
func ParseChatMessage(raw string) (*ChatMessage, error) {
	var msg ChatMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, &ProtocolError{Op: "parse chat message", Err: err}
	}
	if msg.Type == "" {
		return nil, &ProtocolError{Op: "parse chat message", Field: "type"}
	}
	return &msg, nil
}

// EncodeChatMessage serializes an outbound chat payload for
// SendTeamChatMessageRequest.
func EncodeChatMessage(text string) string {
	data, _ := json.Marshal(ChatMessage{Type: ChatTypeChat, Msg: text})
	return string(data)
}
