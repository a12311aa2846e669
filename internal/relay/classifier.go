// Package relay composes the backend session, the durable state, and the
// chat-platform connector into the per-team polling cycle: classify new
// chat events, apply moderation, mirror chat both ways, spectate active
// matches, and publish a status summary.
package relay

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/gbrelay-project/gbrelay/internal/protocol"
)

// ChatEvent is one decoded, timestamped team chat entry.
type ChatEvent struct {
	Timestamp int64
	Author    string
	AuthorID  string
	Payload   protocol.ChatMessage
}

// Narration is one human-readable line derived from a chat event, ready
// for channel delivery.
type Narration struct {
	Event ChatEvent
	// Author is empty for system narrations (joins, promotions and the
	// like); set, the line is delivered impersonating that name.
	Author string
	Text   string
}

// Joiner is a player who joined during this batch and was not cancelled
// by a later leave or promote.
type Joiner struct {
	Name string
	ID   string
}

// Classification is the pure result of one batch pass.
type Classification struct {
	Narrations []Narration
	Joined     []Joiner
	// NewWatermark is the highest classified timestamp, or the old
	// watermark when nothing passed the filter.
	NewWatermark int64
}

// ClassifyEvents filters a raw chat batch against the team's watermark and
// derives narrations in strictly ascending timestamp order. Events at or
// below the watermark are dropped. A join followed in the same batch by a
// leave or promote for the same name is cancelled and produces no pending
// welcome. friendly_match events are informational only and never
// narrated.
func ClassifyEvents(messages []protocol.TeamMessage, watermark int64, logger zerolog.Logger) Classification {
	events := make([]ChatEvent, 0, len(messages))
	for _, m := range messages {
		if m.When <= watermark {
			continue
		}
		payload, err := protocol.ParseChatMessage(m.Message)
		if err != nil {
			logger.Warn().Err(err).Int64("when", m.When).Msg("Skipping malformed chat entry")
			continue
		}
		events = append(events, ChatEvent{
			Timestamp: m.When,
			Author:    m.Who,
			AuthorID:  m.FromID,
			Payload:   *payload,
		})
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })

	result := Classification{NewWatermark: watermark}
	joined := make(map[string]string) // display name -> player id
	var joinOrder []string

	for _, ev := range events {
		result.NewWatermark = ev.Timestamp

		switch ev.Payload.Type {
		case protocol.ChatTypeChat:
			result.Narrations = append(result.Narrations, Narration{
				Event:  ev,
				Author: ev.Author,
				Text:   ev.Payload.Msg,
			})

		case protocol.ChatTypeJoin:
			name := ev.Payload.Msg
			if _, seen := joined[name]; !seen {
				joinOrder = append(joinOrder, name)
			}
			joined[name] = ev.AuthorID
			result.Narrations = append(result.Narrations, Narration{
				Event: ev,
				Text:  fmt.Sprintf("**%s** joined the team (player id: %s)", name, ev.AuthorID),
			})

		case protocol.ChatTypeLeave:
			delete(joined, ev.Payload.Msg)
			result.Narrations = append(result.Narrations, Narration{
				Event: ev,
				Text:  fmt.Sprintf("**%s** left the team", ev.Payload.Msg),
			})

		case protocol.ChatTypePromote:
			delete(joined, ev.Payload.Promoted)
			result.Narrations = append(result.Narrations, Narration{
				Event: ev,
				Text:  fmt.Sprintf("**%s** promoted **%s**", ev.Payload.Promoter, ev.Payload.Promoted),
			})

		case protocol.ChatTypeDemote:
			result.Narrations = append(result.Narrations, Narration{
				Event: ev,
				Text:  fmt.Sprintf("**%s** demoted **%s**", ev.Payload.Demoter, ev.Payload.Demoted),
			})

		case protocol.ChatTypeBoot:
			result.Narrations = append(result.Narrations, Narration{
				Event: ev,
				Text:  fmt.Sprintf("**%s** was booted from the team", ev.Payload.Booted),
			})

		case protocol.ChatTypeFriendlyMatch:
			// Informational only.

		default:
			logger.Warn().Str("type", ev.Payload.Type).Int64("when", ev.Timestamp).
				Msg("Skipping chat entry of unknown type")
		}
	}

	for _, name := range joinOrder {
		if id, ok := joined[name]; ok {
			result.Joined = append(result.Joined, Joiner{Name: name, ID: id})
		}
	}
	return result
}
