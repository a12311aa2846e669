package relay

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbrelay-project/gbrelay/internal/protocol"
)

func chatEntry(who string, when int64, payload string) protocol.TeamMessage {
	return protocol.TeamMessage{Who: who, When: when, FromID: who + "-id", Message: payload}
}

func TestClassifyEventsWatermarkFilter(t *testing.T) {
	messages := []protocol.TeamMessage{
		chatEntry("alice", 900, `{"type":"chat","msg":"old"}`),
		chatEntry("bob", 1100, `{"type":"chat","msg":"first"}`),
		chatEntry("carol", 1200, `{"type":"chat","msg":"second"}`),
	}

	result := ClassifyEvents(messages, 1000, zerolog.Nop())

	require.Len(t, result.Narrations, 2)
	assert.Equal(t, "first", result.Narrations[0].Text)
	assert.Equal(t, "second", result.Narrations[1].Text)
	assert.Equal(t, int64(1200), result.NewWatermark)
}

func TestClassifyEventsSortsByTimestamp(t *testing.T) {
	// Delivered out of order; narrations must still come out ascending.
	messages := []protocol.TeamMessage{
		chatEntry("carol", 300, `{"type":"chat","msg":"third"}`),
		chatEntry("alice", 100, `{"type":"chat","msg":"first"}`),
		chatEntry("bob", 200, `{"type":"chat","msg":"second"}`),
	}

	result := ClassifyEvents(messages, 0, zerolog.Nop())

	require.Len(t, result.Narrations, 3)
	assert.Equal(t, "first", result.Narrations[0].Text)
	assert.Equal(t, "second", result.Narrations[1].Text)
	assert.Equal(t, "third", result.Narrations[2].Text)
	assert.Equal(t, int64(300), result.NewWatermark)
}

func TestClassifyEventsEmptyBatchKeepsWatermark(t *testing.T) {
	result := ClassifyEvents(nil, 1000, zerolog.Nop())
	assert.Empty(t, result.Narrations)
	assert.Empty(t, result.Joined)
	assert.Equal(t, int64(1000), result.NewWatermark)
}

func TestClassifyEventsChatImpersonatesAuthor(t *testing.T) {
	messages := []protocol.TeamMessage{
		chatEntry("alice", 10, `{"type":"chat","msg":"hello"}`),
	}

	result := ClassifyEvents(messages, 0, zerolog.Nop())

	require.Len(t, result.Narrations, 1)
	assert.Equal(t, "alice", result.Narrations[0].Author)
	assert.Equal(t, "hello", result.Narrations[0].Text)
}

func TestClassifyEventsJoinLeaveCancels(t *testing.T) {
	messages := []protocol.TeamMessage{
		chatEntry("dave", 10, `{"type":"join","msg":"dave"}`),
		chatEntry("dave", 20, `{"type":"leave","msg":"dave"}`),
		chatEntry("erin", 30, `{"type":"join","msg":"erin"}`),
	}

	result := ClassifyEvents(messages, 0, zerolog.Nop())

	// Both moves are still narrated, but only erin is pending a welcome.
	// Join lines carry the player id for moderator follow-ups.
	require.Len(t, result.Narrations, 3)
	assert.Equal(t, "**dave** joined the team (player id: dave-id)", result.Narrations[0].Text)
	assert.Equal(t, "**dave** left the team", result.Narrations[1].Text)
	require.Len(t, result.Joined, 1)
	assert.Equal(t, "erin", result.Joined[0].Name)
	assert.Equal(t, "erin-id", result.Joined[0].ID)
}

func TestClassifyEventsJoinPromoteCancels(t *testing.T) {
	messages := []protocol.TeamMessage{
		chatEntry("dave", 10, `{"type":"join","msg":"dave"}`),
		chatEntry("admin", 20, `{"type":"promote","promoter":"admin","promoted":"dave"}`),
	}

	result := ClassifyEvents(messages, 0, zerolog.Nop())

	assert.Empty(t, result.Joined)
	require.Len(t, result.Narrations, 2)
	assert.Equal(t, "**admin** promoted **dave**", result.Narrations[1].Text)
}

func TestClassifyEventsFriendlyMatchNotNarrated(t *testing.T) {
	messages := []protocol.TeamMessage{
		chatEntry("system", 10, `{"type":"friendly_match","msg":"match started"}`),
		chatEntry("alice", 20, `{"type":"chat","msg":"gl"}`),
	}

	result := ClassifyEvents(messages, 0, zerolog.Nop())

	require.Len(t, result.Narrations, 1)
	assert.Equal(t, "gl", result.Narrations[0].Text)
	// The silent event still advances the watermark.
	assert.Equal(t, int64(20), result.NewWatermark)
}

func TestClassifyEventsSkipsMalformedEntries(t *testing.T) {
	messages := []protocol.TeamMessage{
		chatEntry("alice", 10, `not json at all`),
		chatEntry("bob", 20, `{"msg":"no type field"}`),
		chatEntry("carol", 30, `{"type":"chat","msg":"fine"}`),
	}

	result := ClassifyEvents(messages, 0, zerolog.Nop())

	require.Len(t, result.Narrations, 1)
	assert.Equal(t, "fine", result.Narrations[0].Text)
	assert.Equal(t, int64(30), result.NewWatermark)
}

func TestClassifyEventsBootAndDemoteNarrations(t *testing.T) {
	messages := []protocol.TeamMessage{
		chatEntry("admin", 10, `{"type":"demote","demoter":"admin","demoted":"bob"}`),
		chatEntry("admin", 20, `{"type":"boot","booted":"bob"}`),
	}

	result := ClassifyEvents(messages, 0, zerolog.Nop())

	require.Len(t, result.Narrations, 2)
	assert.Equal(t, "**admin** demoted **bob**", result.Narrations[0].Text)
	assert.Equal(t, "**bob** was booted from the team", result.Narrations[1].Text)
	// System narrations carry no impersonation author.
	assert.Empty(t, result.Narrations[0].Author)
}
