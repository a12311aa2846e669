package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbrelay-project/gbrelay/internal/config"
	"github.com/gbrelay-project/gbrelay/internal/protocol"
)

// batchOpCall is one recorded operation slot of a received envelope.
type batchOpCall struct {
	Operation  string
	Service    string
	ScriptName string
	Data       map[string]any
	SessionID  string
}

// scriptData returns the scriptData object of a RUN call.
func (c batchOpCall) scriptData() map[string]any {
	sd, _ := c.Data["scriptData"].(map[string]any)
	return sd
}

// newBatchBackend runs a fake batch endpoint. reply picks the entry data
// for each operation; nil data means an empty object.
func newBatchBackend(t *testing.T, reply func(call batchOpCall) string) (*httptest.Server, func() []batchOpCall) {
	t.Helper()

	var mu sync.Mutex
	var calls []batchOpCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelope struct {
			Messages []struct {
				Data      map[string]any `json:"data"`
				Operation string         `json:"operation"`
				Service   string         `json:"service"`
			} `json:"messages"`
			SessionID string `json:"sessionId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))

		entries := make([]string, 0, len(envelope.Messages))
		for _, m := range envelope.Messages {
			call := batchOpCall{
				Operation: m.Operation,
				Service:   m.Service,
				Data:      m.Data,
				SessionID: envelope.SessionID,
			}
			if name, ok := m.Data["scriptName"].(string); ok {
				call.ScriptName = name
			}
			mu.Lock()
			calls = append(calls, call)
			mu.Unlock()

			data := "{}"
			if reply != nil {
				if d := reply(call); d != "" {
					data = d
				}
			}
			entries = append(entries, fmt.Sprintf(`{"status":200,"data":%s}`, data))
		}
		fmt.Fprintf(w, `{"responses":[%s]}`, strings.Join(entries, ","))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []batchOpCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]batchOpCall(nil), calls...)
	}
}

func dialBatch(t *testing.T, reply func(call batchOpCall) string) (*BatchSession, func() []batchOpCall) {
	t.Helper()
	srv, calls := newBatchBackend(t, reply)
	s, err := ConnectBatch(context.Background(), config.BackendConfig{
		BatchURL:      srv.URL,
		BatchSecret:   "batch-secret",
		GameID:        "game-1",
		GameVersion:   9999,
		ClientVersion: 99999,
	}, Credentials{Email: "alpha@example.com", Password: "secret"}, 5*time.Second)
	require.NoError(t, err)
	return s, calls
}

func authReply(call batchOpCall) string {
	if call.Operation == "AUTHENTICATE" {
		return `{"sessionId":"sess-batch"}`
	}
	return ""
}

func TestConnectBatchAuthenticates(t *testing.T) {
	s, calls := dialBatch(t, authReply)

	recorded := calls()
	require.Len(t, recorded, 1)
	auth := recorded[0]
	assert.Equal(t, "AUTHENTICATE", auth.Operation)
	assert.Equal(t, "authenticationV2", auth.Service)
	assert.Equal(t, "alpha@example.com", auth.Data["externalId"])
	assert.Equal(t, "Email", auth.Data["authenticationType"])
	assert.Empty(t, auth.SessionID)

	// The captured session id rides along on every later call.
	require.NoError(t, s.SendTeamChatMessage(context.Background(), "team-1", "hello"))
	recorded = calls()
	require.Len(t, recorded, 2)
	assert.Equal(t, "sess-batch", recorded[1].SessionID)
}

func TestConnectBatchRejectsMissingSessionID(t *testing.T) {
	srv, _ := newBatchBackend(t, nil)

	_, err := ConnectBatch(context.Background(), config.BackendConfig{
		BatchURL:    srv.URL,
		BatchSecret: "batch-secret",
		GameID:      "game-1",
	}, Credentials{Email: "alpha@example.com", Password: "secret"}, 5*time.Second)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "sessionId", authErr.Field)
}

func TestBatchSessionPostsChatMessage(t *testing.T) {
	s, calls := dialBatch(t, authReply)

	require.NoError(t, s.SendTeamChatMessage(context.Background(), "team-1", "hello team"))

	recorded := calls()
	post := recorded[len(recorded)-1]
	assert.Equal(t, "POST_CHAT_MESSAGE", post.Operation)
	assert.Equal(t, "chat", post.Service)
	assert.Equal(t, "game-1:gr:team-1", post.Data["channelId"])

	content, ok := post.Data["content"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello team", content["text"])
	message, ok := content["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "chat", message["type"])
	assert.Equal(t, "hello team", message["msg"])
}

func TestBatchSessionListTeamChat(t *testing.T) {
	s, _ := dialBatch(t, func(call batchOpCall) string {
		switch call.Operation {
		case "AUTHENTICATE":
			return `{"sessionId":"sess-batch"}`
		case "GET_RECENT_MESSAGES":
			return `{"messages":[
				{"from":{"id":"p-alice","name":"alice"},"date":1100,"content":{"message":{"type":"chat","msg":"hi"}}},
				{"from":{"id":"p-dave","name":"dave"},"date":1200,"content":{"message":{"type":"join","msg":"dave"}}}
			]}`
		}
		return ""
	})

	messages, err := s.ListTeamChat(context.Background(), "team-1", 50)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, "alice", messages[0].Who)
	assert.Equal(t, int64(1100), messages[0].When)
	assert.Equal(t, "p-alice", messages[0].FromID)

	// The inner payload survives as-is for the chat parser.
	payload, err := protocol.ParseChatMessage(messages[1].Message)
	require.NoError(t, err)
	assert.Equal(t, protocol.ChatTypeJoin, payload.Type)
	assert.Equal(t, "dave", payload.Msg)
}

func TestBatchSessionTeamRoster(t *testing.T) {
	s, calls := dialBatch(t, func(call batchOpCall) string {
		switch call.Operation {
		case "AUTHENTICATE":
			return `{"sessionId":"sess-batch"}`
		case "READ_GROUP_MEMBERS":
			return `{"p-alice":{"playerName":"alice","customData":{"online":true,"last_login":1000,"active_match":"m-1"}}}`
		}
		return ""
	})

	roster, err := s.TeamRoster(context.Background(), "team-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)

	m := roster[0]
	assert.Equal(t, "p-alice", m.ID)
	assert.Equal(t, "alice", m.DisplayName)
	assert.True(t, m.Online)
	assert.Equal(t, int64(1000), m.ScriptData.LastLogin)
	assert.Equal(t, "m-1", m.ScriptData.ActiveMatch)

	recorded := calls()
	read := recorded[len(recorded)-1]
	assert.Equal(t, "group", read.Service)
	assert.Equal(t, "team-1", read.Data["groupId"])
}

func TestBatchSessionRunsModerationScripts(t *testing.T) {
	s, calls := dialBatch(t, func(call batchOpCall) string {
		if call.Operation == "AUTHENTICATE" {
			return `{"sessionId":"sess-batch"}`
		}
		return `{"response":{}}`
	})

	ctx := context.Background()
	require.NoError(t, s.PromotePlayer(ctx, "team-1", "p-erin"))
	require.NoError(t, s.DemotePlayer(ctx, "team-1", "p-alice"))
	require.NoError(t, s.BootPlayer(ctx, "team-1", "p-dave"))

	recorded := calls()
	require.Len(t, recorded, 4)
	for _, call := range recorded[1:] {
		assert.Equal(t, "RUN", call.Operation)
		assert.Equal(t, "script", call.Service)
	}
	assert.Equal(t, "teams/PROMOTE_PLAYER", recorded[1].ScriptName)
	assert.Equal(t, "p-erin", recorded[1].scriptData()["player_id"])
	assert.Equal(t, "teams/DEMOTE_PLAYER", recorded[2].ScriptName)
	assert.Equal(t, "teams/BOOT_PLAYER", recorded[3].ScriptName)
}
