package backend

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gbrelay-project/gbrelay/internal/config"
)

// BatchClient speaks the backend's signed HTTP batch variant: several
// request envelopes travel in one POST, signed with an MD5 digest of the
// body plus the shared secret, and the backend answers with one response
// entry per message.
type BatchClient struct {
	url      string
	secret   string
	gameID   string
	http     *http.Client
	packetID atomic.Int64

	sessionID string
}

// NewBatchClient builds a batch client from the backend settings.
func NewBatchClient(cfg config.BackendConfig, timeout time.Duration) *BatchClient {
	return &BatchClient{
		url:    cfg.BatchURL,
		secret: cfg.BatchSecret,
		gameID: cfg.GameID,
		http:   &http.Client{Timeout: timeout},
	}
}

// SetSessionID attaches the session obtained from an authentication batch
// to all subsequent batches.
func (b *BatchClient) SetSessionID(id string) { b.sessionID = id }

type batchEnvelope struct {
	GameID    string            `json:"gameId"`
	Messages  []json.RawMessage `json:"messages"`
	PacketID  int64             `json:"packetId"`
	SessionID string            `json:"sessionId,omitempty"`
}

// BatchEntry is one response slot of a batch reply.
type BatchEntry struct {
	Status        int             `json:"status"`
	StatusMessage string          `json:"status_message"`
	Data          json.RawMessage `json:"data"`
}

type batchReply struct {
	Responses []BatchEntry `json:"responses"`
}

// Send posts the given message envelopes as one signed batch. The reply
// carries one entry per message, in order; any entry with a non-200
// status fails the whole batch, since the caller cannot tell which side
// effects the backend applied.
func (b *BatchClient) Send(ctx context.Context, messages ...any) ([]BatchEntry, error) {
	raw := make([]json.RawMessage, 0, len(messages))
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to encode batch message: %w", err)
		}
		raw = append(raw, data)
	}

	envelope := batchEnvelope{
		GameID:    b.gameID,
		Messages:  raw,
		PacketID:  b.packetID.Add(1),
		SessionID: b.sessionID,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SIG", SignBatch(body, b.secret))

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("batch request rejected: status %d", resp.StatusCode)
	}

	var reply batchReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("failed to decode batch reply: %w", err)
	}
	if len(reply.Responses) != len(messages) {
		return nil, fmt.Errorf("batch reply has %d entries for %d messages", len(reply.Responses), len(messages))
	}
	for i, entry := range reply.Responses {
		if entry.Status != http.StatusOK {
			if entry.StatusMessage != "" {
				return nil, fmt.Errorf("batch entry %d failed with status %d: %s", i, entry.Status, entry.StatusMessage)
			}
			return nil, fmt.Errorf("batch entry %d failed with status %d", i, entry.Status)
		}
	}
	return reply.Responses, nil
}

// SignBatch computes the X-SIG header value for a batch body: the
// uppercase hex MD5 digest of the body with the secret appended.
func SignBatch(body []byte, secret string) string {
	sum := md5.Sum(append(append([]byte{}, body...), secret...))
	return strings.ToUpper(fmt.Sprintf("%x", sum))
}
