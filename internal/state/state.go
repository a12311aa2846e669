// Package state implements the durable, crash-recoverable record of what
// the relay has already acted on: per-team watermarks, the redlist, queued
// outbound messages, and status message references. Every mutation is
// flushed to the injected Store before control returns, so the in-memory
// and persisted views never diverge by more than the just-committed change.
package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrPersistFailed marks a failed flush to the durable store. Once a
// mutation cannot be persisted the in-memory view is ahead of disk, so a
// restart would repeat moderation actions; callers must shut the process
// down rather than continue cycling.
var ErrPersistFailed = errors.New("state persistence failed")

// QueuedMessage is one outbound queue entry. OriginTag encodes intent:
// the literal directives "yellow", "red", "boot", a "!<player-substring>"
// targeted notification, or a free-text relay attribution line.
type QueuedMessage struct {
	OriginTag string
	Text      string
}

// Snapshot is the full durable state document.
type Snapshot struct {
	// QueuedMessages maps channel id to its ordered outbound queue,
	// each entry an [origin_tag, text] pair.
	QueuedMessages map[string][][2]string `json:"queued_messages"`
	Redlist        []string               `json:"redlist"`
	// LastPostedMessage maps team id to its watermark timestamp.
	LastPostedMessage map[string]int64 `json:"last_posted_message"`
	// StatusMessage maps team id to the platform message id of its
	// status summary.
	StatusMessage map[string]string `json:"status_message"`
}

// emptySnapshot returns a Snapshot with all maps allocated.
func emptySnapshot() Snapshot {
	return Snapshot{
		QueuedMessages:    make(map[string][][2]string),
		LastPostedMessage: make(map[string]int64),
		StatusMessage:     make(map[string]string),
	}
}

// Store persists snapshots. Implementations must make Save atomic: a crash
// mid-save leaves either the old or the new document, never a torn one.
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
	Close() error
}

// Manager is the single-writer state component. All mutations flush
// through the Store before returning; a flush failure is returned to the
// caller and must be treated as fatal to the process, since silent loss of
// watermark or redlist state causes duplicate moderation actions.
type Manager struct {
	mu    sync.Mutex
	store Store

	watermarks map[string]int64
	redlist    map[string]bool
	queues     map[string][]QueuedMessage
	statusRefs map[string]string
}

// NewManager loads the snapshot from the store and builds a manager on it.
func NewManager(store Store) (*Manager, error) {
	snap, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	m := &Manager{
		store:      store,
		watermarks: make(map[string]int64),
		redlist:    make(map[string]bool),
		queues:     make(map[string][]QueuedMessage),
		statusRefs: make(map[string]string),
	}

	for team, ts := range snap.LastPostedMessage {
		m.watermarks[team] = ts
	}
	for _, id := range snap.Redlist {
		m.redlist[id] = true
	}
	for channel, entries := range snap.QueuedMessages {
		queue := make([]QueuedMessage, 0, len(entries))
		for _, e := range entries {
			queue = append(queue, QueuedMessage{OriginTag: e[0], Text: e[1]})
		}
		m.queues[channel] = queue
	}
	for team, ref := range snap.StatusMessage {
		m.statusRefs[team] = ref
	}

	log.Info().
		Int("teams", len(m.watermarks)).
		Int("redlist", len(m.redlist)).
		Int("queues", len(m.queues)).
		Msg("state loaded")

	return m, nil
}

// snapshotLocked builds the document for persistence. Caller holds mu.
func (m *Manager) snapshotLocked() Snapshot {
	snap := emptySnapshot()
	for team, ts := range m.watermarks {
		snap.LastPostedMessage[team] = ts
	}
	snap.Redlist = make([]string, 0, len(m.redlist))
	for id := range m.redlist {
		snap.Redlist = append(snap.Redlist, id)
	}
	for channel, queue := range m.queues {
		entries := make([][2]string, 0, len(queue))
		for _, qm := range queue {
			entries = append(entries, [2]string{qm.OriginTag, qm.Text})
		}
		snap.QueuedMessages[channel] = entries
	}
	for team, ref := range m.statusRefs {
		snap.StatusMessage[team] = ref
	}
	return snap
}

func (m *Manager) flushLocked() error {
	if err := m.store.Save(m.snapshotLocked()); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	return nil
}

// Watermark returns the last-processed timestamp for a team, zero if none.
func (m *Manager) Watermark(team string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[team]
}

// RecordEventProcessed advances a team's watermark. The update must be
// strictly increasing; a timestamp at or below the current watermark is
// ignored and reported as not applied.
func (m *Manager) RecordEventProcessed(team string, timestamp int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timestamp <= m.watermarks[team] {
		return false, nil
	}
	m.watermarks[team] = timestamp
	return true, m.flushLocked()
}

// IsBanned reports redlist membership.
func (m *Manager) IsBanned(playerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redlist[playerID]
}

// Ban inserts a player into the redlist. Idempotent; an entry already
// present does not trigger a flush.
func (m *Manager) Ban(playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.redlist[playerID] {
		return nil
	}
	m.redlist[playerID] = true
	return m.flushLocked()
}

// Redlist returns the banned player ids.
func (m *Manager) Redlist() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.redlist))
	for id := range m.redlist {
		ids = append(ids, id)
	}
	return ids
}

// EnqueueOutbound appends an entry to a channel's outbound queue.
func (m *Manager) EnqueueOutbound(channel, originTag, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues[channel] = append(m.queues[channel], QueuedMessage{OriginTag: originTag, Text: text})
	return m.flushLocked()
}

// DrainOutbound removes and returns all current entries for a channel.
// Entries enqueued after the drain land in a fresh queue and are not lost.
func (m *Manager) DrainOutbound(channel string) ([]QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.queues[channel]
	if len(queue) == 0 {
		return nil, nil
	}
	delete(m.queues, channel)
	return queue, m.flushLocked()
}

// Requeue puts undelivered entries back at the head of a channel's queue,
// ahead of anything enqueued since the drain, preserving delivery order.
func (m *Manager) Requeue(channel string, entries []QueuedMessage) error {
	if len(entries) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues[channel] = append(append([]QueuedMessage{}, entries...), m.queues[channel]...)
	return m.flushLocked()
}

// QueueDepth returns the number of pending entries for a channel.
func (m *Manager) QueueDepth(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[channel])
}

// StatusMessageRef returns the stored platform message id of a team's
// status summary, empty if none was posted yet.
func (m *Manager) StatusMessageRef(team string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusRefs[team]
}

// SetStatusMessageRef records the platform message id of a team's status
// summary.
func (m *Manager) SetStatusMessageRef(team, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statusRefs[team] == ref {
		return nil
	}
	m.statusRefs[team] = ref
	return m.flushLocked()
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// WelcomedSet tracks players already welcomed during this process
// lifetime, preventing duplicate welcome or ban messages for the same
// join. Deliberately not durable.
type WelcomedSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

// NewWelcomedSet creates an empty set.
func NewWelcomedSet() *WelcomedSet {
	return &WelcomedSet{ids: make(map[string]bool)}
}

// MarkWelcomed records a player id. Returns false if the id was already
// present, meaning the caller must not welcome again.
func (w *WelcomedSet) MarkWelcomed(playerID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ids[playerID] {
		return false
	}
	w.ids[playerID] = true
	return true
}
