// Package events implements the publish-subscribe backbone that decouples
// the relay orchestrator from telemetry and notification consumers.
package events

// EventType identifies a class of relay event.
type EventType string

const (
	// EventCycleStarted fires when a relay cycle begins.
	EventCycleStarted EventType = "cycle_started"
	// EventCycleFinished fires when a relay cycle completes, with a summary.
	EventCycleFinished EventType = "cycle_finished"
	// EventTeamStatus fires after each team's step with its status summary.
	EventTeamStatus EventType = "team_status"
	// EventChatRelayed fires for every chat event delivered to the platform.
	EventChatRelayed EventType = "chat_relayed"
	// EventModerationAction fires when a welcome, warn, boot, or ban is issued.
	EventModerationAction EventType = "moderation_action"
	// EventRestartRequested fires when the re-entrancy guard detects a hung
	// cycle and the process should be restarted by its supervisor.
	EventRestartRequested EventType = "restart_requested"
	// EventShutdown requests a clean process shutdown.
	EventShutdown EventType = "shutdown"
)

// Event is a single published event.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// CycleSummaryPayload describes one completed relay cycle.
type CycleSummaryPayload struct {
	Cycle        uint64  `json:"cycle"`
	Teams        int     `json:"teams"`
	TeamsFailed  int     `json:"teams_failed"`
	EventsPosted int     `json:"events_posted"`
	DurationSec  float64 `json:"duration_sec"`
}

// TeamStatusPayload describes one team after its slice of the cycle.
type TeamStatusPayload struct {
	Team         string   `json:"team"`
	TeamName     string   `json:"team_name"`
	OnlineNames  []string `json:"online_names"`
	MatchCount   int      `json:"match_count"`
	QueueDepth   int      `json:"queue_depth"`
	EventsPosted int      `json:"events_posted"`
}

// ChatRelayedPayload describes one chat event delivered downstream.
type ChatRelayedPayload struct {
	Team      string `json:"team"`
	Author    string `json:"author"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
}

// ModerationActionPayload describes a moderation action taken in game.
type ModerationActionPayload struct {
	Team     string `json:"team"`
	Action   string `json:"action"`
	PlayerID string `json:"player_id"`
	Player   string `json:"player"`
}
