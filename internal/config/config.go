// Package config handles configuration loading, validation, and persistence
// for the gbrelay bot.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"

	// DefaultCycleSeconds is the fixed relay cycle period.
	DefaultCycleSeconds = 120
)

// Config is the root configuration structure for gbrelay.
type Config struct {
	mu   sync.RWMutex
	path string

	Backend         BackendConfig   `json:"backend"`
	Discord         DiscordConfig   `json:"discord"`
	Teams           []TeamConfig    `json:"teams"`
	ApplicationData ApplicationData `json:"application_data"`
}

// BackendConfig contains game backend connection settings.
type BackendConfig struct {
	// EntryURL is the portal endpoint that hands out the real connect URL.
	EntryURL string `json:"entry_url"`
	// HMACKey is the shared secret used to sign the handshake nonce.
	HMACKey string `json:"hmac_key"`

	// Checker account used for online-status checks.
	CheckerEmail    string `json:"checker_email"`
	CheckerPassword string `json:"checker_password"`

	// Batch variant (signed HTTP request/response protocol).
	BatchURL    string `json:"batch_url"`
	BatchSecret string `json:"batch_secret"`
	GameID      string `json:"game_id"`

	// Client identity sent with the login request.
	GameVersion   int `json:"game_version"`
	ClientVersion int `json:"client_version"`
}

// DiscordConfig contains chat-platform settings.
type DiscordConfig struct {
	Token         string   `json:"token"`
	GuildIDs      []string `json:"guild_ids"`
	Admins        []string `json:"admins"`
	StatusChannel string   `json:"status_channel"`
}

// TeamConfig describes one relayed team: its in-game identity, the channel
// it mirrors to, and per-team behaviour flags.
type TeamConfig struct {
	Name         string `json:"name"`
	TeamID       string `json:"teamid"`
	PlayerID     string `json:"playerid"`
	Email        string `json:"email"`
	Password     string `json:"pass"`
	Channel      string `json:"channel"`
	Colour       string `json:"colour"`
	ReadOnly     bool   `json:"read_only"`
	IgnoreOnline bool   `json:"ignore_online"`
	SellCards    bool   `json:"sell_cards"`
}

// ApplicationData contains relay application configuration.
type ApplicationData struct {
	Timers    TimerConfig   `json:"timers"`
	Messages  MessageConfig `json:"messages"`
	State     StateConfig   `json:"state"`
	MQTT      MQTTConfig    `json:"mqtt"`
	API       APIConfig     `json:"api"`
	CardsFile string        `json:"cards_file"`
	Logging   LoggingConfig `json:"logging"`
}

// TimerConfig holds cycle pacing and timeout settings.
type TimerConfig struct {
	CycleInterval   int `json:"cycle_interval_sec"`
	RequestTimeout  int `json:"request_timeout_sec"`
	TeamStepTimeout int `json:"team_step_timeout_sec"`
	SpectateTimeout int `json:"spectate_timeout_sec"`
	SpectateConnect int `json:"spectate_connect_sec"`
	// OnlineGraceMS is how recently a member must have logged in for the
	// online flag to be trusted. Milliseconds, matching the backend's
	// last_login field.
	OnlineGraceMS int64 `json:"online_grace_ms"`
}

// MessageConfig holds the moderation message templates. Each entry is one
// language variant, formatted with the player's display name.
type MessageConfig struct {
	Welcome []string `json:"welcome"`
	Banned  []string `json:"banned"`
	Warning []string `json:"warning"`
}

// StateConfig selects and locates the durable state backend.
type StateConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	CAFile    string `json:"ca_file"`
	ClientID  string `json:"client_id"`
}

// APIConfig holds the status REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			GameVersion:   9999,
			ClientVersion: 99999,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				CycleInterval:   DefaultCycleSeconds,
				RequestTimeout:  30,
				TeamStepTimeout: 90,
				SpectateTimeout: 10,
				SpectateConnect: 1,
				OnlineGraceMS:   300_000,
			},
			Messages: DefaultMessages(),
			State: StateConfig{
				Backend: "file",
				Path:    "config/state.json",
			},
			MQTT: MQTTConfig{
				Port:   8883,
				UseTLS: true,
			},
			API: APIConfig{
				Port: 5000,
			},
			CardsFile: "config/cardconfig.json",
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file, overlays secret environment
// variables, and validates the result.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath

	if err := applyEnvOverlay(cfg); err != nil {
		return nil, err
	}

	log.Info().Str("path", configPath).Int("teams", len(cfg.Teams)).Msg("configuration loaded")
	return cfg, nil
}

// Validate reports the structural problems that prevent the relay from
// running at all. Per-team problems are logged and skipped at cycle time.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Backend.EntryURL == "" && c.Backend.BatchURL == "" {
		return fmt.Errorf("backend: one of entry_url or batch_url is required")
	}
	if c.Backend.EntryURL != "" && c.Backend.HMACKey == "" {
		return fmt.Errorf("backend: hmac_key is required with entry_url")
	}
	if c.Discord.Token == "" {
		return fmt.Errorf("discord: token is required")
	}
	if len(c.Teams) == 0 {
		return fmt.Errorf("teams: at least one team must be configured")
	}
	for i, team := range c.Teams {
		if team.TeamID == "" || team.Channel == "" {
			return fmt.Errorf("teams[%d] (%s): teamid and channel are required", i, team.Name)
		}
	}
	switch c.ApplicationData.State.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("state: unknown backend %q", c.ApplicationData.State.Backend)
	}
	return nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetBackend returns a copy of the backend configuration.
func (c *Config) GetBackend() BackendConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Backend
}

// GetDiscord returns a copy of the Discord configuration.
func (c *Config) GetDiscord() DiscordConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Discord
}

// GetTeams returns a copy of the configured team list.
func (c *Config) GetTeams() []TeamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	teams := make([]TeamConfig, len(c.Teams))
	copy(teams, c.Teams)
	return teams
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// IsAdmin reports whether the given platform user may issue moderation
// commands.
func (c *Config) IsAdmin(user string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, admin := range c.Discord.Admins {
		if admin == user {
			return true
		}
	}
	return false
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
