package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverlay carries the secrets that may be supplied through the
// environment instead of the config file. Environment values win over
// file values so deployments can keep credentials out of config.json.
type envOverlay struct {
	DiscordToken    string `env:"GBRELAY_DISCORD_TOKEN"`
	HMACKey         string `env:"GBRELAY_HMAC_KEY"`
	BatchSecret     string `env:"GBRELAY_BATCH_SECRET"`
	CheckerEmail    string `env:"GBRELAY_CHECKER_EMAIL"`
	CheckerPassword string `env:"GBRELAY_CHECKER_PASSWORD"`
}

func applyEnvOverlay(cfg *Config) error {
	var overlay envOverlay
	if err := env.Parse(&overlay); err != nil {
		return fmt.Errorf("environment overlay is invalid: %w", err)
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if overlay.DiscordToken != "" {
		cfg.Discord.Token = overlay.DiscordToken
	}
	if overlay.HMACKey != "" {
		cfg.Backend.HMACKey = overlay.HMACKey
	}
	if overlay.BatchSecret != "" {
		cfg.Backend.BatchSecret = overlay.BatchSecret
	}
	if overlay.CheckerEmail != "" {
		cfg.Backend.CheckerEmail = overlay.CheckerEmail
	}
	if overlay.CheckerPassword != "" {
		cfg.Backend.CheckerPassword = overlay.CheckerPassword
	}
	return nil
}
