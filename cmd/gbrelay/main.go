// gbrelay - game/chat relay bot
//
// gbrelay mirrors in-game team chat into per-team Discord channels and
// back, enforces moderation (welcomes, warnings, redlist bans, boots),
// spectates active matches for live player info, advises card sales,
// and publishes relay telemetry via MQTT and a read-only REST API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gbrelay-project/gbrelay/internal/api"
	"github.com/gbrelay-project/gbrelay/internal/backend"
	"github.com/gbrelay-project/gbrelay/internal/cards"
	"github.com/gbrelay-project/gbrelay/internal/cli"
	"github.com/gbrelay-project/gbrelay/internal/config"
	"github.com/gbrelay-project/gbrelay/internal/discord"
	"github.com/gbrelay-project/gbrelay/internal/events"
	"github.com/gbrelay-project/gbrelay/internal/relay"
	"github.com/gbrelay-project/gbrelay/internal/spectator"
	"github.com/gbrelay-project/gbrelay/internal/state"
	"github.com/gbrelay-project/gbrelay/internal/telemetry"
	"github.com/gbrelay-project/gbrelay/internal/util"
)

const (
	AppName    = "gbrelay"
	AppVersion = "1.0.0"

	// ExitRestart tells the supervisor to restart the process. Used when
	// a relay cycle hangs past its period.
	ExitRestart = 3
)

func main() {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting gbrelay")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Re-initialize logger with config-based settings
	appData := cfg.GetApplicationData()
	logCfg := util.LogConfig{
		Level:      appData.Logging.Level,
		Directory:  appData.Logging.Directory,
		MaxSizeMB:  appData.Logging.MaxSizeMB,
		MaxBackups: appData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("configuration validation failed")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	// Durable state: a corrupted or unwritable store must stop the
	// process, silent watermark/redlist loss repeats moderation actions.
	store, err := openStore(appData.State)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state store")
	}
	stateMgr, err := state.NewManager(store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load relay state")
	}
	defer stateMgr.Close()

	var cardCfg *cards.Config
	if appData.CardsFile != "" {
		cardCfg, err = cards.LoadConfig(appData.CardsFile)
		if err != nil {
			log.Warn().Err(err).Msg("failed to load card config, card sales disabled")
		}
	}

	backendCfg := cfg.GetBackend()
	requestTimeout := time.Duration(appData.Timers.RequestTimeout) * time.Second

	// The signed HTTP batch variant replaces the duplex socket when a
	// batch endpoint is configured.
	connector := relay.ConnectorFunc(func(ctx context.Context, creds backend.Credentials) (relay.Client, error) {
		if backendCfg.BatchURL != "" {
			return backend.ConnectBatch(ctx, backendCfg, creds, requestTimeout)
		}
		session, err := backend.Connect(ctx, backendCfg, creds)
		if err != nil {
			return nil, err
		}
		return backend.NewClient(session, requestTimeout), nil
	})

	watcher := spectator.NewWatcher(nil, time.Duration(appData.Timers.SpectateConnect)*time.Second)

	// The ?playerinfo command uses the checker account for a one-shot
	// lookup so it never disturbs a team session.
	lookup := func(playerID string) (string, error) {
		lookupCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		client, err := connector.Connect(lookupCtx, backend.Credentials{
			Email:    backendCfg.CheckerEmail,
			Password: backendCfg.CheckerPassword,
		})
		if err != nil {
			return "", err
		}
		defer client.Close()

		info, err := client.PlayerInfo(lookupCtx, playerID)
		if err != nil {
			return "", err
		}
		if info.Player == nil {
			return fmt.Sprintf("Player %s: no profile data", playerID), nil
		}
		return fmt.Sprintf("Player %s\nLevel: %d\nCards: %d stacks", playerID, info.Player.Level, len(info.Player.Cards)), nil
	}

	discordConn := discord.NewConnector(cfg, stateMgr, lookup)
	if err := discordConn.Open(); err != nil {
		log.Fatal().Err(err).Msg("failed to open discord connector")
	}
	defer discordConn.Close()

	orchestrator := relay.NewOrchestrator(cfg, stateMgr, connector, discordConn, watcher, cardCfg, eventBus)

	cycleInterval := time.Duration(appData.Timers.CycleInterval) * time.Second
	if cycleInterval <= 0 {
		cycleInterval = config.DefaultCycleSeconds * time.Second
	}
	scheduler := relay.NewScheduler(orchestrator, cycleInterval)

	apiServer := api.NewServer(cfg, eventBus, stateMgr)

	var mqttHandler *telemetry.MQTTHandler
	if appData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	cliHandler := cli.NewCLI(cfg, eventBus, stateMgr)

	var wg sync.WaitGroup
	schedErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting relay scheduler")
		schedErr <- scheduler.Run(ctx)
	}()

	if appData.API.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", appData.API.Port).Msg("starting REST API server")
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting interactive console")
		cliHandler.Start(ctx)
	}()

	// Console quit and slash-command driven shutdown both land here.
	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, event events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested")
	case err := <-schedErr:
		if err == relay.ErrCycleOverrun {
			log.Error().Msg("relay cycle hung, exiting for supervisor restart")
			exitCode = ExitRestart
		} else if errors.Is(err, state.ErrPersistFailed) {
			log.Error().Err(err).Msg("state persistence failed, exiting to protect durable state")
			exitCode = 1
		} else if err != nil {
			log.Error().Err(err).Msg("scheduler stopped with error")
			exitCode = 1
		}
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	os.Exit(exitCode)
}

// openStore builds the configured durable state backend.
func openStore(cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return state.NewSQLiteStore(cfg.Path)
	default:
		return state.NewFileStore(cfg.Path)
	}
}
