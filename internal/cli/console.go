// Package cli implements the interactive operator console: team status,
// queue and redlist inspection, and manual moderation from the terminal.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/gbrelay-project/gbrelay/internal/config"
	"github.com/gbrelay-project/gbrelay/internal/events"
	"github.com/gbrelay-project/gbrelay/internal/state"
)

// CLI provides the interactive console.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	state    *state.Manager

	mu         sync.RWMutex
	teamStatus map[string]events.TeamStatusPayload
}

// NewCLI creates a new console handler.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, st *state.Manager) *CLI {
	c := &CLI{
		cfg:        cfg,
		eventBus:   eventBus,
		state:      st,
		teamStatus: make(map[string]events.TeamStatusPayload),
	}
	eventBus.Subscribe(events.EventTeamStatus, "cli.teamStatus", c.onTeamStatus)
	return c
}

func (c *CLI) onTeamStatus(ctx context.Context, event events.Event) error {
	status, ok := event.Payload.(events.TeamStatusPayload)
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.teamStatus[status.Team] = status
	c.mu.Unlock()
	return nil
}

// Start begins the interactive console loop.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\ngbrelay console ready. Type 'help' for available commands.")
	fmt.Println("─────────────────────────────────────────────────────")

	scanner := bufio.NewScanner(os.Stdin)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Print("gbrelay> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				log.Warn().Err(err).Msg("CLI: input error, console disabled")
			}
			<-ctx.Done()
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(ctx, cmd, args); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

// execute processes a single console command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "teams", "t":
		c.printTeams()
	case "queue":
		return c.cmdQueue(args)
	case "redlist":
		c.printRedlist()
	case "ban":
		return c.cmdBan(args)
	case "send":
		return c.cmdSend(args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down gbrelay...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Println("\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     gbrelay Console Commands                 ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  status             Show last cycle status for all teams    ║")
	fmt.Println("║  teams              List configured teams                   ║")
	fmt.Println("║  queue <channel>    Show outbound queue depth for a channel ║")
	fmt.Println("║  redlist            Show the persisted redlist              ║")
	fmt.Println("║  ban <player-id>    Add a player id to the redlist          ║")
	fmt.Println("║  send <chan> <msg>  Queue a message for the next cycle      ║")
	fmt.Println("║  quit               Shutdown gbrelay                        ║")
	fmt.Println("║  help               Show this help message                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// printStatus displays the latest per-team status in a formatted table.
func (c *CLI) printStatus() {
	c.mu.RLock()
	statuses := make([]events.TeamStatusPayload, 0, len(c.teamStatus))
	for _, st := range c.teamStatus {
		statuses = append(statuses, st)
	}
	c.mu.RUnlock()

	if len(statuses) == 0 {
		fmt.Println("No cycle has completed yet.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Team", "Online", "Matches", "Queue", "Posted"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, st := range statuses {
		tw.Append([]string{
			st.TeamName,
			fmt.Sprintf("%d", len(st.OnlineNames)),
			fmt.Sprintf("%d", st.MatchCount),
			fmt.Sprintf("%d", st.QueueDepth),
			fmt.Sprintf("%d", st.EventsPosted),
		})
	}

	tw.Render()
	fmt.Println()
}

// printTeams lists the configured teams.
func (c *CLI) printTeams() {
	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Name", "Team ID", "Channel", "Read-Only", "Sell Cards"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, team := range c.cfg.GetTeams() {
		tw.Append([]string{
			team.Name,
			team.TeamID,
			team.Channel,
			fmt.Sprintf("%v", team.ReadOnly),
			fmt.Sprintf("%v", team.SellCards),
		})
	}

	tw.Render()
	fmt.Println()
}

func (c *CLI) cmdQueue(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: queue <channel>")
	}
	fmt.Printf("Queue depth for channel %s: %d\n", args[0], c.state.QueueDepth(args[0]))
	return nil
}

// printRedlist shows the persisted redlist.
func (c *CLI) printRedlist() {
	ids := c.state.Redlist()
	if len(ids) == 0 {
		fmt.Println("Redlist is empty.")
		return
	}
	for _, id := range ids {
		fmt.Printf("  - %s\n", id)
	}
}

func (c *CLI) cmdBan(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ban <player-id>")
	}
	if err := c.state.Ban(args[0]); err != nil {
		return err
	}
	fmt.Printf("Redlisted player %s\n", args[0])
	return nil
}

func (c *CLI) cmdSend(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <channel> <message>")
	}
	message := strings.Join(args[1:], " ")
	if err := c.state.EnqueueOutbound(args[0], "", message); err != nil {
		return err
	}
	fmt.Printf("Queued for channel %s: %s\n", args[0], message)
	return nil
}
