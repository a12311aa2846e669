// Package cards implements the card economy advisor: a pure decision
// function choosing which card stack, if any, a player should sell, plus
// the gating that decides when selling and pack-opening requests are due.
// It has no side effects; the orchestrator issues the resulting commands.
package cards

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Config holds the static card economy tables, normally loaded from
// cardconfig.json.
type Config struct {
	// TokenValues maps card category to its token value.
	TokenValues map[string]int `json:"token_values"`
	// Levels maps the player level (as a string key, JSON-style) to its
	// sale rules.
	Levels map[string]LevelRule `json:"levels"`
	// HardCap is the owned-count ceiling; a stack at or beyond
	// HardCap+SaleCount sells regardless of progression level.
	HardCap int `json:"hard_cap"`
	// Timers gate the side requests and the sale itself.
	Timers TimerRules `json:"timers"`
}

// LevelRule holds one player level's sale rules.
type LevelRule struct {
	// SaleThreshold is the maximum category token value sellable at this
	// level.
	SaleThreshold int `json:"sale_threshold"`
	// SaleCount is the copy count the player must keep; only copies in
	// excess of it are sellable.
	SaleCount int `json:"sale_count"`
}

// TimerRules holds the unlock intervals, in seconds.
type TimerRules struct {
	SellCooldownSec int   `json:"sell_cooldown_sec"`
	FreePackSec     int   `json:"free_pack_sec"`
	BonusVideoSec   int   `json:"bonus_video_sec"`
	StarPackSec     int   `json:"star_pack_sec"`
	SlotUnlockSec   []int `json:"slot_unlock_sec"`
}

// LoadConfig reads the card tables from a JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read card config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse card config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) levelRule(level int) (LevelRule, bool) {
	rule, ok := c.Levels[fmt.Sprintf("%d", level)]
	return rule, ok
}

// OwnedCard is one card stack in a player's inventory.
type OwnedCard struct {
	CardID   string
	Category string
	// Count is the number of copies the player owns.
	Count int
	// Level is the card's progression level; zero means never upgraded.
	Level int
}

// PlayerInventory is the sell-relevant slice of a player's profile.
type PlayerInventory struct {
	Level int
	Cards map[string]OwnedCard

	LastSale      time.Time
	LastFreePack  time.Time
	LastBonusView time.Time
	LastStarPack  time.Time
	SlotOpenedAt  []time.Time
}

// TeamInventory maps card id to the number of copies the team holds.
type TeamInventory map[string]int

// Sale is the advisor's verdict: sell Count copies of the given card.
type Sale struct {
	Category string
	CardID   string
	Count    int
}

// ChooseCardToSell picks the card stack to sell, or reports none.
//
// Team stacks are scanned ascending by team-owned count and the first
// qualifying stack wins, so the team's scarcest-held matching card is sold
// first. That scan order is load-bearing legacy behaviour; do not replace
// it with a most-abundant-first policy.
func ChooseCardToSell(player PlayerInventory, team TeamInventory, cfg *Config) (Sale, bool) {
	rule, ok := cfg.levelRule(player.Level)
	if !ok {
		return Sale{}, false
	}

	type stack struct {
		cardID string
		count  int
	}
	stacks := make([]stack, 0, len(team))
	for id, count := range team {
		stacks = append(stacks, stack{cardID: id, count: count})
	}
	sort.Slice(stacks, func(i, j int) bool {
		if stacks[i].count != stacks[j].count {
			return stacks[i].count < stacks[j].count
		}
		return stacks[i].cardID < stacks[j].cardID
	})

	for _, st := range stacks {
		owned, ok := player.Cards[st.cardID]
		if !ok {
			continue
		}

		tokenValue, ok := cfg.TokenValues[owned.Category]
		if !ok || tokenValue > rule.SaleThreshold {
			continue
		}

		upgraded := owned.Level > 0 && owned.Count > rule.SaleCount
		capped := owned.Count >= cfg.HardCap+rule.SaleCount
		if !upgraded && !capped {
			continue
		}

		return Sale{
			Category: owned.Category,
			CardID:   owned.CardID,
			Count:    owned.Count - rule.SaleCount,
		}, true
	}

	return Sale{}, false
}

// PackRequest identifies a pack-opening side request that is due.
type PackRequest string

const (
	PackFree       PackRequest = "free_pack"
	PackBonusVideo PackRequest = "bonus_video"
	PackStar       PackRequest = "star_pack"
	PackSlotUnlock PackRequest = "slot_unlock"
)

// CanSellNow reports whether the sell cooldown has elapsed, and which
// pack-opening side requests are due regardless of the sale verdict.
func CanSellNow(player PlayerInventory, cfg *Config, now time.Time) (bool, []PackRequest) {
	t := cfg.Timers
	var due []PackRequest

	if elapsed(player.LastFreePack, t.FreePackSec, now) {
		due = append(due, PackFree)
	}
	if elapsed(player.LastBonusView, t.BonusVideoSec, now) {
		due = append(due, PackBonusVideo)
	}
	if elapsed(player.LastStarPack, t.StarPackSec, now) {
		due = append(due, PackStar)
	}
	for i, opened := range player.SlotOpenedAt {
		if i >= len(t.SlotUnlockSec) {
			break
		}
		if elapsed(opened, t.SlotUnlockSec[i], now) {
			due = append(due, PackSlotUnlock)
		}
	}

	return elapsed(player.LastSale, t.SellCooldownSec, now), due
}

func elapsed(since time.Time, intervalSec int, now time.Time) bool {
	if intervalSec <= 0 {
		return false
	}
	if since.IsZero() {
		return true
	}
	return now.Sub(since) >= time.Duration(intervalSec)*time.Second
}
