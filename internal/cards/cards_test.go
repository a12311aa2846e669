package cards

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		TokenValues: map[string]int{
			"common": 1,
			"rare":   5,
			"epic":   20,
		},
		Levels: map[string]LevelRule{
			"3":  {SaleThreshold: 1, SaleCount: 2},
			"8":  {SaleThreshold: 5, SaleCount: 3},
			"12": {SaleThreshold: 20, SaleCount: 4},
		},
		HardCap: 10,
		Timers: TimerRules{
			SellCooldownSec: 3600,
			FreePackSec:     14400,
			BonusVideoSec:   7200,
			StarPackSec:     86400,
			SlotUnlockSec:   []int{3600, 7200},
		},
	}
}

func TestChooseCardToSellDeterministic(t *testing.T) {
	cfg := testConfig()
	player := PlayerInventory{
		Level: 8,
		Cards: map[string]OwnedCard{
			"sword": {CardID: "sword", Category: "common", Count: 9, Level: 2},
			"bow":   {CardID: "bow", Category: "rare", Count: 5, Level: 1},
		},
	}
	team := TeamInventory{"sword": 40, "bow": 12}

	first, ok := ChooseCardToSell(player, team, cfg)
	require.True(t, ok)
	second, ok := ChooseCardToSell(player, team, cfg)
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestChooseCardToSellPrefersScarcestTeamStack(t *testing.T) {
	cfg := testConfig()
	player := PlayerInventory{
		Level: 8,
		Cards: map[string]OwnedCard{
			"sword": {CardID: "sword", Category: "common", Count: 9, Level: 2},
			"bow":   {CardID: "bow", Category: "rare", Count: 8, Level: 1},
		},
	}
	// Both stacks qualify; the team holds fewer bows, so bow wins.
	team := TeamInventory{"sword": 40, "bow": 12}

	sale, ok := ChooseCardToSell(player, team, cfg)
	require.True(t, ok)
	assert.Equal(t, "bow", sale.CardID)
	assert.Equal(t, "rare", sale.Category)
	// Owned 8, keep the level's sale count of 3.
	assert.Equal(t, 5, sale.Count)
}

func TestChooseCardToSellLevelGatesCategory(t *testing.T) {
	cfg := testConfig()
	// At level 3 only token value <= 1 is sellable, so the rare bow is
	// out of reach no matter the counts.
	player := PlayerInventory{
		Level: 3,
		Cards: map[string]OwnedCard{
			"bow": {CardID: "bow", Category: "rare", Count: 50, Level: 5},
		},
	}
	team := TeamInventory{"bow": 1}

	_, ok := ChooseCardToSell(player, team, cfg)
	assert.False(t, ok)
}

func TestChooseCardToSellNoRuleForLevel(t *testing.T) {
	cfg := testConfig()
	player := PlayerInventory{
		Level: 99,
		Cards: map[string]OwnedCard{
			"sword": {CardID: "sword", Category: "common", Count: 50, Level: 5},
		},
	}

	_, ok := ChooseCardToSell(player, TeamInventory{"sword": 1}, cfg)
	assert.False(t, ok)
}

func TestChooseCardToSellQualifyingRules(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		name string
		card OwnedCard
		want bool
	}{
		{
			name: "upgraded with excess copies sells",
			card: OwnedCard{CardID: "c", Category: "common", Count: 4, Level: 1},
			want: true,
		},
		{
			name: "upgraded at sale count does not sell",
			card: OwnedCard{CardID: "c", Category: "common", Count: 3, Level: 1},
			want: false,
		},
		{
			name: "never upgraded below hard cap does not sell",
			card: OwnedCard{CardID: "c", Category: "common", Count: 9, Level: 0},
			want: false,
		},
		{
			name: "never upgraded at hard cap plus sale count sells",
			card: OwnedCard{CardID: "c", Category: "common", Count: 13, Level: 0},
			want: true,
		},
	}

	player := PlayerInventory{Level: 8}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			player.Cards = map[string]OwnedCard{"c": tt.card}
			_, ok := ChooseCardToSell(player, TeamInventory{"c": 1}, cfg)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestChooseCardToSellSkipsCardsPlayerDoesNotOwn(t *testing.T) {
	cfg := testConfig()
	player := PlayerInventory{
		Level: 8,
		Cards: map[string]OwnedCard{
			"bow": {CardID: "bow", Category: "rare", Count: 8, Level: 1},
		},
	}
	// Scarcest team stack is a card the player has no copies of.
	team := TeamInventory{"shield": 1, "bow": 30}

	sale, ok := ChooseCardToSell(player, team, cfg)
	require.True(t, ok)
	assert.Equal(t, "bow", sale.CardID)
}

func TestCanSellNow(t *testing.T) {
	cfg := testConfig()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	player := PlayerInventory{
		LastSale:      now.Add(-30 * time.Minute),
		LastFreePack:  now.Add(-5 * time.Hour),
		LastBonusView: now.Add(-1 * time.Hour),
		LastStarPack:  now.Add(-2 * time.Hour),
	}

	canSell, due := CanSellNow(player, cfg, now)
	assert.False(t, canSell, "sell cooldown has not elapsed")
	// Free pack (4h) is due, bonus video (2h) and star pack (24h) are not.
	assert.Equal(t, []PackRequest{PackFree}, due)
}

func TestCanSellNowCooldownElapsed(t *testing.T) {
	cfg := testConfig()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	player := PlayerInventory{
		LastSale:      now.Add(-2 * time.Hour),
		LastFreePack:  now.Add(-10 * time.Minute),
		LastBonusView: now.Add(-10 * time.Minute),
		LastStarPack:  now.Add(-10 * time.Minute),
	}

	canSell, due := CanSellNow(player, cfg, now)
	assert.True(t, canSell)
	assert.Empty(t, due)
}

func TestCanSellNowZeroTimesCountAsDue(t *testing.T) {
	cfg := testConfig()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	canSell, due := CanSellNow(PlayerInventory{}, cfg, now)
	assert.True(t, canSell)
	assert.Contains(t, due, PackFree)
	assert.Contains(t, due, PackBonusVideo)
	assert.Contains(t, due, PackStar)
}

func TestCanSellNowSlotUnlocks(t *testing.T) {
	cfg := testConfig()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	player := PlayerInventory{
		LastSale:      now,
		LastFreePack:  now,
		LastBonusView: now,
		LastStarPack:  now,
		// Slot 0 (1h timer) opened 2h ago: due. Slot 1 (2h timer) opened
		// 1h ago: not due.
		SlotOpenedAt: []time.Time{now.Add(-2 * time.Hour), now.Add(-1 * time.Hour)},
	}

	_, due := CanSellNow(player, cfg, now)
	assert.Equal(t, []PackRequest{PackSlotUnlock}, due)
}
