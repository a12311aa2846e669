package relay

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbrelay-project/gbrelay/internal/backend"
	"github.com/gbrelay-project/gbrelay/internal/cards"
	"github.com/gbrelay-project/gbrelay/internal/config"
	"github.com/gbrelay-project/gbrelay/internal/events"
	"github.com/gbrelay-project/gbrelay/internal/protocol"
	"github.com/gbrelay-project/gbrelay/internal/state"
)

type fakeClient struct {
	mu sync.Mutex

	chat   []protocol.TeamMessage
	roster []protocol.TeamMember
	player *protocol.PlayerProfile

	chatCalls int
	sent      []string
	booted    []string
	promoted  []string
	demoted   []string
	sold      []string
	packs     []string

	blockChat chan struct{}
}

func (c *fakeClient) ListTeamChat(ctx context.Context, teamID string, entryCount int) ([]protocol.TeamMessage, error) {
	c.mu.Lock()
	c.chatCalls++
	c.mu.Unlock()
	if c.blockChat != nil {
		select {
		case <-c.blockChat:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.chat, nil
}

func (c *fakeClient) SendTeamChatMessage(ctx context.Context, teamID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeClient) TeamRoster(ctx context.Context, teamID string) ([]protocol.TeamMember, error) {
	return c.roster, nil
}

func (c *fakeClient) PlayerInfo(ctx context.Context, playerID string) (*protocol.ScriptData, error) {
	return &protocol.ScriptData{Player: c.player}, nil
}

func (c *fakeClient) BootPlayer(ctx context.Context, teamID, playerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.booted = append(c.booted, playerID)
	return nil
}

func (c *fakeClient) PromotePlayer(ctx context.Context, teamID, playerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promoted = append(c.promoted, playerID)
	return nil
}

func (c *fakeClient) DemotePlayer(ctx context.Context, teamID, playerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demoted = append(c.demoted, playerID)
	return nil
}

func (c *fakeClient) ActiveMatchInfo(ctx context.Context, matchID string) (backend.MatchEndpoint, error) {
	return backend.MatchEndpoint{}, errors.New("no match server")
}

func (c *fakeClient) SellCard(ctx context.Context, cardID string, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sold = append(c.sold, cardID)
	return nil
}

func (c *fakeClient) RequestPack(ctx context.Context, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packs = append(c.packs, kind)
	return nil
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakePublisher struct {
	mu      sync.Mutex
	chats   []string
	notices []string
	lookups []string
	failAt  int // fail the Nth PublishChat call (1-based); zero disables
}

func (p *fakePublisher) PublishChat(channel, author, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAt > 0 && len(p.chats)+1 == p.failAt {
		return errors.New("channel unavailable")
	}
	p.chats = append(p.chats, author+": "+text)
	return nil
}

func (p *fakePublisher) PublishNotice(channel, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, text)
	return nil
}

func (p *fakePublisher) PublishPlayerLookup(channel, playerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups = append(p.lookups, playerID)
	return nil
}

func (p *fakePublisher) PublishStatus(channel, ref, text string) (string, error) {
	return "msg-1", nil
}

type fakeWatcher struct{}

func (fakeWatcher) Watch(ctx context.Context, address string, port int, token string, timeout time.Duration) ([]protocol.PlayerRecord, error) {
	return nil, errors.New("unobservable")
}

func testTeamConfig() *config.Config {
	return &config.Config{
		Teams: []config.TeamConfig{{
			Name:     "Alpha",
			TeamID:   "team-1",
			PlayerID: "bot-1",
			Email:    "alpha@example.com",
			Password: "secret",
			Channel:  "chan-42",
		}},
		ApplicationData: config.ApplicationData{
			Timers: config.TimerConfig{
				TeamStepTimeout: 5,
				SpectateTimeout: 1,
				OnlineGraceMS:   60_000,
			},
			Messages: config.MessageConfig{
				Welcome: []string{"Welcome %s!"},
				Banned:  []string{"%s is banned"},
				Warning: []string{"%s, consider this a warning"},
			},
		},
	}
}

// flakyStore wraps a working store and starts failing saves on demand.
// allow grants that many further successful saves after fail is set.
type flakyStore struct {
	inner state.Store
	fail  bool
	allow int
}

func (s *flakyStore) Load() (state.Snapshot, error) { return s.inner.Load() }

func (s *flakyStore) Save(snap state.Snapshot) error {
	if s.fail {
		if s.allow > 0 {
			s.allow--
			return s.inner.Save(snap)
		}
		return errors.New("disk full")
	}
	return s.inner.Save(snap)
}

func (s *flakyStore) Close() error { return s.inner.Close() }

func newStoreOrchestrator(t *testing.T, cfg *config.Config, client *fakeClient, pub *fakePublisher, store state.Store) (*Orchestrator, *state.Manager) {
	t.Helper()
	st, err := state.NewManager(store)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	connector := ConnectorFunc(func(ctx context.Context, creds backend.Credentials) (Client, error) {
		return client, nil
	})
	return NewOrchestrator(cfg, st, connector, pub, fakeWatcher{}, nil, events.NewEventBus()), st
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, client *fakeClient, pub *fakePublisher) (*Orchestrator, *state.Manager) {
	t.Helper()
	store, err := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return newStoreOrchestrator(t, cfg, client, pub, store)
}

func TestRunCycleRetainsTargetedNotifyWhileOffline(t *testing.T) {
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "p-alice", DisplayName: "alice", Online: false}},
	}
	pub := &fakePublisher{}
	o, st := newTestOrchestrator(t, testTeamConfig(), client, pub)

	require.NoError(t, st.EnqueueOutbound("chan-42", "!alice", "your trophies are ready"))
	require.NoError(t, o.RunCycle(context.Background()))

	assert.Equal(t, 1, st.QueueDepth("chan-42"), "offline target keeps the entry queued")
	assert.Empty(t, client.sentMessages())
}

func TestRunCycleDeliversTargetedNotifyWhenOnline(t *testing.T) {
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "p-alice", DisplayName: "alice", Online: true}},
	}
	pub := &fakePublisher{}
	o, st := newTestOrchestrator(t, testTeamConfig(), client, pub)

	require.NoError(t, st.EnqueueOutbound("chan-42", "!alice", "your trophies are ready"))
	require.NoError(t, o.RunCycle(context.Background()))

	assert.Equal(t, 0, st.QueueDepth("chan-42"))
	sent := client.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "@alice your trophies are ready", sent[0])
}

func TestRunCycleAdvancesWatermarkAfterDelivery(t *testing.T) {
	client := &fakeClient{
		chat: []protocol.TeamMessage{
			{Who: "alice", When: 1100, FromID: "p-alice", Message: `{"type":"chat","msg":"one"}`},
			{Who: "bob", When: 1200, FromID: "p-bob", Message: `{"type":"chat","msg":"two"}`},
		},
	}
	pub := &fakePublisher{}
	o, st := newTestOrchestrator(t, testTeamConfig(), client, pub)

	_, err := st.RecordEventProcessed("team-1", 1000)
	require.NoError(t, err)

	require.NoError(t, o.RunCycle(context.Background()))

	assert.Equal(t, int64(1200), st.Watermark("team-1"))
	assert.Len(t, pub.chats, 2)
}

func TestRunCycleHoldsWatermarkOnDeliveryFailure(t *testing.T) {
	client := &fakeClient{
		chat: []protocol.TeamMessage{
			{Who: "alice", When: 1100, FromID: "p-alice", Message: `{"type":"chat","msg":"one"}`},
			{Who: "bob", When: 1200, FromID: "p-bob", Message: `{"type":"chat","msg":"two"}`},
		},
	}
	pub := &fakePublisher{failAt: 2}
	o, st := newTestOrchestrator(t, testTeamConfig(), client, pub)

	// The cycle itself still completes; the team failure is logged.
	require.NoError(t, o.RunCycle(context.Background()))

	// Only the delivered narration moved the watermark, so the failed one
	// is re-fetched next cycle.
	assert.Equal(t, int64(1100), st.Watermark("team-1"))
	assert.Len(t, pub.chats, 1)
}

func TestRunCycleBootsRedlistedJoiner(t *testing.T) {
	client := &fakeClient{
		chat: []protocol.TeamMessage{
			{Who: "dave", When: 100, FromID: "p-dave", Message: `{"type":"join","msg":"dave"}`},
		},
	}
	pub := &fakePublisher{}
	o, st := newTestOrchestrator(t, testTeamConfig(), client, pub)

	require.NoError(t, st.Ban("p-dave"))
	require.NoError(t, o.RunCycle(context.Background()))

	assert.Contains(t, client.booted, "p-dave")
	assert.Empty(t, client.promoted)
	require.NotEmpty(t, pub.notices)
	assert.Contains(t, pub.notices[len(pub.notices)-1], "dave")
}

func TestRunCycleWelcomesAndPromotesJoiner(t *testing.T) {
	client := &fakeClient{
		chat: []protocol.TeamMessage{
			{Who: "erin", When: 100, FromID: "p-erin", Message: `{"type":"join","msg":"erin"}`},
		},
	}
	pub := &fakePublisher{}
	o, _ := newTestOrchestrator(t, testTeamConfig(), client, pub)

	require.NoError(t, o.RunCycle(context.Background()))

	assert.Contains(t, client.promoted, "p-erin")
	sent := client.sentMessages()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[0], "Welcome erin")

	// A second cycle with the same join entry must not welcome again.
	require.NoError(t, o.RunCycle(context.Background()))
	assert.Len(t, client.promoted, 1)
}

func TestRunCycleSkipsTeamWhilePlayerOnline(t *testing.T) {
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "bot-1", DisplayName: "Alpha Bot", Online: true}},
		chat: []protocol.TeamMessage{
			{Who: "alice", When: 100, FromID: "p-alice", Message: `{"type":"chat","msg":"hi"}`},
		},
	}
	pub := &fakePublisher{}
	o, _ := newTestOrchestrator(t, testTeamConfig(), client, pub)

	require.NoError(t, o.RunCycle(context.Background()))

	assert.Equal(t, 0, client.chatCalls, "team sits the cycle out while its player is online")
	assert.Empty(t, pub.chats)
}

func TestRunCycleIgnoreOnlineOverridesSkip(t *testing.T) {
	cfg := testTeamConfig()
	cfg.Teams[0].IgnoreOnline = true
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "bot-1", DisplayName: "Alpha Bot", Online: true}},
	}
	o, _ := newTestOrchestrator(t, cfg, client, &fakePublisher{})

	require.NoError(t, o.RunCycle(context.Background()))

	assert.Equal(t, 1, client.chatCalls)
}

func TestRunCycleAppliesYellowCard(t *testing.T) {
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "p-alice", DisplayName: "alice"}},
	}
	pub := &fakePublisher{}
	o, st := newTestOrchestrator(t, testTeamConfig(), client, pub)

	require.NoError(t, st.EnqueueOutbound("chan-42", OriginYellow, "alice"))
	require.NoError(t, o.RunCycle(context.Background()))

	sent := client.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "alice, consider this a warning", sent[0])
	// A yellow card is a warning plus a demotion, never a boot.
	assert.Equal(t, []string{"p-alice"}, client.demoted)
	assert.Equal(t, 0, st.QueueDepth("chan-42"))
	assert.Empty(t, client.booted)
}

func TestRunCycleAppliesRedCard(t *testing.T) {
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "p-alice", DisplayName: "alice"}},
	}
	o, st := newTestOrchestrator(t, testTeamConfig(), client, &fakePublisher{})

	require.NoError(t, st.EnqueueOutbound("chan-42", OriginRed, "alice"))
	require.NoError(t, o.RunCycle(context.Background()))

	assert.True(t, st.IsBanned("p-alice"))
	assert.Contains(t, client.booted, "p-alice")
}

func TestRunCycleReadOnlyTeamSkipsOutbound(t *testing.T) {
	cfg := testTeamConfig()
	cfg.Teams[0].ReadOnly = true
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "p-alice", DisplayName: "alice"}},
	}
	o, st := newTestOrchestrator(t, cfg, client, &fakePublisher{})

	require.NoError(t, st.EnqueueOutbound("chan-42", OriginYellow, "alice"))
	require.NoError(t, o.RunCycle(context.Background()))

	assert.Empty(t, client.sentMessages())
	assert.Equal(t, 1, st.QueueDepth("chan-42"))
}

func TestRunCycleOverrunGuard(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{blockChat: block}
	o, _ := newTestOrchestrator(t, testTeamConfig(), client, &fakePublisher{})

	firstDone := make(chan error, 1)
	go func() { firstDone <- o.RunCycle(context.Background()) }()

	// Wait for the first cycle to reach the blocking chat fetch.
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.chatCalls > 0
	}, 2*time.Second, 10*time.Millisecond)

	err := o.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleOverrun)

	close(block)
	require.NoError(t, <-firstDone)
}

func TestRunCycleAbortsOnStateFlushFailure(t *testing.T) {
	client := &fakeClient{
		chat: []protocol.TeamMessage{
			{Who: "alice", When: 1100, FromID: "p-alice", Message: `{"type":"chat","msg":"one"}`},
		},
	}
	pub := &fakePublisher{}
	inner, err := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	store := &flakyStore{inner: inner}
	o, _ := newStoreOrchestrator(t, testTeamConfig(), client, pub, store)

	store.fail = true
	err = o.RunCycle(context.Background())

	// The narration went out but its watermark never reached disk, so the
	// process must stop instead of cycling on with a diverged memory view.
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrPersistFailed)
	assert.Len(t, pub.chats, 1)
}

func TestRunCycleKeepsQueueOnDiskWhenDrainFlushFails(t *testing.T) {
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "p-alice", DisplayName: "alice"}},
	}
	inner, err := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	store := &flakyStore{inner: inner}
	o, st := newStoreOrchestrator(t, testTeamConfig(), client, &fakePublisher{}, store)

	require.NoError(t, st.EnqueueOutbound("chan-42", "", "first"))
	require.NoError(t, st.EnqueueOutbound("chan-42", "", "second"))

	store.fail = true
	err = o.RunCycle(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrPersistFailed)
	assert.Empty(t, client.sentMessages())

	// The failed flush left the previous snapshot on disk, so the restart
	// the caller performs reloads both entries.
	reloaded, err := state.NewManager(inner)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.QueueDepth("chan-42"))
}

func TestRunCycleRequeuesTailWhenBanFlushFails(t *testing.T) {
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "p-alice", DisplayName: "alice"}},
	}
	inner, err := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	store := &flakyStore{inner: inner}
	o, st := newStoreOrchestrator(t, testTeamConfig(), client, &fakePublisher{}, store)

	require.NoError(t, st.EnqueueOutbound("chan-42", OriginRed, "alice"))
	require.NoError(t, st.EnqueueOutbound("chan-42", "", "after the ban"))

	// The drain flush still succeeds; the ban flush is the first failure.
	store.fail = true
	store.allow = 1
	err = o.RunCycle(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrPersistFailed)
	// The undelivered tail is not silently consumed.
	assert.Equal(t, 2, st.QueueDepth("chan-42"))
	assert.Empty(t, client.sentMessages())
}

func TestRunCyclePostsPlayerLookupOnJoin(t *testing.T) {
	client := &fakeClient{
		chat: []protocol.TeamMessage{
			{Who: "erin", When: 100, FromID: "p-erin", Message: `{"type":"join","msg":"erin"}`},
		},
	}
	pub := &fakePublisher{}
	o, _ := newTestOrchestrator(t, testTeamConfig(), client, pub)

	require.NoError(t, o.RunCycle(context.Background()))

	assert.Equal(t, []string{"p-erin"}, pub.lookups)
}

func TestRunCycleIssuesDuePackRequests(t *testing.T) {
	now := time.Now()
	cfg := testTeamConfig()
	cfg.Teams[0].SellCards = true
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "p-alice", DisplayName: "alice"}},
		player: &protocol.PlayerProfile{
			Level:        5,
			LastSale:     now.UnixMilli(),
			LastStarPack: now.UnixMilli(),
			// LastFreePack is zero, so the free pack is overdue.
		},
	}
	o, _ := newTestOrchestrator(t, cfg, client, &fakePublisher{})
	o.cardCfg = &cards.Config{
		Levels: map[string]cards.LevelRule{"5": {SaleThreshold: 10, SaleCount: 3}},
		Timers: cards.TimerRules{
			SellCooldownSec: 3600,
			FreePackSec:     1800,
			StarPackSec:     1800,
		},
	}

	require.NoError(t, o.RunCycle(context.Background()))

	// Pack timers fire even while the sell cooldown still blocks a sale.
	assert.Equal(t, []string{"free_pack"}, client.packs)
	assert.Empty(t, client.sold)
}

func TestRunCycleSellsCardWhenDue(t *testing.T) {
	cfg := testTeamConfig()
	cfg.Teams[0].SellCards = true
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "p-alice", DisplayName: "alice"}},
		player: &protocol.PlayerProfile{
			Level:     5,
			Cards:     []protocol.CardStack{{CardID: "card-sword", Category: "common", Count: 8, Level: 1}},
			TeamCards: map[string]int{"card-sword": 12},
		},
	}
	pub := &fakePublisher{}
	o, _ := newTestOrchestrator(t, cfg, client, pub)
	o.cardCfg = &cards.Config{
		TokenValues: map[string]int{"common": 5},
		Levels:      map[string]cards.LevelRule{"5": {SaleThreshold: 10, SaleCount: 3}},
		HardCap:     10,
		Timers:      cards.TimerRules{SellCooldownSec: 3600},
	}

	require.NoError(t, o.RunCycle(context.Background()))

	assert.Equal(t, []string{"card-sword"}, client.sold)
}

func TestRunCycleRelaysFreeTextWithOriginTag(t *testing.T) {
	client := &fakeClient{
		roster: []protocol.TeamMember{{ID: "p-alice", DisplayName: "alice"}},
	}
	o, st := newTestOrchestrator(t, testTeamConfig(), client, &fakePublisher{})

	require.NoError(t, st.EnqueueOutbound("chan-42", "moderator", "keep it friendly"))
	require.NoError(t, st.EnqueueOutbound("chan-42", "", "announcement text"))
	require.NoError(t, o.RunCycle(context.Background()))

	sent := client.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "moderator: keep it friendly", sent[0])
	assert.Equal(t, "announcement text", sent[1])
}
