package relay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbrelay-project/gbrelay/internal/protocol"
	"github.com/gbrelay-project/gbrelay/internal/state"
)

func TestSchedulerRunsCyclesOnInterval(t *testing.T) {
	client := &fakeClient{}
	o, _ := newTestOrchestrator(t, testTeamConfig(), client, &fakePublisher{})
	s := NewScheduler(o, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Run(ctx))

	// One immediate cycle plus at least two ticks.
	client.mu.Lock()
	calls := client.chatCalls
	client.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 3)
}

func TestSchedulerReturnsOverrunWhenCycleHangs(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{blockChat: block}
	o, _ := newTestOrchestrator(t, testTeamConfig(), client, &fakePublisher{})
	s := NewScheduler(o, 30*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		err = s.Run(context.Background())
	}()
	wg.Wait()

	assert.ErrorIs(t, err, ErrCycleOverrun)
	close(block)
}

func TestSchedulerStopsOnStateFlushFailure(t *testing.T) {
	client := &fakeClient{
		chat: []protocol.TeamMessage{
			{Who: "alice", When: 1100, FromID: "p-alice", Message: `{"type":"chat","msg":"one"}`},
		},
	}
	inner, err := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	store := &flakyStore{inner: inner, fail: true}
	o, _ := newStoreOrchestrator(t, testTeamConfig(), client, &fakePublisher{}, store)
	s := NewScheduler(o, time.Hour)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, state.ErrPersistFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler kept running past a persistence failure")
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	client := &fakeClient{}
	o, _ := newTestOrchestrator(t, testTeamConfig(), client, &fakePublisher{})
	s := NewScheduler(o, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
