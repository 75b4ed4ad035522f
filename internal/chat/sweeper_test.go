package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperEvictsIdleConversations(t *testing.T) {
	t.Parallel()

	cache := NewCache()
	past := time.Now().UTC().Add(-90 * time.Minute)
	cache.now = func() time.Time { return past }
	cache.Append("idle", "", Turn{Role: RoleVisitor, Text: "long ago"})
	cache.now = time.Now
	cache.Append("active", "", Turn{Role: RoleVisitor, Text: "just now"})

	sweeper := NewSweeper(SweeperConfig{
		Cache:     cache,
		Interval:  10 * time.Millisecond,
		Retention: time.Hour,
	})
	sweeper.Start()
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		return len(cache.SnapshotByChat("idle")) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, cache.SnapshotByChat("active"), 1)
}

func TestSweeperSurvivesPanickingTick(t *testing.T) {
	t.Parallel()

	// A nil cache makes every tick panic; the loop must keep ticking and
	// still shut down cleanly.
	sweeper := NewSweeper(SweeperConfig{
		Cache:    nil,
		Interval: 5 * time.Millisecond,
	})
	sweeper.Start()
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after panicking ticks")
	}
}

func TestSweeperStopIsIdempotent(t *testing.T) {
	t.Parallel()

	sweeper := NewSweeper(SweeperConfig{Cache: NewCache(), Interval: time.Minute})
	sweeper.Start()
	sweeper.Stop()
	sweeper.Stop()
}

func TestSweeperStopWithoutStart(t *testing.T) {
	t.Parallel()

	sweeper := NewSweeper(SweeperConfig{Cache: NewCache(), Interval: time.Minute})

	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop must not block when the sweeper never started")
	}
}
