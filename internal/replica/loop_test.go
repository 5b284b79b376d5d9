package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T, loop *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("loop did not stop")
		}
	})
}

func TestLoopAppliesDeltasOnTick(t *testing.T) {
	loop := NewLoop(LoopOptions{DrainInterval: 50 * time.Millisecond})
	require.True(t, loop.Snapshot(0, map[string]any{"score": []any{0, 0}}))
	require.True(t, loop.Delta(2, []Operation{{Path: []any{"score", 1}, Op: OpSet, Value: 4}}))
	require.True(t, loop.Delta(1, []Operation{{Path: []any{"score", 0}, Op: OpSet, Value: 3}}))
	startLoop(t, loop)

	require.Eventually(t, func() bool {
		return loop.View().Index == 2
	}, 2*time.Second, 5*time.Millisecond)
	view := loop.View()
	assert.Equal(t, Synced, view.SyncState)
	assert.Equal(t, map[string]any{"score": []any{3, 4}}, view.State)
}

func TestLoopForwardsConnectionEvents(t *testing.T) {
	resyncer := &recordingResyncer{}
	loop := NewLoop(LoopOptions{Options: Options{Resyncer: resyncer}, DrainInterval: 10 * time.Millisecond})
	startLoop(t, loop)

	require.True(t, loop.Snapshot(1, map[string]any{}))
	require.True(t, loop.Disconnected())
	require.True(t, loop.Connected())

	require.Eventually(t, func() bool {
		return len(resyncer.Reasons()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{ReasonReconnect}, resyncer.Reasons())
	assert.Equal(t, AwaitingSnapshot, loop.View().SyncState)
}

func TestLoopResyncDefaultsToManualReason(t *testing.T) {
	resyncer := &recordingResyncer{}
	loop := NewLoop(LoopOptions{Options: Options{Resyncer: resyncer}, DrainInterval: 10 * time.Millisecond})
	startLoop(t, loop)

	require.True(t, loop.Snapshot(1, map[string]any{}))
	require.True(t, loop.Resync(""))

	require.Eventually(t, func() bool {
		return loop.View().SyncState == ResyncRequested
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{ReasonManual}, resyncer.Reasons())
}

func TestLoopInboxOverflowRequestsResync(t *testing.T) {
	resyncer := &recordingResyncer{}
	loop := NewLoop(LoopOptions{
		Options:       Options{Resyncer: resyncer},
		DrainInterval: time.Hour,
		InboxSize:     1,
	})

	require.True(t, loop.Snapshot(0, map[string]any{"items": []any{}}))
	assert.False(t, loop.Delta(1, appendOp(1)))
	assert.Equal(t, int64(1), loop.Dropped())

	startLoop(t, loop)
	require.Eventually(t, func() bool {
		return loop.View().SyncState == ResyncRequested
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{ReasonInboxOverflow}, resyncer.Reasons())
}

func TestLoopSetLimits(t *testing.T) {
	loop := NewLoop(LoopOptions{DrainInterval: time.Hour})
	startLoop(t, loop)

	require.True(t, loop.SetLimits(Limits{MaxPending: 1}))
	require.True(t, loop.Snapshot(0, map[string]any{"items": []any{}}))
	require.True(t, loop.Delta(1, appendOp(1)))
	require.True(t, loop.Delta(2, appendOp(2)))

	require.Eventually(t, func() bool {
		return loop.View().SyncState == ResyncRequested
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]any{"items": []any{}}, loop.View().State)
}
