package main

import (
	"context"
	"testing"
	"time"

	"github.com/agentworkforce/statecast/internal/checkpoint"
	"github.com/agentworkforce/statecast/internal/replica"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("  ", "", "ws://source", "other"); got != "ws://source" {
		t.Fatalf("expected ws://source, got %q", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestCheckpointWriterKeepsLatestSyncedView(t *testing.T) {
	backend := checkpoint.NewMemoryBackend()
	writer := newCheckpointWriter(backend, nil)

	writer.Notify(replica.View{Index: 1, SyncState: replica.Synced, State: map[string]any{"v": float64(1)}})
	writer.Notify(replica.View{Index: 2, SyncState: replica.Synced, State: map[string]any{"v": float64(2)}})
	writer.Notify(replica.View{Index: 3, SyncState: replica.ResyncRequested, State: map[string]any{"v": float64(3)}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		writer.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cp, err := backend.Load()
		if err != nil {
			t.Fatalf("load checkpoint: %v", err)
		}
		if cp != nil {
			if cp.Index != 2 {
				t.Fatalf("expected latest synced index 2, got %d", cp.Index)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("checkpoint was not written")
}

func TestCheckpointWriterWithoutBackendIsNoop(t *testing.T) {
	writer := newCheckpointWriter(nil, nil)
	writer.Notify(replica.View{Index: 1, SyncState: replica.Synced})
	if len(writer.latest) != 0 {
		t.Fatalf("expected nothing queued without a backend")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	writer.Run(ctx)
}
