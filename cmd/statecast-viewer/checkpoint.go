package main

import (
	"context"

	"github.com/agentworkforce/statecast/internal/checkpoint"
	"github.com/agentworkforce/statecast/internal/logging"
	"github.com/agentworkforce/statecast/internal/replica"
)

// checkpointWriter records the last synced replica off the replication loop.
// Only the newest pending view is kept; older ones are superseded.
type checkpointWriter struct {
	backend checkpoint.Backend
	logger  logging.Logger
	latest  chan replica.View
}

func newCheckpointWriter(backend checkpoint.Backend, logger logging.Logger) *checkpointWriter {
	return &checkpointWriter{
		backend: backend,
		logger:  logging.OrNop(logger),
		latest:  make(chan replica.View, 1),
	}
}

// Notify never blocks. Views that are not synced are ignored.
func (w *checkpointWriter) Notify(view replica.View) {
	if w.backend == nil || view.SyncState != replica.Synced {
		return
	}
	for {
		select {
		case w.latest <- view:
			return
		default:
		}
		select {
		case <-w.latest:
		default:
		}
	}
}

func (w *checkpointWriter) Run(ctx context.Context) {
	if w.backend == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case view := <-w.latest:
			w.save(view)
		}
	}
}

func (w *checkpointWriter) save(view replica.View) {
	cp, err := checkpoint.New(view.Index, view.State, view.UpdatedAt)
	if err != nil {
		w.logger.Warn("checkpoint encode failed", "index", view.Index, "err", err)
		return
	}
	if err := w.backend.Save(cp); err != nil {
		w.logger.Warn("checkpoint save failed", "index", view.Index, "err", err)
		return
	}
	w.logger.Debug("checkpoint saved", "index", view.Index, "digest", checkpoint.FormatDigest(cp.Digest))
}
