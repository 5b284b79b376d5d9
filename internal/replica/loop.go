package replica

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/statecast/internal/logging"
)

const (
	DefaultDrainInterval = time.Second
	DefaultInboxSize     = 1024
)

type LoopOptions struct {
	Options
	DrainInterval time.Duration
	InboxSize     int
}

type eventKind int

const (
	eventSnapshot eventKind = iota
	eventDelta
	eventConnected
	eventDisconnected
	eventResync
	eventLimits
)

type event struct {
	kind   eventKind
	index  uint64
	state  any
	ops    []Operation
	reason string
	limits Limits
}

// Loop confines a Controller to a single goroutine. Submissions never block;
// when the inbox is full the event is dropped and the loop requests a resync
// on its next turn.
type Loop struct {
	ctrl     *Controller
	inbox    chan event
	interval time.Duration
	logger   logging.Logger
	overflow atomic.Bool
	dropped  atomic.Int64
}

func NewLoop(opts LoopOptions) *Loop {
	interval := opts.DrainInterval
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	size := opts.InboxSize
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Loop{
		ctrl:     NewController(opts.Options),
		inbox:    make(chan event, size),
		interval: interval,
		logger:   logging.OrNop(opts.Logger),
	}
}

// Run processes events and drains on every tick until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.inbox:
			l.handle(ev)
		case <-ticker.C:
			l.checkOverflow()
			l.ctrl.Drain()
		}
	}
}

func (l *Loop) handle(ev event) {
	switch ev.kind {
	case eventSnapshot:
		l.ctrl.OnSnapshot(ev.index, ev.state)
	case eventDelta:
		_ = l.ctrl.OnDelta(ev.index, ev.ops)
	case eventConnected:
		l.ctrl.OnReconnect()
	case eventDisconnected:
		l.ctrl.OnDisconnect()
	case eventResync:
		l.ctrl.RequestResync(ev.reason)
	case eventLimits:
		l.ctrl.SetLimits(ev.limits)
		l.logger.Info("replication limits updated",
			"maxPending", ev.limits.MaxPending,
			"maxPendingAge", ev.limits.MaxPendingAge,
			"requireContiguous", ev.limits.RequireContiguous,
			"resyncOnStaleDrain", ev.limits.ResyncOnStaleDrain)
	}
	l.checkOverflow()
}

func (l *Loop) checkOverflow() {
	if !l.overflow.Swap(false) {
		return
	}
	l.logger.Warn("replication inbox overflowed", "dropped", l.dropped.Load())
	l.ctrl.RequestResync(ReasonInboxOverflow)
}

func (l *Loop) submit(ev event) bool {
	select {
	case l.inbox <- ev:
		return true
	default:
		DeltasReceived.WithLabelValues("overflow").Inc()
		l.dropped.Add(1)
		l.overflow.Store(true)
		return false
	}
}

func (l *Loop) Snapshot(index uint64, state any) bool {
	return l.submit(event{kind: eventSnapshot, index: index, state: state})
}

func (l *Loop) Delta(index uint64, ops []Operation) bool {
	return l.submit(event{kind: eventDelta, index: index, ops: ops})
}

func (l *Loop) Connected() bool {
	return l.submit(event{kind: eventConnected})
}

func (l *Loop) Disconnected() bool {
	return l.submit(event{kind: eventDisconnected})
}

// Resync asks the loop to drop its buffer and request a snapshot.
func (l *Loop) Resync(reason string) bool {
	if reason == "" {
		reason = ReasonManual
	}
	return l.submit(event{kind: eventResync, reason: reason})
}

func (l *Loop) SetLimits(limits Limits) bool {
	return l.submit(event{kind: eventLimits, limits: limits})
}

// View returns the latest published view. Safe for concurrent use.
func (l *Loop) View() View {
	return l.ctrl.View()
}

// Dropped reports how many submissions were rejected because the inbox was
// full.
func (l *Loop) Dropped() int64 {
	return l.dropped.Load()
}
