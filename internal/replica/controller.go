package replica

import (
	"sync/atomic"
	"time"

	"github.com/agentworkforce/statecast/internal/logging"
)

const (
	ReasonStaleDelta    = "stale_delta"
	ReasonStaleDrain    = "stale_drain"
	ReasonApplyFailed   = "apply_failed"
	ReasonBufferFull    = "buffer_full"
	ReasonBufferExpired = "buffer_expired"
	ReasonGap           = "sequence_gap"
	ReasonInboxOverflow = "inbox_overflow"
	ReasonReconnect     = "reconnect"
	ReasonManual        = "manual"
)

const (
	DefaultMaxPending    = 4096
	DefaultMaxPendingAge = 30 * time.Second
)

// Resyncer asks the authoritative source for a fresh snapshot. It must not
// block; completion is observed through a later OnSnapshot.
type Resyncer interface {
	RequestSnapshot(reason string)
}

type ResyncFunc func(reason string)

func (f ResyncFunc) RequestSnapshot(reason string) {
	f(reason)
}

// Limits are the controller tunables that may change while it runs.
// MaxPendingAge is checked when a record arrives and again at each drain, so
// it also bounds a buffer whose drain is delayed.
type Limits struct {
	MaxPending         int
	MaxPendingAge      time.Duration
	RequireContiguous  bool
	ResyncOnStaleDrain bool
}

func (l Limits) withDefaults() Limits {
	if l.MaxPending <= 0 {
		l.MaxPending = DefaultMaxPending
	}
	if l.MaxPendingAge <= 0 {
		l.MaxPendingAge = DefaultMaxPendingAge
	}
	return l
}

type Options struct {
	Limits
	Resyncer Resyncer
	Logger   logging.Logger
	// OnChange runs on the controller's goroutine after the replica, the
	// last applied index or the sync state changes.
	OnChange func(View)
	Now      func() time.Time
}

// DrainResult summarises one drain cycle.
type DrainResult struct {
	Applied int
	Stale   int
	Ops     int
	Index   uint64
	Err     error
}

// Controller owns the replica. Apart from View, its methods are not safe for
// concurrent use; Loop confines them to one goroutine.
type Controller struct {
	limits   Limits
	resyncer Resyncer
	logger   logging.Logger
	onChange func(View)
	now      func() time.Time

	state       any
	lastApplied uint64
	version     uint64
	sync        SyncState
	pending     *PendingQueue
	view        atomic.Pointer[View]
}

func NewController(opts Options) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		limits:   opts.Limits.withDefaults(),
		resyncer: opts.Resyncer,
		logger:   logging.OrNop(opts.Logger),
		onChange: opts.OnChange,
		now:      now,
		sync:     AwaitingSnapshot,
		pending:  NewPendingQueue(),
	}
	c.publish(false)
	return c
}

// SetLimits replaces the tunables. Records already buffered are kept.
func (c *Controller) SetLimits(l Limits) {
	c.limits = l.withDefaults()
}

func (c *Controller) Limits() Limits {
	return c.limits
}

// OnSnapshot replaces the replica with a copy of state as of index. Buffered
// records are discarded, not reconciled.
func (c *Controller) OnSnapshot(index uint64, state any) {
	discarded := c.pending.Len()
	c.state = Clone(state)
	c.lastApplied = index
	c.version++
	c.pending.Clear()
	c.sync = Synced

	SnapshotsApplied.Inc()
	LastAppliedIndex.Set(float64(index))
	PendingDepth.Set(0)
	c.logger.Info("snapshot applied", "index", index, "discarded", discarded)
	c.publish(true)
}

// OnDelta buffers a record for the next drain. Records arriving while the
// replica is not synced are ignored. A stale record is dropped and returned
// as a *StaleError; when other records are pending it also triggers a resync.
func (c *Controller) OnDelta(index uint64, ops []Operation) error {
	if c.sync != Synced {
		DeltasReceived.WithLabelValues("ignored").Inc()
		c.logger.Debug("delta ignored while not synced", "index", index, "syncState", c.sync.String())
		return nil
	}
	if index < c.lastApplied {
		DeltasReceived.WithLabelValues("stale").Inc()
		pending := c.pending.Len()
		c.logger.Warn("stale delta dropped", "index", index, "lastApplied", c.lastApplied, "pending", pending)
		if pending > 0 {
			c.RequestResync(ReasonStaleDelta)
		}
		return &StaleError{Index: index, LastApplied: c.lastApplied}
	}
	if c.pending.Len() >= c.limits.MaxPending {
		DeltasReceived.WithLabelValues("overflow").Inc()
		c.logger.Warn("pending buffer full; dropping buffer", "index", index, "limit", c.limits.MaxPending)
		c.RequestResync(ReasonBufferFull)
		return ErrBufferOverflow
	}
	if c.expired() {
		DeltasReceived.WithLabelValues("expired").Inc()
		c.logger.Warn("pending buffer too old; dropping buffer", "index", index, "limit", c.limits.MaxPendingAge)
		c.RequestResync(ReasonBufferExpired)
		return ErrBufferExpired
	}
	c.pending.Push(Delta{Index: index, Ops: ops}, c.now())
	DeltasReceived.WithLabelValues("buffered").Inc()
	PendingDepth.Set(float64(c.pending.Len()))
	c.publish(false)
	return nil
}

// Drain applies every eligible buffered record as one batch. Either the whole
// batch lands or the last good replica is kept and a resync is requested.
func (c *Controller) Drain() DrainResult {
	result := DrainResult{Index: c.lastApplied}
	if c.pending.Len() == 0 {
		Drains.WithLabelValues("empty").Inc()
		return result
	}
	if c.sync != Synced {
		c.pending.Clear()
		PendingDepth.Set(0)
		return result
	}

	if c.expired() {
		Drains.WithLabelValues("expired").Inc()
		c.logger.Warn("pending buffer too old; dropping buffer", "limit", c.limits.MaxPendingAge)
		result.Err = ErrBufferExpired
		c.RequestResync(ReasonBufferExpired)
		return result
	}

	c.pending.Sort()
	stale, eligible := c.pending.Partition(c.lastApplied)
	result.Stale = len(stale)
	for _, d := range stale {
		c.logger.Warn("stale delta dropped at drain", "index", d.Index, "lastApplied", c.lastApplied)
	}
	if len(stale) > 0 && c.limits.ResyncOnStaleDrain {
		Drains.WithLabelValues("stale").Inc()
		result.Err = &StaleError{Index: stale[0].Index, LastApplied: c.lastApplied}
		c.RequestResync(ReasonStaleDrain)
		return result
	}
	if len(eligible) == 0 {
		c.pending.Clear()
		PendingDepth.Set(0)
		Drains.WithLabelValues("stale").Inc()
		c.publish(false)
		return result
	}
	if c.limits.RequireContiguous {
		if gap := findGap(c.lastApplied, eligible); gap != nil {
			Drains.WithLabelValues("gap").Inc()
			c.logger.Warn("sequence gap in pending buffer", "lastApplied", c.lastApplied, "next", gap.Next, "after", gap.After)
			result.Err = gap
			c.RequestResync(ReasonGap)
			return result
		}
	}

	combined := Combine(eligible)
	started := time.Now()
	next, err := Apply(c.state, combined.Ops)
	ApplyDuration.Observe(time.Since(started).Seconds())
	c.pending.Clear()
	PendingDepth.Set(0)
	if err != nil {
		Drains.WithLabelValues("failed").Inc()
		c.logger.Error("apply failed; keeping last good replica", "err", err, "records", len(eligible), "ops", len(combined.Ops), "lastApplied", c.lastApplied)
		result.Err = err
		c.RequestResync(ReasonApplyFailed)
		return result
	}

	c.state = next
	c.lastApplied = combined.Index
	c.version++
	result.Applied = len(eligible)
	result.Ops = len(combined.Ops)
	result.Index = combined.Index

	Drains.WithLabelValues("applied").Inc()
	LastAppliedIndex.Set(float64(combined.Index))
	c.logger.Debug("batch applied", "records", len(eligible), "ops", len(combined.Ops), "index", combined.Index)
	c.publish(true)
	return result
}

// RequestResync asks the channel for a fresh snapshot and stops buffering
// until one arrives. Repeated calls before the snapshot are no-ops.
func (c *Controller) RequestResync(reason string) {
	if c.sync == ResyncRequested {
		return
	}
	c.sync = ResyncRequested
	c.pending.Clear()
	PendingDepth.Set(0)
	ResyncRequests.WithLabelValues(reason).Inc()
	c.logger.Warn("requesting resync", "reason", reason, "lastApplied", c.lastApplied)
	if c.resyncer != nil {
		c.resyncer.RequestSnapshot(reason)
	}
	c.publish(true)
}

// OnDisconnect drops back to awaiting a snapshot. The last good replica stays
// readable but is no longer advanced.
func (c *Controller) OnDisconnect() {
	c.sync = AwaitingSnapshot
	c.pending.Clear()
	PendingDepth.Set(0)
	c.logger.Info("channel disconnected; awaiting snapshot", "lastApplied", c.lastApplied)
	c.publish(true)
}

// OnReconnect requests a snapshot for the new connection.
func (c *Controller) OnReconnect() {
	ResyncRequests.WithLabelValues(ReasonReconnect).Inc()
	c.logger.Info("channel connected; requesting snapshot")
	if c.resyncer != nil {
		c.resyncer.RequestSnapshot(ReasonReconnect)
	}
}

func (c *Controller) SyncState() SyncState {
	return c.sync
}

func (c *Controller) LastApplied() uint64 {
	return c.lastApplied
}

func (c *Controller) PendingLen() int {
	return c.pending.Len()
}

// Replica returns the current replica. It must be treated as read-only.
func (c *Controller) Replica() any {
	return c.state
}

// View returns the last published view. Safe for concurrent use.
func (c *Controller) View() View {
	v := c.view.Load()
	if v == nil {
		return View{SyncState: AwaitingSnapshot}
	}
	return *v
}

func (c *Controller) publish(transition bool) {
	v := &View{
		Index:     c.lastApplied,
		Version:   c.version,
		SyncState: c.sync,
		State:     c.state,
		Pending:   c.pending.Len(),
		UpdatedAt: c.now(),
	}
	c.view.Store(v)
	if transition && c.onChange != nil {
		c.onChange(*v)
	}
}

func (c *Controller) expired() bool {
	oldest, ok := c.pending.OldestArrival()
	return ok && c.now().Sub(oldest) > c.limits.MaxPendingAge
}

func findGap(lastApplied uint64, eligible []Delta) *GapError {
	expected := lastApplied
	for _, d := range eligible {
		if d.Index > expected+1 {
			return &GapError{After: expected, Next: d.Index}
		}
		if d.Index > expected {
			expected = d.Index
		}
	}
	return nil
}
