// Package source holds the authoritative state tree and fans out snapshot
// and delta frames to subscribed viewers.
package source

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/statecast/internal/checkpoint"
	"github.com/agentworkforce/statecast/internal/logging"
	"github.com/agentworkforce/statecast/internal/replica"
	"github.com/agentworkforce/statecast/internal/wire"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

const DefaultSubscriberBuffer = 256

var (
	ErrSlowConsumer = errors.New("subscriber too slow")
	ErrHubClosed    = errors.New("hub closed")
)

type Options struct {
	Checkpoint       checkpoint.Backend
	Logger           logging.Logger
	SubscriberBuffer int
	Now              func() time.Time
}

// Hub serialises every change to the state tree. Each change gets the next
// sequence index, is persisted, and is then broadcast under the same lock so
// all subscribers observe frames in index order.
type Hub struct {
	mu     sync.Mutex
	index  uint64
	state  any
	closed bool

	backend     checkpoint.Backend
	subscribers *xsync.MapOf[string, *Subscriber]
	logger      logging.Logger
	buffer      int
	now         func() time.Time
}

func NewHub(opts Options) (*Hub, error) {
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	h := &Hub{
		state:       map[string]any{},
		backend:     opts.Checkpoint,
		subscribers: xsync.NewMapOf[string, *Subscriber](),
		logger:      logging.OrNop(opts.Logger),
		buffer:      buffer,
		now:         now,
	}
	if h.backend != nil {
		cp, err := h.backend.Load()
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if cp != nil {
			h.index = cp.Index
			h.state = cp.State
			h.logger.Info("restored state from checkpoint", "index", cp.Index, "digest", checkpoint.FormatDigest(cp.Digest))
		}
	}
	CurrentIndex.Set(float64(h.index))
	return h, nil
}

// Mutate applies ops atomically and broadcasts them as one delta. Nothing is
// committed when any operation cannot be applied.
func (h *Hub) Mutate(ops []replica.Operation) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrHubClosed
	}
	next, err := replica.Apply(h.state, ops)
	if err != nil {
		return 0, err
	}
	index := h.index + 1
	if err := h.persist(index, next); err != nil {
		return 0, err
	}
	h.index = index
	h.state = next

	frame, err := wire.Encode(&wire.Delta{Index: index, Changes: ops})
	if err != nil {
		return index, err
	}
	h.broadcast(wire.TypeDelta, frame)
	return index, nil
}

// Replace swaps the whole tree and broadcasts it as a snapshot.
func (h *Hub) Replace(state any) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrHubClosed
	}
	next := replica.Clone(state)
	index := h.index + 1
	if err := h.persist(index, next); err != nil {
		return 0, err
	}
	h.index = index
	h.state = next

	frame, err := wire.Encode(&wire.Snapshot{Index: index, State: next})
	if err != nil {
		return index, err
	}
	h.broadcast(wire.TypeSnapshot, frame)
	return index, nil
}

// Current returns the index and a private copy of the tree.
func (h *Hub) Current() (uint64, any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index, replica.Clone(h.state)
}

// Subscribe registers a subscriber whose first frame is a snapshot of the
// current state. No change can slip between that snapshot and the first
// delta the subscriber receives.
func (h *Hub) Subscribe() (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	frame, err := wire.Encode(&wire.Snapshot{Index: h.index, State: h.state})
	if err != nil {
		return nil, err
	}
	sub := newSubscriber(uuid.Must(uuid.NewV7()).String(), h.buffer)
	sub.frames <- frame
	h.subscribers.Store(sub.ID, sub)
	Subscribers.Set(float64(h.subscribers.Size()))
	h.logger.Info("subscriber joined", "subscriber", sub.ID, "index", h.index)
	return sub, nil
}

// Unsubscribe removes the subscriber and closes its done channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	if _, ok := h.subscribers.LoadAndDelete(sub.ID); ok {
		Subscribers.Set(float64(h.subscribers.Size()))
		h.logger.Info("subscriber left", "subscriber", sub.ID)
	}
	sub.close(nil)
}

// SendSnapshot queues a fresh snapshot for one subscriber, typically in
// answer to its resync command.
func (h *Hub) SendSnapshot(sub *Subscriber, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	frame, err := wire.Encode(&wire.Snapshot{Index: h.index, State: h.state})
	if err != nil {
		return err
	}
	SnapshotRequests.WithLabelValues(reasonLabel(reason)).Inc()
	h.logger.Info("snapshot requested", "subscriber", sub.ID, "reason", reason, "index", h.index)
	if !h.deliver(sub, frame) {
		return ErrSlowConsumer
	}
	return nil
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	return h.subscribers.Size()
}

// Close disconnects every subscriber and rejects further changes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.subscribers.Range(func(id string, sub *Subscriber) bool {
		sub.close(ErrHubClosed)
		return true
	})
	h.subscribers.Clear()
	Subscribers.Set(0)
}

func (h *Hub) persist(index uint64, state any) error {
	if h.backend == nil {
		CurrentIndex.Set(float64(index))
		return nil
	}
	cp, err := checkpoint.New(index, state, h.now())
	if err != nil {
		return err
	}
	if err := h.backend.Save(cp); err != nil {
		h.logger.Error("checkpoint save failed", "index", index, "err", err)
		return fmt.Errorf("save checkpoint: %w", err)
	}
	CurrentIndex.Set(float64(index))
	return nil
}

func (h *Hub) broadcast(kind string, frame []byte) {
	Broadcasts.WithLabelValues(kind).Inc()
	h.subscribers.Range(func(id string, sub *Subscriber) bool {
		h.deliver(sub, frame)
		return true
	})
}

// deliver never blocks. A subscriber whose buffer is full is dropped; its
// viewer reconnects and resynchronises from a snapshot.
func (h *Hub) deliver(sub *Subscriber, frame []byte) bool {
	select {
	case <-sub.done:
		return false
	default:
	}
	select {
	case sub.frames <- frame:
		return true
	default:
		SlowConsumers.Inc()
		h.logger.Warn("dropping slow subscriber", "subscriber", sub.ID, "buffer", cap(sub.frames))
		h.subscribers.Delete(sub.ID)
		Subscribers.Set(float64(h.subscribers.Size()))
		sub.close(ErrSlowConsumer)
		return false
	}
}

func reasonLabel(reason string) string {
	if reason == "" {
		return "unspecified"
	}
	return reason
}

// Subscriber is one viewer's outbound frame queue.
type Subscriber struct {
	ID string

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newSubscriber(id string, buffer int) *Subscriber {
	return &Subscriber{
		ID:     id,
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Frames yields encoded frames in index order.
func (s *Subscriber) Frames() <-chan []byte {
	return s.frames
}

// Done is closed once the hub stops delivering to this subscriber.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Err reports why delivery stopped. It is nil after a plain Unsubscribe.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscriber) close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}
