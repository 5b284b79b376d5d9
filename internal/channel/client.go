// Package channel connects a viewer to the source's websocket stream and
// hands decoded frames to the replication loop.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/statecast/internal/logging"
	"github.com/agentworkforce/statecast/internal/replica"
	"github.com/agentworkforce/statecast/internal/wire"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	DefaultBaseDelay   = 250 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultJitterRatio = 0.2
	DefaultReadLimit   = 16 << 20
	streamPath         = "/v1/stream"
)

var ErrInvalidURL = errors.New("invalid source url")

// Sink receives decoded traffic. Implementations must not block;
// *replica.Loop satisfies it.
type Sink interface {
	Snapshot(index uint64, state any) bool
	Delta(index uint64, ops []replica.Operation) bool
	Connected() bool
	Disconnected() bool
}

type Options struct {
	URL         string
	Token       string
	Logger      logging.Logger
	HTTPClient  *http.Client
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// JitterRatio spreads reconnect delays; zero selects the default and a
	// negative value disables jitter.
	JitterRatio float64
	ReadLimit   int64
}

type Client struct {
	url         string
	token       string
	logger      logging.Logger
	httpClient  *http.Client
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitterRatio float64
	readLimit   int64

	requests  chan string
	connected atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewClient(opts Options) (*Client, error) {
	streamURL, err := StreamURL(opts.URL)
	if err != nil {
		return nil, err
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	jitter := opts.JitterRatio
	if jitter == 0 {
		jitter = DefaultJitterRatio
	}
	return &Client{
		url:         streamURL,
		token:       strings.TrimSpace(opts.Token),
		logger:      logging.OrNop(opts.Logger),
		httpClient:  opts.HTTPClient,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		jitterRatio: clampJitterRatio(jitter),
		readLimit:   readLimit,
		requests:    make(chan string, 1),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// StreamURL normalises a source base URL into its websocket stream endpoint.
// http and https are mapped to ws and wss; a URL without a path gets the
// default stream path.
func StreamURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if strings.Trim(parsed.Path, "/") == "" {
		parsed.Path = streamPath
	}
	return parsed.String(), nil
}

// Run keeps a stream open until ctx is done, redialling with capped
// exponential backoff after every failure.
func (c *Client) Run(ctx context.Context, sink Sink) error {
	attempt := 0
	for {
		connected, err := c.stream(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := c.retryDelay(attempt)
		c.logger.Warn("stream interrupted; reconnecting", "err", err, "attempt", attempt, "delay", delay)
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

// RequestSnapshot queues a resync command for the live connection. It never
// blocks: a request already queued absorbs this one, and without a live
// connection the request is dropped because every new connection starts with
// a snapshot.
func (c *Client) RequestSnapshot(reason string) {
	if !c.connected.Load() {
		c.logger.Debug("snapshot request without live stream", "reason", reason)
		return
	}
	select {
	case c.requests <- reason:
	default:
		c.logger.Debug("snapshot request coalesced", "reason", reason)
	}
}

// Connected reports whether a stream is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) stream(ctx context.Context, sink Sink) (bool, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	header.Set("X-Correlation-Id", correlationID())

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		Connections.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("%w: dial %s: %v", replica.ErrChannelFailure, c.url, err)
	}
	Connections.WithLabelValues("established").Inc()
	conn.SetReadLimit(c.readLimit)
	c.logger.Info("stream connected", "url", c.url)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.discardRequests()
	c.connected.Store(true)
	sink.Connected()
	defer func() {
		c.connected.Store(false)
		sink.Disconnected()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.writeCommands(streamCtx, conn)
		cancel()
	}()

	for {
		_, data, err := conn.Read(streamCtx)
		if err != nil {
			select {
			case werr := <-writeErr:
				if werr != nil {
					err = werr
				}
			default:
			}
			return true, fmt.Errorf("%w: %v", replica.ErrChannelFailure, err)
		}
		c.dispatch(data, sink)
	}
}

func (c *Client) dispatch(data []byte, sink Sink) {
	msg, err := wire.Decode(data)
	if err != nil {
		MalformedFrames.Inc()
		c.logger.Warn("dropping malformed frame", "err", err)
		return
	}
	FramesReceived.WithLabelValues(msg.MessageType()).Inc()
	switch m := msg.(type) {
	case *wire.Snapshot:
		sink.Snapshot(m.Index, m.State)
	case *wire.Delta:
		sink.Delta(m.Index, m.Changes)
	case *wire.Control:
		switch m.Event {
		case wire.EventConnectionLost:
			sink.Disconnected()
		case wire.EventConnectionRestored:
			sink.Connected()
		}
	case *wire.Command:
		c.logger.Debug("ignoring command frame from source", "command", m.Command)
	}
}

func (c *Client) writeCommands(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-c.requests:
			frame, err := wire.Encode(wire.RequestSnapshot(reason))
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			SnapshotRequestsSent.Inc()
			c.logger.Info("snapshot requested", "reason", reason)
		}
	}
}

func (c *Client) discardRequests() {
	for {
		select {
		case <-c.requests:
		default:
			return
		}
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = DefaultBaseDelay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	c.rngMu.Lock()
	sample := c.rng.Float64()
	c.rngMu.Unlock()
	return jitteredIntervalWithSample(delay, c.jitterRatio, sample)
}

func correlationID() string {
	return "viewer_" + uuid.Must(uuid.NewV7()).String()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
