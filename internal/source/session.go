package source

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/statecast/internal/logging"
	"github.com/agentworkforce/statecast/internal/wire"
	"nhooyr.io/websocket"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	commandReadLimit         = 64 << 10
)

// Session streams one subscriber's frames over a websocket and answers its
// snapshot requests.
type Session struct {
	Hub               *Hub
	Logger            logging.Logger
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// Serve blocks until the peer goes away, ctx is done, or the hub drops the
// subscriber.
func (s *Session) Serve(ctx context.Context, conn *websocket.Conn) error {
	logger := logging.OrNop(s.Logger)
	heartbeat := s.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	writeTimeout := s.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	sub, err := s.Hub.Subscribe()
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "source unavailable")
		return err
	}
	defer s.Hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadLimit(commandReadLimit)
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readCommands(ctx, conn, sub, logger)
	}()

	heartbeatFrame, err := wire.Encode(&wire.Control{Event: wire.EventHeartbeat})
	if err != nil {
		return err
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	write := func(frame []byte) error {
		writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
		defer cancelWrite()
		return conn.Write(writeCtx, websocket.MessageText, frame)
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "source shutting down")
			return ctx.Err()
		case err := <-readErr:
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		case <-sub.Done():
			cause := sub.Err()
			if errors.Is(cause, ErrSlowConsumer) {
				_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			} else {
				_ = conn.Close(websocket.StatusGoingAway, "source closed")
			}
			return cause
		case frame := <-sub.Frames():
			if err := write(frame); err != nil {
				logger.Warn("stream write failed", "subscriber", sub.ID, "err", err)
				return err
			}
		case <-ticker.C:
			if err := write(heartbeatFrame); err != nil {
				logger.Warn("heartbeat write failed", "subscriber", sub.ID, "err", err)
				return err
			}
		}
	}
}

func (s *Session) readCommands(ctx context.Context, conn *websocket.Conn, sub *Subscriber, logger logging.Logger) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		msg, err := wire.Decode(data)
		if err != nil {
			logger.Warn("ignoring malformed viewer frame", "subscriber", sub.ID, "err", err)
			continue
		}
		cmd, ok := msg.(*wire.Command)
		if !ok || cmd.Command != wire.CommandRequestSnapshot {
			logger.Debug("ignoring viewer frame", "subscriber", sub.ID, "type", msg.MessageType())
			continue
		}
		if err := s.Hub.SendSnapshot(sub, cmd.Reason); err != nil {
			return err
		}
	}
}
