package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/statecast/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func startSessionServer(t *testing.T, hub *Hub, heartbeat time.Duration) string {
	t.Helper()
	session := &Session{Hub: hub, HeartbeatInterval: heartbeat}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = session.Serve(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) wire.Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, err := wire.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestSessionStreamsSnapshotThenDeltas(t *testing.T) {
	hub := newScoreHub(t, Options{})
	url := startSessionServer(t, hub, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	snap, ok := readMessage(t, ctx, conn).(*wire.Snapshot)
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Index)

	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	_, err = hub.Mutate(setScore(0, 1))
	require.NoError(t, err)

	delta, ok := readMessage(t, ctx, conn).(*wire.Delta)
	require.True(t, ok)
	assert.Equal(t, uint64(2), delta.Index)

	command, err := wire.Encode(wire.RequestSnapshot("manual"))
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, command))

	resync, ok := readMessage(t, ctx, conn).(*wire.Snapshot)
	require.True(t, ok)
	assert.Equal(t, uint64(2), resync.Index)
	assert.Equal(t, map[string]any{"score": []any{float64(1), float64(0)}}, resync.State)
}

func TestSessionSendsHeartbeats(t *testing.T) {
	hub := newScoreHub(t, Options{})
	url := startSessionServer(t, hub, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readMessage(t, ctx, conn)
	control, ok := readMessage(t, ctx, conn).(*wire.Control)
	require.True(t, ok)
	assert.Equal(t, wire.EventHeartbeat, control.Event)
}

func TestSessionUnsubscribesOnClose(t *testing.T) {
	hub := newScoreHub(t, Options{})
	url := startSessionServer(t, hub, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	readMessage(t, ctx, conn)
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
