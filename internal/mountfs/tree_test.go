package mountfs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentworkforce/statecast/internal/replica"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testView() replica.View {
	return replica.View{
		Index:     12,
		SyncState: replica.Synced,
		Pending:   2,
		UpdatedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		State: map[string]any{
			"score": []any{float64(3), float64(1)},
			"teams": map[string]any{"home": "Lions", "away": "Bears"},
			"a/b":   "unlisted",
			"final": true,
		},
	}
}

func testNode(path ...string) *node {
	view := testView()
	return &node{path: path, view: func() replica.View { return view }}
}

func TestListEntries(t *testing.T) {
	view := testView()
	entries := listEntries(view.State)
	assert.Equal(t, []entry{
		{name: "final", dir: false},
		{name: "score", dir: true},
		{name: "teams", dir: true},
	}, entries)

	seq, ok := replica.LookupSegments(view.State, []string{"score"})
	require.True(t, ok)
	assert.Equal(t, []entry{{name: "0"}, {name: "1"}}, listEntries(seq))
	assert.Nil(t, listEntries("scalar"))
}

func TestResolve(t *testing.T) {
	view := testView()

	value, ok := resolve(view, []string{"teams", "home"})
	require.True(t, ok)
	assert.Equal(t, "Lions", value)

	_, ok = resolve(view, []string{"score", "7"})
	assert.False(t, ok)

	metaValue, ok := resolve(view, []string{MetaName})
	require.True(t, ok)
	assert.Equal(t, meta{Index: 12, SyncState: replica.Synced, Pending: 2}, metaValue)

	root, ok := resolve(replica.View{}, nil)
	require.True(t, ok)
	assert.Equal(t, map[string]any{}, root)
}

func TestRender(t *testing.T) {
	data, err := render("Lions")
	require.NoError(t, err)
	assert.Equal(t, "\"Lions\"\n", string(data))

	data, err = render(meta{Index: 4, SyncState: replica.ResyncRequested})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "resync_requested", decoded["syncState"])
	assert.Equal(t, float64(4), decoded["index"])
}

func TestValidName(t *testing.T) {
	assert.True(t, validName("score"))
	assert.True(t, validName(".hidden"))
	for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
		assert.False(t, validName(name), name)
	}
}

func TestNodeReaddirIncludesMetaAtRoot(t *testing.T) {
	stream, errno := testNode().Readdir(context.Background())
	require.Zero(t, errno)
	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Zero(t, errno)
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{MetaName, "final", "score", "teams"}, names)

	_, errno = testNode("final").Readdir(context.Background())
	assert.Equal(t, unix.ENOTDIR, errno)
}

func TestNodeReadAndGetattr(t *testing.T) {
	n := testNode("score", "0")
	var attr fuse.AttrOut
	require.Zero(t, n.Getattr(context.Background(), nil, &attr))
	assert.Equal(t, uint32(fuse.S_IFREG|0o444), attr.Mode)
	assert.Equal(t, uint64(len("3\n")), attr.Size)

	result, errno := n.Read(context.Background(), nil, make([]byte, 64), 0)
	require.Zero(t, errno)
	data, status := result.Bytes(make([]byte, 64))
	require.True(t, status.Ok())
	assert.Equal(t, "3\n", string(data))

	result, errno = n.Read(context.Background(), nil, make([]byte, 64), 10)
	require.Zero(t, errno)
	data, _ = result.Bytes(make([]byte, 64))
	assert.Empty(t, data)

	var dirAttr fuse.AttrOut
	require.Zero(t, testNode("teams").Getattr(context.Background(), nil, &dirAttr))
	assert.Equal(t, uint32(fuse.S_IFDIR|0o555), dirAttr.Mode)

	_, errno = testNode("teams").Read(context.Background(), nil, make([]byte, 8), 0)
	assert.Equal(t, unix.EISDIR, errno)

	var missing fuse.AttrOut
	assert.Equal(t, unix.ENOENT, testNode("nope").Getattr(context.Background(), nil, &missing))
}

func TestNodeOpenIsReadOnly(t *testing.T) {
	n := testNode("final")
	_, flags, errno := n.Open(context.Background(), unix.O_RDONLY)
	require.Zero(t, errno)
	assert.Equal(t, uint32(fuse.FOPEN_DIRECT_IO), flags)

	_, _, errno = n.Open(context.Background(), unix.O_WRONLY)
	assert.Equal(t, unix.EROFS, errno)
}
