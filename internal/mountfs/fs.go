package mountfs

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/agentworkforce/statecast/internal/logging"
	"github.com/agentworkforce/statecast/internal/replica"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// ViewFunc returns the latest published view. It must be cheap and safe for
// concurrent use; (*replica.Loop).View qualifies.
type ViewFunc func() replica.View

type Options struct {
	Logger logging.Logger
	// CacheTimeout bounds how long the kernel may cache entries and
	// attributes. Zero disables caching.
	CacheTimeout time.Duration
	AllowOther   bool
	Debug        bool
}

type node struct {
	fs.Inode
	path   []string
	view   ViewFunc
	logger logging.Logger
}

var (
	_ fs.NodeLookuper  = (*node)(nil)
	_ fs.NodeReaddirer = (*node)(nil)
	_ fs.NodeGetattrer = (*node)(nil)
	_ fs.NodeOpener    = (*node)(nil)
	_ fs.NodeReader    = (*node)(nil)
)

// Mount serves the replica at dir until the returned server is unmounted.
func Mount(dir string, view ViewFunc, opts Options) (*fuse.Server, error) {
	if err := unix.Access(dir, unix.R_OK|unix.X_OK); err != nil {
		return nil, fmt.Errorf("mount dir %s: %w", dir, err)
	}
	logger := logging.OrNop(opts.Logger)
	timeout := opts.CacheTimeout
	root := &node{view: view, logger: logger}
	server, err := fs.Mount(dir, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "statecast",
			Name:       "statecast",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		UID:          uint32(unix.Getuid()),
		GID:          uint32(unix.Getgid()),
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", dir, err)
	}
	logger.Info("replica mounted", "dir", dir)
	return server, nil
}

func (n *node) child(name string) []string {
	out := make([]string, len(n.path)+1)
	copy(out, n.path)
	out[len(n.path)] = name
	return out
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !validName(name) {
		return nil, unix.ENOENT
	}
	path := n.child(name)
	value, ok := resolve(n.view(), path)
	if !ok {
		return nil, unix.ENOENT
	}
	child := &node{path: path, view: n.view, logger: n.logger}
	mode := uint32(fuse.S_IFREG)
	if isDir(value) {
		mode = fuse.S_IFDIR
	}
	if errno := fillAttr(value, &out.Attr); errno != 0 {
		return nil, errno
	}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode}), 0
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	view := n.view()
	value, ok := resolve(view, n.path)
	if !ok {
		return nil, unix.ENOENT
	}
	if !isDir(value) {
		return nil, unix.ENOTDIR
	}
	entries := listEntries(value)
	out := make([]fuse.DirEntry, 0, len(entries)+1)
	if len(n.path) == 0 {
		out = append(out, fuse.DirEntry{Name: MetaName, Mode: fuse.S_IFREG})
	}
	for _, e := range entries {
		if len(n.path) == 0 && e.name == MetaName {
			continue
		}
		mode := uint32(fuse.S_IFREG)
		if e.dir {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.name, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

func (n *node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	view := n.view()
	value, ok := resolve(view, n.path)
	if !ok {
		return unix.ENOENT
	}
	if errno := fillAttr(value, &out.Attr); errno != 0 {
		return errno
	}
	mtime := view.UpdatedAt
	if !mtime.IsZero() {
		out.SetTimes(nil, &mtime, &mtime)
	}
	return 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(unix.O_WRONLY|unix.O_RDWR|unix.O_APPEND|unix.O_TRUNC) != 0 {
		return nil, 0, unix.EROFS
	}
	// Content follows the replica, so bypass the page cache.
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	value, ok := resolve(n.view(), n.path)
	if !ok {
		return nil, unix.ENOENT
	}
	if isDir(value) {
		return nil, unix.EISDIR
	}
	data, err := render(value)
	if err != nil {
		n.logger.Warn("render mounted value", "path", n.path, "err", err)
		return nil, unix.EIO
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

func fillAttr(value any, attr *fuse.Attr) syscall.Errno {
	if isDir(value) {
		attr.Mode = fuse.S_IFDIR | 0o555
		attr.Nlink = 2
		return 0
	}
	data, err := render(value)
	if err != nil {
		return unix.EIO
	}
	attr.Mode = fuse.S_IFREG | 0o444
	attr.Nlink = 1
	attr.Size = uint64(len(data))
	return 0
}
