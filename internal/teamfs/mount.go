package teamfs

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Options configures the team filesystem mount.
type Options struct {
	// Mountpoint is created if it does not exist.
	Mountpoint string
	Source     StateSource
	// AllowOther requires user_allow_other in /etc/fuse.conf.
	AllowOther bool
	Debug      bool
	Logger     *zap.Logger
}

type tree struct {
	src    StateSource
	logger *zap.Logger
	owner  fuse.Owner
}

// Mount serves a read-only view of the team state:
//
//	team.json
//	self.json
//	users/<id>.json
//	channels/<id>/info.json
//	channels/<id>/messages.json
//
// Files are rendered when opened, so every open sees current state. The
// caller must Unmount the returned server.
func Mount(opts Options) (*fuse.Server, error) {
	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("state source is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", opts.Mountpoint, err)
	}

	t := &tree{
		src:    opts.Source,
		logger: opts.Logger,
		owner:  fuse.Owner{Uid: uint32(unix.Getuid()), Gid: uint32(unix.Getgid())},
	}
	// State changes underneath the kernel, so entries are cached briefly.
	entryTimeout := 500 * time.Millisecond
	attrTimeout := 500 * time.Millisecond
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(opts.Mountpoint, &rootNode{tree: t}, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "slackrelay",
			Name:       "slackrelay",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting team filesystem at %s: %w", opts.Mountpoint, err)
	}
	opts.Logger.Info("teamfs_mounted", zap.String("mountpoint", opts.Mountpoint))
	return server, nil
}

func (t *tree) dirAttr(out *fuse.Attr) {
	out.Mode = syscall.S_IFDIR | 0o555
	out.Owner = t.owner
}

func (t *tree) fileAttr(out *fuse.Attr, size int) {
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = uint64(size)
	out.Owner = t.owner
}

// fileNode is a JSON document rendered from the state source.
type fileNode struct {
	gofuse.Inode
	tree   *tree
	path   string
	render func() ([]byte, bool, error)
}

var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func (f *fileNode) load() ([]byte, syscall.Errno) {
	data, ok, err := f.render()
	if err != nil {
		f.tree.logger.Error("teamfs_render_failed", zap.String("path", f.path), zap.Error(err))
		return nil, syscall.EIO
	}
	if !ok {
		return nil, syscall.ENOENT
	}
	return data, 0
}

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*snapshotHandle); ok {
		f.tree.fileAttr(&out.Attr, len(h.data))
		return 0
	}
	data, errno := f.load()
	if errno != 0 {
		return errno
	}
	f.tree.fileAttr(&out.Attr, len(data))
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	data, errno := f.load()
	if errno != 0 {
		return nil, 0, errno
	}
	// Sizes change between renders; bypass the page cache.
	return &snapshotHandle{data: data}, fuse.FOPEN_DIRECT_IO, 0
}

// snapshotHandle pins one rendering for the life of an open file.
type snapshotHandle struct {
	data []byte
}

var _ gofuse.FileReader = (*snapshotHandle)(nil)

func (h *snapshotHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return fuse.ReadResultData(h.data[off:end]), 0
}

func (t *tree) newFile(ctx context.Context, parent *gofuse.Inode, path string, out *fuse.EntryOut, render func() ([]byte, bool, error)) (*gofuse.Inode, syscall.Errno) {
	node := &fileNode{tree: t, path: path, render: render}
	data, errno := node.load()
	if errno != 0 {
		return nil, errno
	}
	t.fileAttr(&out.Attr, len(data))
	return parent.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG}), 0
}

type rootNode struct {
	gofuse.Inode
	tree *tree
}

var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)
var _ gofuse.NodeGetattrer = (*rootNode)(nil)

func (r *rootNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	r.tree.dirAttr(&out.Attr)
	return 0
}

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	src := r.tree.src
	switch name {
	case "team.json":
		return r.tree.newFile(ctx, &r.Inode, name, out, func() ([]byte, bool, error) { return renderTeam(src) })
	case "self.json":
		return r.tree.newFile(ctx, &r.Inode, name, out, func() ([]byte, bool, error) { return renderSelf(src) })
	case "users":
		r.tree.dirAttr(&out.Attr)
		return r.NewInode(ctx, &usersNode{tree: r.tree}, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
	case "channels":
		r.tree.dirAttr(&out.Attr)
		return r.NewInode(ctx, &channelsNode{tree: r.tree}, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
	}
	return nil, syscall.ENOENT
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	if r.tree.src.Team() != nil {
		entries = append(entries, fuse.DirEntry{Name: "team.json", Mode: syscall.S_IFREG})
	}
	if r.tree.src.Self() != nil {
		entries = append(entries, fuse.DirEntry{Name: "self.json", Mode: syscall.S_IFREG})
	}
	entries = append(entries,
		fuse.DirEntry{Name: "users", Mode: syscall.S_IFDIR},
		fuse.DirEntry{Name: "channels", Mode: syscall.S_IFDIR},
	)
	return gofuse.NewListDirStream(entries), 0
}

type usersNode struct {
	gofuse.Inode
	tree *tree
}

var _ gofuse.NodeLookuper = (*usersNode)(nil)
var _ gofuse.NodeReaddirer = (*usersNode)(nil)
var _ gofuse.NodeGetattrer = (*usersNode)(nil)

func (u *usersNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	u.tree.dirAttr(&out.Attr)
	return 0
}

func (u *usersNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	id, ok := userIDFromFileName(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	src := u.tree.src
	return u.tree.newFile(ctx, &u.Inode, "users/"+name, out, func() ([]byte, bool, error) { return renderUser(src, id) })
}

func (u *usersNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	names := userFileNames(u.tree.src)
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: syscall.S_IFREG})
	}
	return gofuse.NewListDirStream(entries), 0
}

type channelsNode struct {
	gofuse.Inode
	tree *tree
}

var _ gofuse.NodeLookuper = (*channelsNode)(nil)
var _ gofuse.NodeReaddirer = (*channelsNode)(nil)
var _ gofuse.NodeGetattrer = (*channelsNode)(nil)

func (c *channelsNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	c.tree.dirAttr(&out.Attr)
	return 0
}

func (c *channelsNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if !validName(name) || c.tree.src.Channel(name) == nil {
		return nil, syscall.ENOENT
	}
	c.tree.dirAttr(&out.Attr)
	return c.NewInode(ctx, &channelNode{tree: c.tree, id: name}, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func (c *channelsNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	names := channelDirNames(c.tree.src)
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: syscall.S_IFDIR})
	}
	return gofuse.NewListDirStream(entries), 0
}

// channelNode is channels/<id>/.
type channelNode struct {
	gofuse.Inode
	tree *tree
	id   string
}

var _ gofuse.NodeLookuper = (*channelNode)(nil)
var _ gofuse.NodeReaddirer = (*channelNode)(nil)
var _ gofuse.NodeGetattrer = (*channelNode)(nil)

func (c *channelNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if c.tree.src.Channel(c.id) == nil {
		return syscall.ENOENT
	}
	c.tree.dirAttr(&out.Attr)
	return 0
}

func (c *channelNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	src, id := c.tree.src, c.id
	path := "channels/" + id + "/" + name
	switch name {
	case "info.json":
		return c.tree.newFile(ctx, &c.Inode, path, out, func() ([]byte, bool, error) { return renderChannelInfo(src, id) })
	case "messages.json":
		return c.tree.newFile(ctx, &c.Inode, path, out, func() ([]byte, bool, error) { return renderChannelMessages(src, id) })
	}
	return nil, syscall.ENOENT
}

func (c *channelNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	if c.tree.src.Channel(c.id) == nil {
		return nil, syscall.ENOENT
	}
	return gofuse.NewListDirStream([]fuse.DirEntry{
		{Name: "info.json", Mode: syscall.S_IFREG},
		{Name: "messages.json", Mode: syscall.S_IFREG},
	}), 0
}
