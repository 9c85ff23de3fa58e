// File: pkg/fsys/fuse.go
package fsys

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/volume"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Volume is the mounted APFS volume backing the tree.
	Volume *volume.Volume

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug enables go-fuse protocol tracing.
	Debug bool
}

// Mount exposes the volume at the configured mountpoint, read-only. The
// caller must Unmount the returned server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required: %w", types.ErrInvalid)
	}
	if options.Volume == nil {
		return nil, fmt.Errorf("volume is required: %w", types.ErrInvalid)
	}

	rootInode, err := options.Volume.Root()
	if err != nil {
		return nil, err
	}
	root := &apfsNode{vol: options.Volume, ino: rootInode}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "apfs",
			Name:       "apfs",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
			Options:    []string{"ro"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting at %s: %w", options.Mountpoint, err)
	}

	logrus.WithField("mountpoint", options.Mountpoint).Info("volume mounted")
	return server, nil
}

// errno maps the reader's error taxonomy onto FUSE status codes.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, types.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, types.ErrInvalid):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// apfsNode is one inode exposed through FUSE. Stable inode numbers are
// the catalog object ids.
type apfsNode struct {
	gofuse.Inode
	vol *volume.Volume
	ino *volume.Inode
}

var _ gofuse.InodeEmbedder = (*apfsNode)(nil)
var _ gofuse.NodeLookuper = (*apfsNode)(nil)
var _ gofuse.NodeReaddirer = (*apfsNode)(nil)
var _ gofuse.NodeGetattrer = (*apfsNode)(nil)
var _ gofuse.NodeOpener = (*apfsNode)(nil)
var _ gofuse.NodeReader = (*apfsNode)(nil)
var _ gofuse.NodeReadlinker = (*apfsNode)(nil)
var _ gofuse.NodeListxattrer = (*apfsNode)(nil)
var _ gofuse.NodeGetxattrer = (*apfsNode)(nil)
var _ gofuse.NodeStatfser = (*apfsNode)(nil)

func (n *apfsNode) fillAttr(attr *fuse.Attr) {
	ino := n.ino
	attr.Ino = ino.ID
	attr.Size = ino.Size
	attr.Blocks = (ino.Size + 511) / 512
	attr.Mode = uint32(ino.Mode)
	attr.Nlink = ino.Nlink()
	attr.Owner = fuse.Owner{Uid: ino.OwnerID(), Gid: ino.GroupID()}

	attr.Atime = ino.AccessTime / 1e9
	attr.Atimensec = uint32(ino.AccessTime % 1e9)
	attr.Mtime = ino.ModTime / 1e9
	attr.Mtimensec = uint32(ino.ModTime % 1e9)
	attr.Ctime = ino.ChangeTime / 1e9
	attr.Ctimensec = uint32(ino.ChangeTime % 1e9)
}

func (n *apfsNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fillAttr(&out.Attr)
	return 0
}

func (n *apfsNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child, err := n.vol.Lookup(n.ino, name)
	if err != nil {
		return nil, errno(err)
	}

	childNode := &apfsNode{vol: n.vol, ino: child}
	stable := gofuse.StableAttr{
		Mode: uint32(child.Mode),
		Ino:  child.ID,
	}
	node := n.NewInode(ctx, childNode, stable)
	childNode.fillAttr(&out.Attr)
	return node, 0
}

func (n *apfsNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.vol.ReadDir(n.ino)
	if err != nil {
		return nil, errno(err)
	}

	stream := make([]fuse.DirEntry, 0, len(entries))
	for _, entry := range entries {
		stream = append(stream, fuse.DirEntry{
			Name: entry.Name,
			Ino:  entry.FileID,
			// The drec's DT type occupies the S_IFMT nibble shifted
			// down by 12.
			Mode: uint32(entry.Type) << 12,
		})
	}
	return gofuse.NewListDirStream(stream), 0
}

func (n *apfsNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *apfsNode) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	read, err := n.ino.ReadAt(dest, off)
	if err != nil {
		logrus.WithError(err).WithField("inode", fmt.Sprintf("0x%x", n.ino.ID)).
			Error("read failed")
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:read]), 0
}

func (n *apfsNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.vol.Readlink(n.ino)
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), 0
}

func (n *apfsNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.vol.ListXattrs(n.ino)
	if err != nil {
		return 0, errno(err)
	}

	var list []byte
	for _, name := range names {
		list = append(list, name...)
		list = append(list, 0)
	}
	if len(dest) < len(list) {
		return uint32(len(list)), syscall.ERANGE
	}
	copy(dest, list)
	return uint32(len(list)), 0
}

func (n *apfsNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	data, err := n.vol.GetXattr(n.ino, attr)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return 0, syscall.ENODATA
		}
		return 0, errno(err)
	}
	if len(dest) < len(data) {
		return uint32(len(data)), syscall.ERANGE
	}
	copy(dest, data)
	return uint32(len(data)), 0
}

func (n *apfsNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	stat, err := n.vol.Super.Statfs()
	if err != nil {
		return errno(err)
	}
	out.Blocks = stat.Blocks
	out.Bfree = stat.BFree
	out.Bavail = stat.BAvail
	out.Files = stat.Files
	out.Ffree = stat.FFree
	out.Bsize = stat.BSize
	out.Frsize = stat.BSize
	out.NameLen = stat.NameLen
	return 0
}
