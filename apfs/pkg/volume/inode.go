// File: pkg/volume/inode.go
package volume

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// File mode bits, as in sys/stat.h.
const (
	ModeFmt     uint16 = 0xF000
	ModeFifo    uint16 = 0x1000
	ModeChar    uint16 = 0x2000
	ModeDir     uint16 = 0x4000
	ModeBlock   uint16 = 0x6000
	ModeRegular uint16 = 0x8000
	ModeSymlink uint16 = 0xA000
	ModeSocket  uint16 = 0xC000
)

// inodeValFixedSize is the fixed portion of an inode record's value;
// extended fields follow it.
const inodeValFixedSize = 92

// Inode is one loaded catalog inode. The decoded record fields are
// immutable; the single-slot extent cache is guarded by extentLock.
type Inode struct {
	vol *Volume

	ID       uint64
	ParentID uint64
	// ExtentID owns the inode's file extent records (private_id on disk).
	ExtentID uint64

	CreateTime uint64
	ModTime    uint64
	ChangeTime uint64
	AccessTime uint64

	InternalFlags    uint64
	NchildrenOrNlink int32
	BSDFlags         uint32
	Owner            uint32
	Group            uint32
	Mode             uint16
	UncompressedSize uint64

	// Size is the data stream's logical size, from the dstream extended
	// field. Zero for directories and inodes without a data stream.
	Size uint64

	extentLock   sync.Mutex
	cachedExtent FileExtent
}

// decodeInode parses an inode record value.
func decodeInode(v *Volume, id uint64, val []byte) (*Inode, error) {
	if len(val) < inodeValFixedSize {
		return nil, fmt.Errorf("inode record of %d bytes for 0x%x: %w",
			len(val), id, types.ErrCorrupted)
	}

	r := binary.LittleEndian
	ino := &Inode{
		vol:              v,
		ID:               id,
		ParentID:         r.Uint64(val[0:8]),
		ExtentID:         r.Uint64(val[8:16]),
		CreateTime:       r.Uint64(val[16:24]),
		ModTime:          r.Uint64(val[24:32]),
		ChangeTime:       r.Uint64(val[32:40]),
		AccessTime:       r.Uint64(val[40:48]),
		InternalFlags:    r.Uint64(val[48:56]),
		NchildrenOrNlink: int32(r.Uint32(val[56:60])),
		BSDFlags:         r.Uint32(val[68:72]),
		Owner:            r.Uint32(val[72:76]),
		Group:            r.Uint32(val[76:80]),
		Mode:             r.Uint16(val[80:82]),
		UncompressedSize: r.Uint64(val[84:92]),
	}

	if len(val) > inodeValFixedSize {
		size, ok, err := dstreamSize(val[inodeValFixedSize:])
		if err != nil {
			return nil, fmt.Errorf("bad extended fields for inode 0x%x: %w", id, err)
		}
		if ok {
			ino.Size = size
		}
	}
	return ino, nil
}

func (ino *Inode) IsDir() bool {
	return ino.Mode&ModeFmt == ModeDir
}

func (ino *Inode) IsSymlink() bool {
	return ino.Mode&ModeFmt == ModeSymlink
}

func (ino *Inode) IsRegular() bool {
	return ino.Mode&ModeFmt == ModeRegular
}

// Nlink reports the link count. For directories the on-disk field holds
// the child count instead and the conventional 2 is reported.
func (ino *Inode) Nlink() uint32 {
	if ino.IsDir() {
		return 2
	}
	if ino.NchildrenOrNlink < 0 {
		return 0
	}
	return uint32(ino.NchildrenOrNlink)
}

// OwnerID returns the inode owner, honoring a uid= mount override.
func (ino *Inode) OwnerID() uint32 {
	if opts := ino.vol.Super.Opts; opts.UIDOverride {
		return opts.UID
	}
	return ino.Owner
}

// GroupID returns the inode group, honoring a gid= mount override.
func (ino *Inode) GroupID() uint32 {
	if opts := ino.vol.Super.Opts; opts.GIDOverride {
		return opts.GID
	}
	return ino.Group
}
