// File: pkg/types/types.go
package types

import "encoding/binary"

// OID is an object identifier. For a physical object it is the logical
// block address on disk where the object is stored; for a virtual object
// it is a number translated through an object map.
type OID uint64

// XID is a transaction identifier. Zero is never a valid transaction.
type XID uint64

// PAddr is a physical block address on the container's device.
type PAddr uint64

// OIDInvalid is an invalid object identifier.
const OIDInvalid OID = 0

// XIDInvalid is an invalid transaction identifier.
const XIDInvalid XID = 0

// MaxCksumSize is the number of bytes used for an object checksum.
const MaxCksumSize = 8

// ObjectHeaderSize is the size of the header carried by every object block.
const ObjectHeaderSize = 32

// ObjectHeader is the header at the beginning of every object block.
type ObjectHeader struct {
	Cksum   uint64
	OID     OID
	XID     XID
	Type    uint32
	Subtype uint32
}

// ParseObjectHeader decodes the object header at the start of a block.
func ParseObjectHeader(data []byte) (ObjectHeader, error) {
	if len(data) < ObjectHeaderSize {
		return ObjectHeader{}, ErrCorrupted
	}
	r := binary.LittleEndian
	return ObjectHeader{
		Cksum:   r.Uint64(data[0:8]),
		OID:     OID(r.Uint64(data[8:16])),
		XID:     XID(r.Uint64(data[16:24])),
		Type:    r.Uint32(data[24:28]),
		Subtype: r.Uint32(data[28:32]),
	}, nil
}

// Buffer is one filesystem block read from the device, tagged with its
// block address. The contents are immutable once verified; concurrent
// readers may share a Buffer freely.
type Buffer struct {
	Addr PAddr
	Data []byte
}

// BlockDevice is the block-level contract the traversal stack consumes.
// The block size must be re-settable: the bootstrap reads block 0 at a
// small default size and re-reads at the container's advertised size.
type BlockDevice interface {
	// SetBlockSize changes the device block size. n must be a power of
	// two between MinBlockSize and MaxBlockSize.
	SetBlockSize(n uint32) error

	// ReadBlock reads the block at addr under the current block size.
	ReadBlock(addr PAddr) (*Buffer, error)

	GetBlockSize() uint32
	GetBlockCount() uint64
	Close() error
}

// Container constants.
const (
	// NXMagic is 'NXSB', the container superblock magic.
	NXMagic uint32 = 0x4253584e
	// APFSMagic is 'APSB', the volume superblock magic.
	APFSMagic uint32 = 0x42535041

	// NXDefaultBlockSize is the block size used to read block 0 before
	// the container's authoritative size is known.
	NXDefaultBlockSize uint32 = 4096
	// NXBlockNum is the address of the container superblock.
	NXBlockNum PAddr = 0

	MinBlockSize uint32 = 512
	MaxBlockSize uint32 = 65536

	// NXMaxFileSystems is the size of the nx_fs_oid array.
	NXMaxFileSystems = 100

	// SuperMagic identifies the filesystem in statfs output.
	SuperMagic uint32 = APFSMagic
)

// RootDirInoNum is the catalog object id of a volume's root directory.
const RootDirInoNum uint64 = 2

// Catalog record types, stored in the top nibble of a j-key's
// obj_id_and_type field.
const (
	TypeInode      uint8 = 3
	TypeXattr      uint8 = 4
	TypeFileExtent uint8 = 8
	TypeDirRec     uint8 = 9
)

// J-key obj_id_and_type accessors.
const (
	ObjIDMask    uint64 = 0x0fffffffffffffff
	ObjTypeMask  uint64 = 0xf000000000000000
	ObjTypeShift uint64 = 60
)

// File extent value masks. The length is stored in the low 56 bits of
// len_and_flags; the flag bits never alter the mapping.
const (
	FileExtentLenMask   uint64 = 0x00ffffffffffffff
	FileExtentFlagShift uint64 = 56
)

// Hashed drec key masks: the name length is the low 10 bits of
// name_len_and_hash, the name hash the high 22.
const (
	DrecLenMask   uint32 = 0x000003ff
	DrecHashMask  uint32 = 0xfffffc00
	DrecHashShift uint32 = 10
)

// Drec value flags: the low nibble holds the entry's DT_* file type.
const DrecTypeMask uint16 = 0x000f

// Xattr value flags.
const (
	XattrDataStream   uint16 = 0x0001
	XattrDataEmbedded uint16 = 0x0002
)

// SymlinkXattrName is the xattr holding a symbolic link's target.
const SymlinkXattrName = "com.apple.fs.symlink"

// B-tree node flags.
const (
	BTNodeRoot       uint16 = 0x0001
	BTNodeLeaf       uint16 = 0x0002
	BTNodeFixedKVLoc uint16 = 0x0004
)

// BTreeInfoSize is the size of the btree_info_t trailer that root nodes
// carry at the end of the block.
const BTreeInfoSize = 40

// Inode internal flags. The inode decoder does not consult them.
const InodeHasUncompressedSize uint64 = 0x2000000
