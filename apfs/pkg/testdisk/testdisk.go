// File: pkg/testdisk/testdisk.go
//
// Package testdisk synthesizes minimal on-disk APFS structures for
// tests: an in-memory block device plus builders for checksummed
// superblocks, object maps and B-tree nodes.
package testdisk

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/checksum"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// Device simulates a block device backed by a sparse block map.
type Device struct {
	blockSize uint32
	Blocks    map[types.PAddr][]byte

	// ReadCount counts ReadBlock calls, letting tests assert that a code
	// path was served from a cache.
	ReadCount int
}

func NewDevice(blockSize uint32) *Device {
	return &Device{
		blockSize: blockSize,
		Blocks:    make(map[types.PAddr][]byte),
	}
}

func (d *Device) SetBlockSize(n uint32) error {
	if n < types.MinBlockSize || n > types.MaxBlockSize || n&(n-1) != 0 {
		return fmt.Errorf("bad blocksize %d: %w", n, types.ErrInvalid)
	}
	d.blockSize = n
	return nil
}

func (d *Device) ReadBlock(addr types.PAddr) (*types.Buffer, error) {
	d.ReadCount++
	data, ok := d.Blocks[addr]
	if !ok {
		return nil, fmt.Errorf("block %d not found: %w", addr, types.ErrIO)
	}
	return &types.Buffer{Addr: addr, Data: data}, nil
}

func (d *Device) GetBlockSize() uint32 {
	return d.blockSize
}

func (d *Device) GetBlockCount() uint64 {
	var max types.PAddr
	for addr := range d.Blocks {
		if addr > max {
			max = addr
		}
	}
	return uint64(max) + 1
}

func (d *Device) Close() error {
	return nil
}

// Finish computes and stores the object checksum of a block.
func Finish(block []byte) []byte {
	cksum := checksum.Fletcher64WithZeroedChecksum(block, 0)
	binary.LittleEndian.PutUint64(block[0:8], cksum)
	return block
}

// putHeader fills the object header fields after the checksum.
func putHeader(block []byte, oid types.OID, xid types.XID) {
	r := binary.LittleEndian
	r.PutUint64(block[8:16], uint64(oid))
	r.PutUint64(block[16:24], uint64(xid))
}

// NXConfig parameterizes a synthesized container superblock.
type NXConfig struct {
	BlockSize  uint32
	BlockCount uint64
	OMapAddr   types.PAddr
	FSOIDs     []types.OID
}

// BuildNXSuperblock synthesizes a checksummed container superblock.
func BuildNXSuperblock(cfg NXConfig) []byte {
	block := make([]byte, cfg.BlockSize)
	r := binary.LittleEndian
	putHeader(block, 1, 1)

	r.PutUint32(block[32:36], types.NXMagic)
	r.PutUint32(block[36:40], cfg.BlockSize)
	r.PutUint64(block[40:48], cfg.BlockCount)
	r.PutUint64(block[88:96], 0x500)  // next oid
	r.PutUint64(block[96:104], 2)     // next xid
	r.PutUint64(block[160:168], uint64(cfg.OMapAddr))
	r.PutUint32(block[180:184], types.NXMaxFileSystems)

	offset := 184
	for _, oid := range cfg.FSOIDs {
		r.PutUint64(block[offset:offset+8], uint64(oid))
		offset += 8
	}
	return Finish(block)
}

// APSBConfig parameterizes a synthesized volume superblock.
type APSBConfig struct {
	BlockSize        uint32
	UUID             [16]byte
	OMapAddr         types.PAddr
	RootTreeOID      types.OID
	AllocCount       uint64
	NumFiles         uint64
	NumDirectories   uint64
	NumSymlinks      uint64
	NumOther         uint64
	IncompatFeatures uint64
	VolName          string
}

// BuildAPFSSuperblock synthesizes a checksummed volume superblock.
func BuildAPFSSuperblock(cfg APSBConfig) []byte {
	block := make([]byte, cfg.BlockSize)
	r := binary.LittleEndian
	putHeader(block, 0x402, 1)

	r.PutUint32(block[32:36], types.APFSMagic)
	r.PutUint64(block[56:64], cfg.IncompatFeatures)
	r.PutUint64(block[88:96], cfg.AllocCount)
	r.PutUint64(block[128:136], uint64(cfg.OMapAddr))
	r.PutUint64(block[136:144], uint64(cfg.RootTreeOID))
	r.PutUint64(block[184:192], cfg.NumFiles)
	r.PutUint64(block[192:200], cfg.NumDirectories)
	r.PutUint64(block[200:208], cfg.NumSymlinks)
	r.PutUint64(block[208:216], cfg.NumOther)
	copy(block[240:256], cfg.UUID[:])
	copy(block[704:960], cfg.VolName)
	return Finish(block)
}

// BuildOMapPhys synthesizes the physical omap structure pointing at a
// tree root block.
func BuildOMapPhys(blockSize uint32, treeAddr types.PAddr) []byte {
	block := make([]byte, blockSize)
	r := binary.LittleEndian
	putHeader(block, types.OID(treeAddr)-1, 1)
	r.PutUint64(block[48:56], uint64(treeAddr))
	return Finish(block)
}

// Record is one key/value pair of a synthesized B-tree node.
type Record struct {
	Key   []byte
	Value []byte
}

// NodeConfig parameterizes a synthesized B-tree node block.
type NodeConfig struct {
	BlockSize uint32
	Root      bool
	Leaf      bool
	Level     uint16

	// FixedKeySize/FixedValSize select the fixed table-of-contents
	// layout used by omap trees. Zero selects the variable layout.
	FixedKeySize int
	FixedValSize int

	Records []Record
}

// BuildNode synthesizes a checksummed B-tree node. Records must be
// supplied in key order.
func BuildNode(cfg NodeConfig) []byte {
	block := make([]byte, cfg.BlockSize)
	r := binary.LittleEndian
	putHeader(block, 0x480, 1)

	var flags uint16
	if cfg.Root {
		flags |= types.BTNodeRoot
	}
	if cfg.Leaf {
		flags |= types.BTNodeLeaf
	}
	fixed := cfg.FixedKeySize != 0
	if fixed {
		flags |= types.BTNodeFixedKVLoc
	}

	entrySize := 8
	if fixed {
		entrySize = 4
	}

	r.PutUint16(block[32:34], flags)
	r.PutUint16(block[34:36], cfg.Level)
	r.PutUint32(block[36:40], uint32(len(cfg.Records)))
	tocLen := len(cfg.Records) * entrySize
	r.PutUint16(block[40:42], 0) // table space offset
	r.PutUint16(block[42:44], uint16(tocLen))

	keyAreaOff := 56 + tocLen
	valAreaEnd := int(cfg.BlockSize)
	if cfg.Root {
		valAreaEnd -= types.BTreeInfoSize
		// The info trailer carries the fixed record sizes.
		info := block[valAreaEnd:]
		r.PutUint32(info[4:8], cfg.BlockSize)
		r.PutUint32(info[8:12], uint32(cfg.FixedKeySize))
		r.PutUint32(info[12:16], uint32(cfg.FixedValSize))
		r.PutUint64(info[24:32], uint64(len(cfg.Records)))
		r.PutUint64(info[32:40], 1)
	}

	keyOff := 0
	valOff := 0
	for i, rec := range cfg.Records {
		entry := block[56+i*entrySize:]
		valOff += len(rec.Value)

		if fixed {
			r.PutUint16(entry[0:2], uint16(keyOff))
			r.PutUint16(entry[2:4], uint16(valOff))
		} else {
			r.PutUint16(entry[0:2], uint16(keyOff))
			r.PutUint16(entry[2:4], uint16(len(rec.Key)))
			r.PutUint16(entry[4:6], uint16(valOff))
			r.PutUint16(entry[6:8], uint16(len(rec.Value)))
		}

		copy(block[keyAreaOff+keyOff:], rec.Key)
		copy(block[valAreaEnd-valOff:], rec.Value)
		keyOff += len(rec.Key)
	}

	return Finish(block)
}

// EncodeOmapKey encodes an on-disk omap key.
func EncodeOmapKey(oid types.OID, xid types.XID) []byte {
	key := make([]byte, 16)
	binary.LittleEndian.PutUint64(key[0:8], uint64(oid))
	binary.LittleEndian.PutUint64(key[8:16], uint64(xid))
	return key
}

// EncodeOmapVal encodes an on-disk omap value.
func EncodeOmapVal(flags, size uint32, addr types.PAddr) []byte {
	val := make([]byte, 16)
	r := binary.LittleEndian
	r.PutUint32(val[0:4], flags)
	r.PutUint32(val[4:8], size)
	r.PutUint64(val[8:16], uint64(addr))
	return val
}

// EncodeJKey encodes a catalog j-key header.
func EncodeJKey(id uint64, typ uint8) []byte {
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, id&types.ObjIDMask|uint64(typ)<<types.ObjTypeShift)
	return key
}

// EncodeExtentKey encodes a file extent record key.
func EncodeExtentKey(extentID, logicalAddr uint64) []byte {
	key := make([]byte, 16)
	copy(key, EncodeJKey(extentID, types.TypeFileExtent))
	binary.LittleEndian.PutUint64(key[8:16], logicalAddr)
	return key
}

// EncodeExtentVal encodes a file extent record value.
func EncodeExtentVal(lenAndFlags, physBlockNum, cryptoID uint64) []byte {
	val := make([]byte, 24)
	r := binary.LittleEndian
	r.PutUint64(val[0:8], lenAndFlags)
	r.PutUint64(val[8:16], physBlockNum)
	r.PutUint64(val[16:24], cryptoID)
	return val
}

// InodeConfig parameterizes a synthesized inode record value.
type InodeConfig struct {
	ParentID  uint64
	PrivateID uint64
	Mode      uint16
	Owner     uint32
	Group     uint32
	Nlink     int32
	// DstreamSize, when nonzero, appends a dstream extended field.
	DstreamSize uint64
}

// EncodeInodeVal encodes an inode record value, optionally with a
// dstream extended field carrying the file size.
func EncodeInodeVal(cfg InodeConfig) []byte {
	val := make([]byte, 92)
	r := binary.LittleEndian
	r.PutUint64(val[0:8], cfg.ParentID)
	r.PutUint64(val[8:16], cfg.PrivateID)
	r.PutUint64(val[16:24], 1000000000)
	r.PutUint64(val[24:32], 2000000000)
	r.PutUint64(val[32:40], 3000000000)
	r.PutUint64(val[40:48], 4000000000)
	r.PutUint32(val[56:60], uint32(cfg.Nlink))
	r.PutUint32(val[72:76], cfg.Owner)
	r.PutUint32(val[76:80], cfg.Group)
	r.PutUint16(val[80:82], cfg.Mode)

	if cfg.DstreamSize != 0 {
		// xf_blob: one dstream field, 40-byte j_dstream_t value.
		blob := make([]byte, 4+4+40)
		r.PutUint16(blob[0:2], 1)
		r.PutUint16(blob[2:4], 4+40)
		blob[4] = 8 // INO_EXT_TYPE_DSTREAM
		r.PutUint16(blob[6:8], 40)
		r.PutUint64(blob[8:16], cfg.DstreamSize)
		r.PutUint64(blob[16:24], cfg.DstreamSize) // alloced size
		val = append(val, blob...)
	}
	return val
}

// EncodeDrecKey encodes a directory entry key, hashed or unhashed. The
// hash must be supplied by the caller for hashed keys.
func EncodeDrecKey(parentID uint64, name string, hash uint32, hashed bool) []byte {
	nameBytes := append([]byte(name), 0)
	key := EncodeJKey(parentID, types.TypeDirRec)
	if hashed {
		lenAndHash := uint32(len(nameBytes)) | hash<<types.DrecHashShift
		tail := make([]byte, 4)
		binary.LittleEndian.PutUint32(tail, lenAndHash)
		key = append(key, tail...)
	} else {
		tail := make([]byte, 2)
		binary.LittleEndian.PutUint16(tail, uint16(len(nameBytes)))
		key = append(key, tail...)
	}
	return append(key, nameBytes...)
}

// EncodeDrecVal encodes a directory entry value.
func EncodeDrecVal(fileID uint64, dtType uint16) []byte {
	val := make([]byte, 18)
	r := binary.LittleEndian
	r.PutUint64(val[0:8], fileID)
	r.PutUint64(val[8:16], 5000000000)
	r.PutUint16(val[16:18], dtType)
	return val
}

// EncodeXattrKey encodes an extended attribute key.
func EncodeXattrKey(id uint64, name string) []byte {
	nameBytes := append([]byte(name), 0)
	key := EncodeJKey(id, types.TypeXattr)
	tail := make([]byte, 2)
	binary.LittleEndian.PutUint16(tail, uint16(len(nameBytes)))
	key = append(key, tail...)
	return append(key, nameBytes...)
}

// EncodeXattrVal encodes an extended attribute value with embedded data.
func EncodeXattrVal(flags uint16, data []byte) []byte {
	val := make([]byte, 4)
	r := binary.LittleEndian
	r.PutUint16(val[0:2], flags)
	r.PutUint16(val[2:4], uint16(len(data)))
	return append(val, data...)
}
