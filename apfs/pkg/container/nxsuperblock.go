// File: pkg/container/nxsuperblock.go
package container

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/checksum"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// nxFixedSize is the size of the container superblock's fixed fields up
// to the nx_fs_oid array, used to bounds-check volume indexes against the
// block size.
const nxFixedSize = 184

// NXSuperblock is the container superblock at block 0. Only the fields
// the read-only traversal stack consumes are decoded.
type NXSuperblock struct {
	Header types.ObjectHeader

	Magic      uint32
	BlockSize  uint32
	BlockCount uint64

	Features               uint64
	ReadOnlyCompatFeatures uint64
	IncompatFeatures       uint64

	UUID    [16]byte
	NextOID types.OID
	NextXID types.XID

	SpacemanOID types.OID
	OMapOID     types.OID
	ReaperOID   types.OID

	MaxFileSystems uint32
	FSOID          [types.NXMaxFileSystems]types.OID
}

// ParseNXSuperblock decodes and validates the container superblock from
// a raw block. The checksum and magic must verify.
func ParseNXSuperblock(buf *types.Buffer) (*NXSuperblock, error) {
	data := buf.Data
	if len(data) < nxFixedSize+8*types.NXMaxFileSystems {
		return nil, fmt.Errorf("container superblock too short (%d bytes): %w",
			len(data), types.ErrInvalid)
	}

	r := binary.LittleEndian
	hdr, err := types.ParseObjectHeader(data)
	if err != nil {
		return nil, err
	}

	sb := &NXSuperblock{
		Header:                 hdr,
		Magic:                  r.Uint32(data[32:36]),
		BlockSize:              r.Uint32(data[36:40]),
		BlockCount:             r.Uint64(data[40:48]),
		Features:               r.Uint64(data[48:56]),
		ReadOnlyCompatFeatures: r.Uint64(data[56:64]),
		IncompatFeatures:       r.Uint64(data[64:72]),
		NextOID:                types.OID(r.Uint64(data[88:96])),
		NextXID:                types.XID(r.Uint64(data[96:104])),
		SpacemanOID:            types.OID(r.Uint64(data[152:160])),
		OMapOID:                types.OID(r.Uint64(data[160:168])),
		ReaperOID:              types.OID(r.Uint64(data[168:176])),
		MaxFileSystems:         r.Uint32(data[180:184]),
	}
	copy(sb.UUID[:], data[72:88])

	offset := nxFixedSize
	for i := 0; i < types.NXMaxFileSystems; i++ {
		sb.FSOID[i] = types.OID(r.Uint64(data[offset : offset+8]))
		offset += 8
	}

	if sb.Magic != types.NXMagic {
		return nil, fmt.Errorf("not an apfs container (magic 0x%x): %w",
			sb.Magic, types.ErrInvalid)
	}
	if !checksum.VerifyBlock(data) {
		return nil, fmt.Errorf("inconsistent container superblock: %w", types.ErrCorrupted)
	}
	if sb.BlockSize < types.MinBlockSize || sb.BlockSize > types.MaxBlockSize {
		return nil, fmt.Errorf("unsupported block size %d: %w", sb.BlockSize, types.ErrInvalid)
	}
	if sb.BlockCount == 0 {
		return nil, fmt.Errorf("container has no blocks: %w", types.ErrInvalid)
	}
	if sb.OMapOID == types.OIDInvalid {
		return nil, fmt.Errorf("container has no object map: %w", types.ErrCorrupted)
	}

	return sb, nil
}

// VolumeOID returns the object id of the volume at index, bounds-checked
// against both the fs_oid array and what fits in one container block.
func (sb *NXSuperblock) VolumeOID(index uint32, blockSize uint32) (types.OID, error) {
	if index >= types.NXMaxFileSystems ||
		nxFixedSize+8*(uint64(index)+1) > uint64(blockSize) {
		return 0, fmt.Errorf("volume number %d out of range: %w", index, types.ErrInvalid)
	}
	oid := sb.FSOID[index]
	if oid == types.OIDInvalid {
		return 0, fmt.Errorf("requested volume %d does not exist: %w", index, types.ErrInvalid)
	}
	return oid, nil
}
