// File: pkg/container/apfssuperblock.go
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/checksum"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// apsbMinSize covers the volume superblock fields through the volume
// name; everything the reader consumes sits below this offset.
const apsbMinSize = 960

// Volume incompatible-feature bits that switch the catalog to hashed
// directory entry keys.
const (
	APFSIncompatCaseInsensitive uint64 = 0x00000001
	APFSIncompatNormInsensitive uint64 = 0x00000008
)

// APFSSuperblock is a volume superblock, reached through the container
// object map.
type APFSSuperblock struct {
	Header types.ObjectHeader

	Magic            uint32
	FSIndex          uint32
	IncompatFeatures uint64

	AllocCount uint64

	OMapOID     types.OID
	RootTreeOID types.OID

	NumFiles          uint64
	NumDirectories    uint64
	NumSymlinks       uint64
	NumOtherFSObjects uint64

	UUID    [16]byte
	VolName string
}

// ParseAPFSSuperblock decodes and validates a volume superblock block.
func ParseAPFSSuperblock(buf *types.Buffer) (*APFSSuperblock, error) {
	data := buf.Data
	if len(data) < apsbMinSize {
		return nil, fmt.Errorf("volume superblock at %d too short (%d bytes): %w",
			buf.Addr, len(data), types.ErrInvalid)
	}

	r := binary.LittleEndian
	hdr, err := types.ParseObjectHeader(data)
	if err != nil {
		return nil, err
	}

	sb := &APFSSuperblock{
		Header:            hdr,
		Magic:             r.Uint32(data[32:36]),
		FSIndex:           r.Uint32(data[36:40]),
		IncompatFeatures:  r.Uint64(data[56:64]),
		AllocCount:        r.Uint64(data[88:96]),
		OMapOID:           types.OID(r.Uint64(data[128:136])),
		RootTreeOID:       types.OID(r.Uint64(data[136:144])),
		NumFiles:          r.Uint64(data[184:192]),
		NumDirectories:    r.Uint64(data[192:200]),
		NumSymlinks:       r.Uint64(data[200:208]),
		NumOtherFSObjects: r.Uint64(data[208:216]),
	}
	copy(sb.UUID[:], data[240:256])

	name := data[704:960]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	sb.VolName = string(name)

	if sb.Magic != types.APFSMagic {
		return nil, fmt.Errorf("wrong magic 0x%x in volume superblock at %d: %w",
			sb.Magic, buf.Addr, types.ErrInvalid)
	}
	if !checksum.VerifyBlock(data) {
		return nil, fmt.Errorf("inconsistent volume superblock at %d: %w",
			buf.Addr, types.ErrCorrupted)
	}
	return sb, nil
}

// HashedDrecs reports whether the volume's directory entries are stored
// under hashed keys.
func (sb *APFSSuperblock) HashedDrecs() bool {
	return sb.IncompatFeatures&(APFSIncompatCaseInsensitive|APFSIncompatNormInsensitive) != 0
}
