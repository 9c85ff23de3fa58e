// File: pkg/container/statfs.go
package container

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// apsbAllocCountOff is the offset of apfs_fs_alloc_count within a volume
// superblock.
const apsbAllocCountOff = 88

// Statfs carries the filesystem statistics reported for a mount.
// Blocks are shared by every volume in the container; the file count
// covers the mounted volume only.
type Statfs struct {
	Type    uint32
	BSize   uint32
	Blocks  uint64
	BFree   uint64
	BAvail  uint64
	Files   uint64
	FFree   uint64
	FSID    uint64
	NameLen uint32
}

// CountUsedBlocks sums the allocated-block counters of every volume in
// the container by iterating the records of the container omap tree's
// root node. Child nodes are not visited.
func (s *Super) CountUsedBlocks() (uint64, error) {
	omap, err := ReadOMapPhys(s.Device, types.PAddr(s.NX.OMapOID))
	if err != nil {
		return 0, fmt.Errorf("unable to read container object map: %w", err)
	}
	vtable, err := ReadTable(s.Device, types.PAddr(omap.TreeOID))
	if err != nil {
		return 0, fmt.Errorf("unable to read volume block: %w", err)
	}

	var count uint64
	for i := 0; i < vtable.Records; i++ {
		val, err := vtable.ValueBytes(i)
		if err != nil {
			return 0, err
		}
		if len(val) != omapValSize {
			logrus.WithField("record", i).Error("bad index in volume block")
			return 0, fmt.Errorf("bad index in volume block: %w", types.ErrIO)
		}

		// The volume superblock's block number is in the second 64 bits.
		vsb := types.PAddr(binary.LittleEndian.Uint64(val[8:16]))
		buf, err := s.Device.ReadBlock(vsb)
		if err != nil {
			return 0, fmt.Errorf("unable to read volume superblock: %w", err)
		}
		if len(buf.Data) < apsbAllocCountOff+8 {
			return 0, fmt.Errorf("volume superblock at %d too short: %w", vsb, types.ErrIO)
		}
		count += binary.LittleEndian.Uint64(buf.Data[apsbAllocCountOff : apsbAllocCountOff+8])
	}
	return count, nil
}

// Statfs reports the mount's statistics. Free and available space are
// equal; there is no space manager to tell them apart yet. The fsid is
// the volume UUID folded to 64 bits.
func (s *Super) Statfs() (*Statfs, error) {
	used, err := s.CountUsedBlocks()
	if err != nil {
		return nil, err
	}

	buf := &Statfs{
		Type:    types.SuperMagic,
		BSize:   s.NX.BlockSize,
		Blocks:  s.NX.BlockCount,
		NameLen: 255,
	}
	buf.BFree = buf.Blocks - used
	buf.BAvail = buf.BFree

	// The file count is only for the mounted volume.
	buf.Files = s.APSB.NumFiles + s.APSB.NumDirectories +
		s.APSB.NumSymlinks + s.APSB.NumOtherFSObjects

	uuid := s.APSB.UUID
	buf.FSID = binary.LittleEndian.Uint64(uuid[0:8]) ^
		binary.LittleEndian.Uint64(uuid[8:16])

	return buf, nil
}
