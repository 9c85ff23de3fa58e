// File: pkg/container/omap.go
package container

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/checksum"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// OMapPhysSize defines the fixed size of an OMapPhys structure.
const OMapPhysSize = 56

// omapValSize is the size of an omap leaf value: flags, object size and
// the physical address.
const omapValSize = 16

// OmapValDeleted marks a placeholder mapping for a deleted object.
const OmapValDeleted uint32 = 0x00000001

// OMapPhys is the physical object-map structure. Queries go through the
// B-tree rooted at TreeOID.
type OMapPhys struct {
	Header           types.ObjectHeader
	Flags            uint32
	SnapCount        uint32
	TreeType         uint32
	SnapshotTreeType uint32
	TreeOID          types.OID
}

// ReadOMapPhys reads and parses an OMapPhys structure from a block device.
func ReadOMapPhys(dev types.BlockDevice, addr types.PAddr) (*OMapPhys, error) {
	buf, err := dev.ReadBlock(addr)
	if err != nil {
		return nil, err
	}
	data := buf.Data
	if len(data) < OMapPhysSize {
		return nil, fmt.Errorf("omap block %d too short: %w", addr, types.ErrCorrupted)
	}
	if !checksum.VerifyBlock(data) {
		return nil, fmt.Errorf("bad checksum in omap block %d: %w", addr, types.ErrCorrupted)
	}

	hdr, err := types.ParseObjectHeader(data)
	if err != nil {
		return nil, err
	}

	r := binary.LittleEndian
	omap := &OMapPhys{
		Header:           hdr,
		Flags:            r.Uint32(data[32:36]),
		SnapCount:        r.Uint32(data[36:40]),
		TreeType:         r.Uint32(data[40:44]),
		SnapshotTreeType: r.Uint32(data[44:48]),
		TreeOID:          types.OID(r.Uint64(data[48:56])),
	}
	if omap.TreeOID == types.OIDInvalid {
		return nil, fmt.Errorf("omap block %d has no tree: %w", addr, types.ErrCorrupted)
	}
	return omap, nil
}

// OmapLookup translates a virtual object id to the physical block of its
// newest committed version. The query carries the maximum transaction id
// and takes the nearest-lower record for the same oid.
func OmapLookup(dev types.BlockDevice, omapRoot *Table, oid types.OID) (types.PAddr, error) {
	bt := &BTree{Device: dev}
	key := NewOmapKey(oid, types.XID(math.MaxUint64))

	res, err := bt.Query(omapRoot, &key, QueryOmap)
	if err != nil {
		return 0, err
	}

	raw := res.Key()
	if types.OID(binary.LittleEndian.Uint64(raw[0:8])) != oid {
		// The nearest-lower record belongs to a smaller oid.
		return 0, types.ErrNotFound
	}

	val := res.Value()
	if len(val) != omapValSize {
		return 0, fmt.Errorf("omap value of %d bytes for oid 0x%x: %w",
			len(val), oid, types.ErrCorrupted)
	}
	flags := binary.LittleEndian.Uint32(val[0:4])
	if flags&OmapValDeleted != 0 {
		return 0, types.ErrNotFound
	}
	return types.PAddr(binary.LittleEndian.Uint64(val[8:16])), nil
}

// OmapReadTable resolves a virtual oid through the omap and opens the
// resulting block as a checksum-verified Table.
func OmapReadTable(dev types.BlockDevice, omapRoot *Table, oid types.OID) (*Table, error) {
	addr, err := OmapLookup(dev, omapRoot, oid)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve oid 0x%x: %w", oid, err)
	}
	return ReadTable(dev, addr)
}
