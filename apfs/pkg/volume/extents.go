// File: pkg/volume/extents.go
package volume

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/container"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// On-disk file extent record sizes: key is j-key + logical address,
// value is len_and_flags + physical block + crypto id.
const (
	fileExtentKeySize = 16
	fileExtentValSize = 24
)

// FileExtent is a decoded file extent record: a contiguous run of
// logical bytes mapped to a contiguous physical block run. A zero
// PhysBlockNum denotes a hole.
type FileExtent struct {
	LogicalAddr  uint64
	PhysBlockNum uint64
	Len          uint64
}

// covers reports whether the extent covers the logical byte address.
// The zero FileExtent covers nothing.
func (e *FileExtent) covers(iaddr uint64) bool {
	return iaddr >= e.LogicalAddr && iaddr < e.LogicalAddr+e.Len
}

// Mapping is the result of resolving one logical block: either a
// physical block plus the number of contiguous bytes available under the
// same extent, or a hole of that many bytes.
type Mapping struct {
	PhysBlock types.PAddr
	Bytes     uint64
	Hole      bool
}

// extentRead finds and caches the extent record that covers iblock. The
// extent lock is never held across the catalog query; a racing reader
// may overwrite the cache, but both writers store valid records.
func (ino *Inode) extentRead(iblock uint64) (FileExtent, error) {
	s := ino.vol.Super
	iaddr := iblock << s.BlockSizeBits()

	ino.extentLock.Lock()
	if ino.cachedExtent.covers(iaddr) {
		ext := ino.cachedExtent
		ino.extentLock.Unlock()
		return ext, nil
	}
	ino.extentLock.Unlock()

	// Search for the extent that covers iblock.
	key := container.NewExtentKey(ino.ExtentID, iaddr)
	res, err := s.CatalogTree().Query(s.CatRoot, &key, container.QueryCat)
	if err != nil {
		return FileExtent{}, err
	}

	if res.ValLen != fileExtentValSize || res.KeyLen != fileExtentKeySize {
		logrus.WithField("inode", fmt.Sprintf("0x%x", ino.ID)).
			Error("bad extent record for inode")
		return FileExtent{}, fmt.Errorf("bad extent record for inode 0x%x: %w",
			ino.ID, types.ErrCorrupted)
	}

	r := binary.LittleEndian
	rawKey, rawVal := res.Key(), res.Value()

	idAndType := r.Uint64(rawKey[0:8])
	if idAndType&types.ObjIDMask != ino.ExtentID ||
		uint8(idAndType>>types.ObjTypeShift) != types.TypeFileExtent {
		return FileExtent{}, fmt.Errorf("no extent covers block %d of inode 0x%x: %w",
			iblock, ino.ID, types.ErrNotFound)
	}

	ext := FileExtent{
		LogicalAddr:  r.Uint64(rawKey[8:16]),
		PhysBlockNum: r.Uint64(rawVal[8:16]),
		Len:          r.Uint64(rawVal[0:8]) & types.FileExtentLenMask,
	}

	// Extent length must be a multiple of the block size.
	if ext.Len == 0 || ext.Len&uint64(s.NX.BlockSize-1) != 0 {
		logrus.WithField("inode", fmt.Sprintf("0x%x", ino.ID)).
			Error("bad extent length for inode")
		return FileExtent{}, fmt.Errorf("bad extent length for inode 0x%x: %w",
			ino.ID, types.ErrCorrupted)
	}
	if !ext.covers(iaddr) {
		logrus.WithField("inode", fmt.Sprintf("0x%x", ino.ID)).
			Error("extent does not cover its lookup address")
		return FileExtent{}, fmt.Errorf("no extent covers block %d of inode 0x%x: %w",
			iblock, ino.ID, types.ErrCorrupted)
	}

	ino.extentLock.Lock()
	ino.cachedExtent = ext
	ino.extentLock.Unlock()

	return ext, nil
}

// GetBlock maps the inode's logical block iblock to the device. The
// returned mapping's byte count is capped at reqBytes so callers can ask
// for the run they intend to read and batch I/O under one extent.
func (ino *Inode) GetBlock(iblock uint64, reqBytes uint64) (Mapping, error) {
	s := ino.vol.Super

	ext, err := ino.extentRead(iblock)
	if err != nil {
		return Mapping{}, err
	}

	bits := s.BlockSizeBits()
	// Block offset of iblock within the extent.
	blkOff := iblock - (ext.LogicalAddr >> bits)

	// Don't map past the extent boundary.
	mapLen := ext.Len - (blkOff << bits)
	if reqBytes > mapLen {
		reqBytes = mapLen
	}

	m := Mapping{Bytes: reqBytes}
	// Extents representing holes have block number 0.
	if ext.PhysBlockNum == 0 {
		m.Hole = true
		return m, nil
	}
	m.PhysBlock = types.PAddr(ext.PhysBlockNum + blkOff)
	return m, nil
}

// ReadAt reads file content into p starting at byte offset off, stopping
// at the data stream's logical size. Holes read as zeros.
func (ino *Inode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d: %w", off, types.ErrInvalid)
	}
	if uint64(off) >= ino.Size {
		return 0, nil
	}
	if max := ino.Size - uint64(off); uint64(len(p)) > max {
		p = p[:max]
	}

	s := ino.vol.Super
	bits := s.BlockSizeBits()
	blockSize := uint64(s.NX.BlockSize)

	read := 0
	pos := uint64(off)
	for read < len(p) {
		iblock := pos >> bits
		inBlock := pos & (blockSize - 1)
		want := uint64(len(p)-read) + inBlock

		m, err := ino.GetBlock(iblock, want)
		if err != nil {
			return read, err
		}
		runEnd := pos - inBlock + m.Bytes

		if m.Hole {
			// Holes read as zeros through the end of the mapped run.
			for pos < runEnd && read < len(p) {
				p[read] = 0
				read++
				pos++
			}
			continue
		}

		for b := uint64(0); pos < runEnd && read < len(p); b++ {
			buf, err := s.Device.ReadBlock(m.PhysBlock + types.PAddr(b))
			if err != nil {
				return read, err
			}
			chunk := buf.Data[inBlock:]
			n := copy(p[read:], chunk)
			if left := runEnd - pos; uint64(n) > left {
				n = int(left)
			}
			read += n
			pos += uint64(n)
			inBlock = 0
		}
	}
	return read, nil
}
