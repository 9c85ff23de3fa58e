// File: pkg/volume/dirent.go
package volume

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/container"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// drecValFixedSize is a directory entry value without extended fields:
// file id, date added, flags.
const drecValFixedSize = 18

// Directory entry file types, stored in the low nibble of a drec's
// flags (DT_* values).
const (
	DTFifo    uint16 = 1
	DTChar    uint16 = 2
	DTDir     uint16 = 4
	DTBlock   uint16 = 6
	DTRegular uint16 = 8
	DTSymlink uint16 = 10
	DTSocket  uint16 = 12
)

// DirEntry is one decoded directory entry record.
type DirEntry struct {
	Name      string
	FileID    uint64
	Type      uint16
	DateAdded uint64
}

// decodeDrec parses a directory entry's key name and value.
func decodeDrec(rawKey, rawVal []byte, hashed bool) (DirEntry, error) {
	if len(rawKey) < 8 {
		return DirEntry{}, fmt.Errorf("drec key of %d bytes: %w", len(rawKey), types.ErrCorrupted)
	}

	var name string
	var err error
	tail := rawKey[8:]
	if hashed {
		if len(tail) < 4 {
			return DirEntry{}, fmt.Errorf("hashed drec key tail of %d bytes: %w",
				len(tail), types.ErrCorrupted)
		}
		lenAndHash := binary.LittleEndian.Uint32(tail[0:4])
		name, err = container.CString(tail[4:], int(lenAndHash&types.DrecLenMask))
	} else {
		name, err = container.ParseNameTail(tail)
	}
	if err != nil {
		return DirEntry{}, err
	}

	if len(rawVal) < drecValFixedSize {
		return DirEntry{}, fmt.Errorf("drec value of %d bytes: %w", len(rawVal), types.ErrCorrupted)
	}
	r := binary.LittleEndian
	return DirEntry{
		Name:      name,
		FileID:    r.Uint64(rawVal[0:8]),
		DateAdded: r.Uint64(rawVal[8:16]),
		Type:      r.Uint16(rawVal[16:18]) & types.DrecTypeMask,
	}, nil
}

// ReadDir returns the directory's entries in on-disk key order.
func (v *Volume) ReadDir(dir *Inode) ([]DirEntry, error) {
	if !dir.IsDir() {
		return nil, fmt.Errorf("inode 0x%x is not a directory: %w", dir.ID, types.ErrInvalid)
	}

	hashed := v.Super.APSB.HashedDrecs()
	low := container.Key{OID: dir.ID, Type: types.TypeDirRec, Hashed: hashed}
	high := container.Key{OID: dir.ID, Type: types.TypeDirRec + 1}

	var entries []DirEntry
	err := v.Super.CatalogTree().WalkRange(v.Super.CatRoot, &low, &high, container.QueryCat,
		func(rawKey, rawVal []byte) error {
			entry, err := decodeDrec(rawKey, rawVal, hashed)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list directory 0x%x: %w", dir.ID, err)
	}
	return entries, nil
}

// Lookup resolves one name within a directory to its inode.
func (v *Volume) Lookup(dir *Inode, name string) (*Inode, error) {
	if !dir.IsDir() {
		return nil, fmt.Errorf("inode 0x%x is not a directory: %w", dir.ID, types.ErrInvalid)
	}

	hashed := v.Super.APSB.HashedDrecs()
	key := container.NewDrecKey(dir.ID, name, hashed)
	res, err := v.Super.CatalogTree().Query(v.Super.CatRoot, &key,
		container.QueryCat|container.QueryExact)
	if err != nil {
		return nil, err
	}

	val := res.Value()
	if len(val) < drecValFixedSize {
		return nil, fmt.Errorf("drec value of %d bytes for %q: %w",
			len(val), name, types.ErrCorrupted)
	}
	fileID := binary.LittleEndian.Uint64(val[0:8])
	return v.GetInode(fileID)
}
