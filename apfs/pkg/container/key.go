// File: pkg/container/key.go
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// Key is a search key for an omap or catalog B-tree. The secondary
// discriminant depends on the record type: a logical byte address for
// file extents, a name (and on hashed volumes a name hash) for directory
// entries and xattrs, a transaction id for omap keys.
type Key struct {
	OID  uint64
	Type uint8

	XID  uint64 // omap keys only
	Addr uint64 // file extent keys only

	Name   string // drec / xattr keys only
	Hash   uint32 // drec keys on hashed volumes
	Hashed bool
}

// NewOmapKey builds an object-map search key. Lookups pass the maximum
// transaction id and take the nearest-lower match, which selects the
// newest committed version.
func NewOmapKey(oid types.OID, xid types.XID) Key {
	return Key{OID: uint64(oid), XID: uint64(xid)}
}

// NewInodeKey builds a catalog key for an inode record.
func NewInodeKey(id uint64) Key {
	return Key{OID: id, Type: types.TypeInode}
}

// NewExtentKey builds a catalog key for the file extent covering the
// logical byte address iaddr of the data stream extentID.
func NewExtentKey(extentID, iaddr uint64) Key {
	return Key{OID: extentID, Type: types.TypeFileExtent, Addr: iaddr}
}

// NewDrecKey builds a catalog key for a directory entry. On hashed
// volumes the name hash participates in the on-disk sort.
func NewDrecKey(parentID uint64, name string, hashed bool) Key {
	k := Key{OID: parentID, Type: types.TypeDirRec, Name: name, Hashed: hashed}
	if hashed {
		k.Hash = HashName(name)
	}
	return k
}

// NewXattrKey builds a catalog key for a named extended attribute.
func NewXattrKey(id uint64, name string) Key {
	return Key{OID: id, Type: types.TypeXattr, Name: name}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// HashName computes the 22-bit directory entry name hash: the complement
// of the crc32c over the UTF-32LE code points of the NFD-normalized name.
func HashName(name string) uint32 {
	normalized := norm.NFD.String(name)
	utf32 := make([]byte, 0, 4*len(normalized))
	var word [4]byte
	for _, r := range normalized {
		binary.LittleEndian.PutUint32(word[:], uint32(r))
		utf32 = append(utf32, word[:]...)
	}
	crc := ^crc32.Checksum(utf32, crc32cTable)
	return crc & (types.DrecHashMask >> types.DrecHashShift)
}

// compareOmapKey orders an on-disk omap key against a search key:
// ascending object id, then ascending transaction id.
func compareOmapKey(raw []byte, key *Key) (int, error) {
	if len(raw) < 16 {
		return 0, fmt.Errorf("omap key of %d bytes: %w", len(raw), types.ErrCorrupted)
	}
	r := binary.LittleEndian
	oid := r.Uint64(raw[0:8])
	xid := r.Uint64(raw[8:16])

	if oid != key.OID {
		return cmpUint64(oid, key.OID), nil
	}
	return cmpUint64(xid, key.XID), nil
}

// compareCatalogKey orders an on-disk catalog key against a search key:
// object id, then record type, then the type's secondary discriminant.
func compareCatalogKey(raw []byte, key *Key) (int, error) {
	if len(raw) < 8 {
		return 0, fmt.Errorf("catalog key of %d bytes: %w", len(raw), types.ErrCorrupted)
	}
	idAndType := binary.LittleEndian.Uint64(raw[0:8])
	oid := idAndType & types.ObjIDMask
	typ := uint8(idAndType >> types.ObjTypeShift)

	if oid != key.OID {
		return cmpUint64(oid, key.OID), nil
	}
	if typ != key.Type {
		return int(typ) - int(key.Type), nil
	}

	switch typ {
	case types.TypeFileExtent:
		if len(raw) < 16 {
			return 0, fmt.Errorf("extent key of %d bytes: %w", len(raw), types.ErrCorrupted)
		}
		addr := binary.LittleEndian.Uint64(raw[8:16])
		return cmpUint64(addr, key.Addr), nil

	case types.TypeDirRec:
		return compareDrecTail(raw[8:], key)

	case types.TypeXattr:
		name, err := ParseNameTail(raw[8:])
		if err != nil {
			return 0, err
		}
		return strings.Compare(name, key.Name), nil

	default:
		return 0, nil
	}
}

func compareDrecTail(tail []byte, key *Key) (int, error) {
	if key.Hashed {
		if len(tail) < 4 {
			return 0, fmt.Errorf("hashed drec key tail of %d bytes: %w",
				len(tail), types.ErrCorrupted)
		}
		lenAndHash := binary.LittleEndian.Uint32(tail[0:4])
		hash := (lenAndHash & types.DrecHashMask) >> types.DrecHashShift
		if hash != key.Hash {
			return cmpUint64(uint64(hash), uint64(key.Hash)), nil
		}
		nameLen := int(lenAndHash & types.DrecLenMask)
		name, err := CString(tail[4:], nameLen)
		if err != nil {
			return 0, err
		}
		return strings.Compare(name, key.Name), nil
	}

	name, err := ParseNameTail(tail)
	if err != nil {
		return 0, err
	}
	return strings.Compare(name, key.Name), nil
}

// ParseNameTail decodes a u16 length followed by a null-terminated name.
func ParseNameTail(tail []byte) (string, error) {
	if len(tail) < 2 {
		return "", fmt.Errorf("name tail of %d bytes: %w", len(tail), types.ErrCorrupted)
	}
	nameLen := int(binary.LittleEndian.Uint16(tail[0:2]))
	return CString(tail[2:], nameLen)
}

// CString extracts a null-terminated name of nameLen bytes (null
// included) from data.
func CString(data []byte, nameLen int) (string, error) {
	if nameLen <= 0 || nameLen > len(data) {
		return "", fmt.Errorf("name length %d out of range: %w", nameLen, types.ErrCorrupted)
	}
	name := data[:nameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name), nil
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
