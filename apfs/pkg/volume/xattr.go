// File: pkg/volume/xattr.go
package volume

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/container"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// xattrValFixedSize is an xattr value without its data: flags and the
// embedded data length.
const xattrValFixedSize = 4

// ListXattrs returns the names of the inode's extended attributes in
// on-disk order.
func (v *Volume) ListXattrs(ino *Inode) ([]string, error) {
	low := container.Key{OID: ino.ID, Type: types.TypeXattr}
	high := container.Key{OID: ino.ID, Type: types.TypeXattr + 1}

	var names []string
	err := v.Super.CatalogTree().WalkRange(v.Super.CatRoot, &low, &high, container.QueryCat,
		func(rawKey, rawVal []byte) error {
			if len(rawKey) < 8 {
				return fmt.Errorf("xattr key of %d bytes: %w", len(rawKey), types.ErrCorrupted)
			}
			name, err := container.ParseNameTail(rawKey[8:])
			if err != nil {
				return err
			}
			names = append(names, name)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list xattrs of inode 0x%x: %w", ino.ID, err)
	}
	return names, nil
}

// GetXattr returns the contents of a named extended attribute. Only
// attributes with embedded data are readable; a data-stream-backed
// attribute reports ErrNotFound for its contents.
func (v *Volume) GetXattr(ino *Inode, name string) ([]byte, error) {
	key := container.NewXattrKey(ino.ID, name)
	res, err := v.Super.CatalogTree().Query(v.Super.CatRoot, &key,
		container.QueryCat|container.QueryExact)
	if err != nil {
		return nil, err
	}

	val := res.Value()
	if len(val) < xattrValFixedSize {
		return nil, fmt.Errorf("xattr value of %d bytes for %q: %w",
			len(val), name, types.ErrCorrupted)
	}
	r := binary.LittleEndian
	flags := r.Uint16(val[0:2])
	dataLen := int(r.Uint16(val[2:4]))

	if flags&types.XattrDataEmbedded == 0 {
		// The attribute's contents live in their own data stream.
		return nil, fmt.Errorf("xattr %q of inode 0x%x is stream-backed: %w",
			name, ino.ID, types.ErrNotFound)
	}
	if xattrValFixedSize+dataLen > len(val) {
		return nil, fmt.Errorf("xattr %q data overruns record: %w", name, types.ErrCorrupted)
	}
	return val[xattrValFixedSize : xattrValFixedSize+dataLen], nil
}

// Readlink returns a symbolic link's target, stored as an embedded
// extended attribute.
func (v *Volume) Readlink(ino *Inode) (string, error) {
	if !ino.IsSymlink() {
		return "", fmt.Errorf("inode 0x%x is not a symlink: %w", ino.ID, types.ErrInvalid)
	}
	data, err := v.GetXattr(ino, types.SymlinkXattrName)
	if err != nil {
		return "", err
	}
	// The target is stored null-terminated.
	if n := len(data); n > 0 && data[n-1] == 0 {
		data = data[:n-1]
	}
	return string(data), nil
}
