// File: pkg/volume/xfields.go
package volume

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// Extended-field types consulted by the reader.
const (
	xFieldTypeName    uint8 = 4
	xFieldTypeDstream uint8 = 8
)

// xFieldHeaderSize is the xf_blob header: number of fields and used
// bytes.
const xFieldHeaderSize = 4

// xFieldEntrySize is one x_field_t: type, flags, size.
const xFieldEntrySize = 4

// walkXFields calls fn for each extended field in an inode or drec
// value's trailing blob. Values are packed after the entry table, each
// aligned to 8 bytes.
func walkXFields(blob []byte, fn func(typ uint8, data []byte) error) error {
	if len(blob) < xFieldHeaderSize {
		return fmt.Errorf("xfield blob of %d bytes: %w", len(blob), types.ErrCorrupted)
	}
	r := binary.LittleEndian
	numExts := int(r.Uint16(blob[0:2]))

	valOff := xFieldHeaderSize + numExts*xFieldEntrySize
	if valOff > len(blob) {
		return fmt.Errorf("xfield table of %d entries overruns blob: %w",
			numExts, types.ErrCorrupted)
	}

	for i := 0; i < numExts; i++ {
		entry := blob[xFieldHeaderSize+i*xFieldEntrySize:]
		typ := entry[0]
		size := int(r.Uint16(entry[2:4]))

		if valOff+size > len(blob) {
			return fmt.Errorf("xfield %d overruns blob: %w", i, types.ErrCorrupted)
		}
		if err := fn(typ, blob[valOff:valOff+size]); err != nil {
			return err
		}
		valOff += (size + 7) &^ 7
	}
	return nil
}

// dstreamSize extracts the data stream's logical size from an inode
// value's extended fields. ok is false when the inode carries no dstream.
func dstreamSize(blob []byte) (size uint64, ok bool, err error) {
	err = walkXFields(blob, func(typ uint8, data []byte) error {
		if typ != xFieldTypeDstream {
			return nil
		}
		if len(data) < 8 {
			return fmt.Errorf("dstream xfield of %d bytes: %w", len(data), types.ErrCorrupted)
		}
		size = binary.LittleEndian.Uint64(data[0:8])
		ok = true
		return nil
	})
	return size, ok, err
}
