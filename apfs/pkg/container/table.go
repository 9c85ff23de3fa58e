// File: pkg/container/table.go
package container

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/checksum"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// BTreeNodeHeaderSize is the fixed-size portion of a B-tree node block:
// the object header plus the btn_* fields that precede the data area.
const BTreeNodeHeaderSize = 56

const (
	kvLocSize = 8 // variable layout: key off/len + value off/len
	kvOffSize = 4 // fixed layout: key off + value off
)

// Table is one parsed B-tree node. It owns the block buffer it was read
// from; key and value byte ranges returned by LocateKey/LocateValue index
// into Raw(). Contents are immutable once the checksum verifies, so a
// Table may be shared by concurrent queries.
type Table struct {
	Header  types.ObjectHeader
	Flags   uint16
	Level   uint16
	Records int

	buf *types.Buffer

	tocOff     int // absolute offset of the table of contents
	tocLen     int
	keyAreaOff int // absolute offset keys are relative to
	valAreaEnd int // absolute offset values are counted back from

	// Fixed-layout record sizes, taken from the root node's info trailer
	// and propagated to children during descent. Zero for variable nodes.
	fixedKeySize int
	fixedValSize int
}

// ReadTable reads the block at addr, verifies its checksum and parses the
// node header and table of contents.
func ReadTable(dev types.BlockDevice, addr types.PAddr) (*Table, error) {
	buf, err := dev.ReadBlock(addr)
	if err != nil {
		return nil, err
	}
	return ParseTable(buf)
}

// ParseTable parses a node from an already-read block buffer.
func ParseTable(buf *types.Buffer) (*Table, error) {
	data := buf.Data
	if len(data) < BTreeNodeHeaderSize {
		return nil, fmt.Errorf("node block %d too short: %w", buf.Addr, types.ErrCorrupted)
	}
	if !checksum.VerifyBlock(data) {
		return nil, fmt.Errorf("bad checksum in node block %d: %w", buf.Addr, types.ErrCorrupted)
	}

	hdr, err := types.ParseObjectHeader(data)
	if err != nil {
		return nil, err
	}

	r := binary.LittleEndian
	t := &Table{
		Header:  hdr,
		Flags:   r.Uint16(data[32:34]),
		Level:   r.Uint16(data[34:36]),
		Records: int(r.Uint32(data[36:40])),
		buf:     buf,
	}

	tableOff := int(r.Uint16(data[40:42]))
	tableLen := int(r.Uint16(data[42:44]))
	t.tocOff = BTreeNodeHeaderSize + tableOff
	t.tocLen = tableLen
	t.keyAreaOff = t.tocOff + t.tocLen
	t.valAreaEnd = len(data)
	if t.Flags&types.BTNodeRoot != 0 {
		t.valAreaEnd -= types.BTreeInfoSize
	}

	if t.tocOff+t.tocLen > len(data) || t.keyAreaOff > t.valAreaEnd {
		return nil, fmt.Errorf("node %d toc out of range: %w", buf.Addr, types.ErrCorrupted)
	}

	entrySize := kvLocSize
	if t.Flags&types.BTNodeFixedKVLoc != 0 {
		entrySize = kvOffSize
	}
	if t.Records < 0 || t.Records*entrySize > t.tocLen {
		return nil, fmt.Errorf("node %d has %d records but a %d-byte toc: %w",
			buf.Addr, t.Records, t.tocLen, types.ErrCorrupted)
	}

	if t.Flags&types.BTNodeRoot != 0 && t.Flags&types.BTNodeFixedKVLoc != 0 {
		// bt_fixed.key_size and val_size live in the info trailer.
		info := data[len(data)-types.BTreeInfoSize:]
		t.fixedKeySize = int(r.Uint32(info[8:12]))
		t.fixedValSize = int(r.Uint32(info[12:16]))
	}

	return t, nil
}

// IsLeaf reports whether the node holds domain records rather than child
// pointers.
func (t *Table) IsLeaf() bool {
	return t.Flags&types.BTNodeLeaf != 0
}

// Raw returns the node's full block for decoding keys and values in place.
func (t *Table) Raw() []byte {
	return t.buf.Data
}

// Addr returns the physical block the node was read from.
func (t *Table) Addr() types.PAddr {
	return t.buf.Addr
}

// inheritFixedSizes propagates the root's fixed record sizes to a child
// node, which carries no info trailer of its own.
func (t *Table) inheritFixedSizes(parent *Table) {
	t.fixedKeySize = parent.fixedKeySize
	t.fixedValSize = parent.fixedValSize
}

func (t *Table) tocEntry(i int) ([]byte, error) {
	if i < 0 || i >= t.Records {
		return nil, fmt.Errorf("record index %d out of range (%d records): %w",
			i, t.Records, types.ErrCorrupted)
	}
	entrySize := kvLocSize
	if t.Flags&types.BTNodeFixedKVLoc != 0 {
		entrySize = kvOffSize
	}
	start := t.tocOff + i*entrySize
	return t.buf.Data[start : start+entrySize], nil
}

// LocateKey returns the byte range of record i's key within Raw().
func (t *Table) LocateKey(i int) (off, length int, err error) {
	entry, err := t.tocEntry(i)
	if err != nil {
		return 0, 0, err
	}
	r := binary.LittleEndian

	if t.Flags&types.BTNodeFixedKVLoc != 0 {
		if t.fixedKeySize == 0 {
			return 0, 0, fmt.Errorf("node %d: fixed layout without key size: %w",
				t.buf.Addr, types.ErrCorrupted)
		}
		off = t.keyAreaOff + int(r.Uint16(entry[0:2]))
		length = t.fixedKeySize
	} else {
		off = t.keyAreaOff + int(r.Uint16(entry[0:2]))
		length = int(r.Uint16(entry[2:4]))
	}

	if off+length > len(t.buf.Data) {
		return 0, 0, fmt.Errorf("key %d in node %d out of range: %w",
			i, t.buf.Addr, types.ErrCorrupted)
	}
	return off, length, nil
}

// LocateValue returns the byte range of record i's value within Raw().
// Value offsets count backwards from the end of the value area.
func (t *Table) LocateValue(i int) (off, length int, err error) {
	entry, err := t.tocEntry(i)
	if err != nil {
		return 0, 0, err
	}
	r := binary.LittleEndian

	if t.Flags&types.BTNodeFixedKVLoc != 0 {
		length = t.fixedValSize
		if !t.IsLeaf() {
			// Internal fixed-layout values are child pointers.
			length = 8
		}
		if length == 0 {
			return 0, 0, fmt.Errorf("node %d: fixed layout without value size: %w",
				t.buf.Addr, types.ErrCorrupted)
		}
		off = t.valAreaEnd - int(r.Uint16(entry[2:4]))
	} else {
		off = t.valAreaEnd - int(r.Uint16(entry[4:6]))
		length = int(r.Uint16(entry[6:8]))
	}

	if off < 0 || off+length > len(t.buf.Data) {
		return 0, 0, fmt.Errorf("value %d in node %d out of range: %w",
			i, t.buf.Addr, types.ErrCorrupted)
	}
	return off, length, nil
}

// KeyBytes returns record i's key.
func (t *Table) KeyBytes(i int) ([]byte, error) {
	off, length, err := t.LocateKey(i)
	if err != nil {
		return nil, err
	}
	return t.buf.Data[off : off+length], nil
}

// ValueBytes returns record i's value.
func (t *Table) ValueBytes(i int) ([]byte, error) {
	off, length, err := t.LocateValue(i)
	if err != nil {
		return nil, err
	}
	return t.buf.Data[off : off+length], nil
}
