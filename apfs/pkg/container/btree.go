// File: pkg/container/btree.go
package container

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// QueryFlags select the tree's key codec and the match semantics.
type QueryFlags uint32

const (
	// QueryOmap compares omap keys (oid, xid).
	QueryOmap QueryFlags = 1 << iota
	// QueryCat compares catalog keys (obj_id, type, secondary).
	QueryCat
	// QueryExact requires the located record's key to equal the search
	// key; without it the query returns the greatest record whose key is
	// less than or equal to the search key.
	QueryExact
)

// maxTreeDepth bounds a descent. On-disk levels are 16 bits but any real
// tree is far shallower; deeper chains mean a corrupt or cyclic tree.
const maxTreeDepth = 16

// BTree drives queries against a copy-on-write B-tree. For catalog trees
// the child pointers are virtual oids and OmapRoot must be set so they
// can be translated; omap trees carry physical child pointers.
type BTree struct {
	Device   types.BlockDevice
	OmapRoot *Table

	// HashedDrecs is set when the volume stores directory entries under
	// hashed keys.
	HashedDrecs bool
}

// QueryResult is a located record: the leaf node it lives in plus the
// key/value byte ranges within that leaf's raw block.
type QueryResult struct {
	Table *Table
	Index int

	KeyOff, KeyLen int
	ValOff, ValLen int
}

// Key returns the record's key bytes.
func (q *QueryResult) Key() []byte {
	return q.Table.Raw()[q.KeyOff : q.KeyOff+q.KeyLen]
}

// Value returns the record's value bytes.
func (q *QueryResult) Value() []byte {
	return q.Table.Raw()[q.ValOff : q.ValOff+q.ValLen]
}

func (bt *BTree) compare(raw []byte, key *Key, flags QueryFlags) (int, error) {
	if flags&QueryOmap != 0 {
		return compareOmapKey(raw, key)
	}
	return compareCatalogKey(raw, key)
}

// search finds the last record in node whose key is less than or equal
// to key. Returns index -1 when every key is greater. cmp is the
// comparison result for the returned index.
func (bt *BTree) search(node *Table, key *Key, flags QueryFlags) (index, cmp int, err error) {
	index, cmp = -1, -1
	lo, hi := 0, node.Records-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		raw, err := node.KeyBytes(mid)
		if err != nil {
			return -1, 0, err
		}
		c, err := bt.compare(raw, key, flags)
		if err != nil {
			return -1, 0, err
		}
		if c <= 0 {
			index, cmp = mid, c
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return index, cmp, nil
}

// childTable reads the child node referenced by record i of an internal
// node. Catalog children are virtual oids translated through the omap;
// omap children are physical block numbers.
func (bt *BTree) childTable(node *Table, i int, flags QueryFlags) (*Table, error) {
	val, err := node.ValueBytes(i)
	if err != nil {
		return nil, err
	}
	if len(val) < 8 {
		return nil, fmt.Errorf("child pointer of %d bytes in node %d: %w",
			len(val), node.Addr(), types.ErrCorrupted)
	}
	ptr := binary.LittleEndian.Uint64(val[:8])

	var addr types.PAddr
	if flags&QueryCat != 0 {
		var err error
		addr, err = OmapLookup(bt.Device, bt.OmapRoot, types.OID(ptr))
		if err != nil {
			return nil, fmt.Errorf("failed to translate child oid 0x%x: %w", ptr, err)
		}
	} else {
		addr = types.PAddr(ptr)
	}

	child, err := ReadTable(bt.Device, addr)
	if err != nil {
		return nil, err
	}
	child.inheritFixedSizes(node)
	return child, nil
}

// Query descends from root to a leaf and returns the located record. With
// QueryExact the record's key must equal the search key; otherwise the
// greatest record with key <= search key is returned. A query that runs
// off the low end of the tree fails with ErrNotFound.
func (bt *BTree) Query(root *Table, key *Key, flags QueryFlags) (*QueryResult, error) {
	node := root

	for depth := 0; ; depth++ {
		if depth > maxTreeDepth {
			return nil, fmt.Errorf("tree deeper than %d levels: %w", maxTreeDepth, types.ErrCorrupted)
		}

		index, cmp, err := bt.search(node, key, flags)
		if err != nil {
			return nil, err
		}
		if index < 0 {
			return nil, types.ErrNotFound
		}

		if node.IsLeaf() {
			if flags&QueryExact != 0 && cmp != 0 {
				return nil, types.ErrNotFound
			}
			keyOff, keyLen, err := node.LocateKey(index)
			if err != nil {
				return nil, err
			}
			valOff, valLen, err := node.LocateValue(index)
			if err != nil {
				return nil, err
			}
			return &QueryResult{
				Table: node, Index: index,
				KeyOff: keyOff, KeyLen: keyLen,
				ValOff: valOff, ValLen: valLen,
			}, nil
		}

		node, err = bt.childTable(node, index, flags)
		if err != nil {
			return nil, err
		}
	}
}

// WalkRange visits, in key order, every leaf record with low <= key <
// high. Subtrees whose key ranges fall entirely outside the bounds are
// pruned during the descent.
func (bt *BTree) WalkRange(root *Table, low, high *Key, flags QueryFlags, fn func(key, value []byte) error) error {
	return bt.walkRange(root, low, high, flags, fn, 0)
}

func (bt *BTree) walkRange(node *Table, low, high *Key, flags QueryFlags, fn func(key, value []byte) error, depth int) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("tree deeper than %d levels: %w", maxTreeDepth, types.ErrCorrupted)
	}

	if node.IsLeaf() {
		for i := 0; i < node.Records; i++ {
			raw, err := node.KeyBytes(i)
			if err != nil {
				return err
			}
			cmpLow, err := bt.compare(raw, low, flags)
			if err != nil {
				return err
			}
			if cmpLow < 0 {
				continue
			}
			cmpHigh, err := bt.compare(raw, high, flags)
			if err != nil {
				return err
			}
			if cmpHigh >= 0 {
				return nil
			}
			val, err := node.ValueBytes(i)
			if err != nil {
				return err
			}
			if err := fn(raw, val); err != nil {
				return err
			}
		}
		return nil
	}

	start, _, err := bt.search(node, low, flags)
	if err != nil {
		return err
	}
	if start < 0 {
		start = 0
	}
	for i := start; i < node.Records; i++ {
		if i > start {
			// A child whose first key is already past high holds nothing
			// within the range.
			raw, err := node.KeyBytes(i)
			if err != nil {
				return err
			}
			cmpHigh, err := bt.compare(raw, high, flags)
			if err != nil {
				return err
			}
			if cmpHigh >= 0 {
				return nil
			}
		}
		child, err := bt.childTable(node, i, flags)
		if err != nil {
			return err
		}
		if err := bt.walkRange(child, low, high, flags, fn, depth+1); err != nil {
			return err
		}
	}
	return nil
}
