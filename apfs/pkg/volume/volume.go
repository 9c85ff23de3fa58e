// File: pkg/volume/volume.go
package volume

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/container"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// Volume is the catalog-level view of one mounted volume: inode loading
// and caching, directory enumeration, extended attributes and file
// content reads, all on top of the container's traversal stack.
type Volume struct {
	Super *container.Super

	mu     sync.Mutex
	inodes map[uint64]*Inode
}

// New wraps a mounted Super. The inode pool starts empty; inodes are
// loaded from the catalog on first use and shared afterwards.
func New(s *container.Super) *Volume {
	return &Volume{
		Super:  s,
		inodes: make(map[uint64]*Inode),
	}
}

// Root returns the volume's root directory inode.
func (v *Volume) Root() (*Inode, error) {
	root, err := v.GetInode(types.RootDirInoNum)
	if err != nil {
		return nil, fmt.Errorf("unable to get root inode: %w", err)
	}
	return root, nil
}

// GetInode returns the inode with the given catalog object id, loading
// its INODE record on first use.
func (v *Volume) GetInode(id uint64) (*Inode, error) {
	v.mu.Lock()
	if ino, ok := v.inodes[id]; ok {
		v.mu.Unlock()
		return ino, nil
	}
	v.mu.Unlock()

	ino, err := v.readInode(id)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	// A racing reader may have loaded the same record; both decoded the
	// same bytes, keep the first.
	if prior, ok := v.inodes[id]; ok {
		return prior, nil
	}
	v.inodes[id] = ino
	return ino, nil
}

func (v *Volume) readInode(id uint64) (*Inode, error) {
	key := container.NewInodeKey(id)
	res, err := v.Super.CatalogTree().Query(v.Super.CatRoot, &key, container.QueryCat|container.QueryExact)
	if err != nil {
		return nil, fmt.Errorf("no inode record for 0x%x: %w", id, err)
	}
	return decodeInode(v, id, res.Value())
}

// Close drops the inode pool. The underlying Super is torn down by its
// own Close.
func (v *Volume) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inodes = nil
}
