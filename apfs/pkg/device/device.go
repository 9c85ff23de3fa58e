// File: pkg/device/device.go
package device

import (
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// FileDevice exposes a raw disk image or block device file as a
// types.BlockDevice. The block size starts at the container default and is
// re-set by the mount bootstrap once the authoritative size is known.
type FileDevice struct {
	file       *os.File
	path       string
	size       int64
	blockSize  uint32
	blockCount uint64
}

// Open opens the image or device at path read-only.
func Open(path string) (*FileDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size %s: %w", path, err)
	}

	d := &FileDevice{file: f, path: path, size: size}
	if err := d.SetBlockSize(types.NXDefaultBlockSize); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// SetBlockSize changes the device block size. n must be a power of two
// between types.MinBlockSize and types.MaxBlockSize.
func (d *FileDevice) SetBlockSize(n uint32) error {
	if n < types.MinBlockSize || n > types.MaxBlockSize || n&(n-1) != 0 {
		return fmt.Errorf("bad blocksize %d: %w", n, types.ErrInvalid)
	}
	d.blockSize = n
	d.blockCount = uint64(d.size) / uint64(n)
	return nil
}

// ReadBlock reads one block at addr under the current block size.
func (d *FileDevice) ReadBlock(addr types.PAddr) (*types.Buffer, error) {
	if uint64(addr) >= d.blockCount {
		return nil, fmt.Errorf("block %d beyond device end (%d blocks): %w",
			addr, d.blockCount, types.ErrIO)
	}

	data := make([]byte, d.blockSize)
	if _, err := d.file.ReadAt(data, int64(addr)*int64(d.blockSize)); err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", addr, types.ErrIO)
	}
	return &types.Buffer{Addr: addr, Data: data}, nil
}

func (d *FileDevice) GetBlockSize() uint32 {
	return d.blockSize
}

func (d *FileDevice) GetBlockCount() uint64 {
	return d.blockCount
}

func (d *FileDevice) Close() error {
	return d.file.Close()
}
