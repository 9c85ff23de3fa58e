// File: pkg/device/device_test.go
package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

func writeImage(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.img")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenDefaultBlockSize(t *testing.T) {
	d, err := Open(writeImage(t, 64*1024))
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, types.NXDefaultBlockSize, d.GetBlockSize())
	assert.Equal(t, uint64(16), d.GetBlockCount())
}

func TestSetBlockSizeRescalesCount(t *testing.T) {
	d, err := Open(writeImage(t, 64*1024))
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.SetBlockSize(8192))
	assert.Equal(t, uint32(8192), d.GetBlockSize())
	assert.Equal(t, uint64(8), d.GetBlockCount())
}

func TestSetBlockSizeRejectsBadSizes(t *testing.T) {
	d, err := Open(writeImage(t, 64*1024))
	require.NoError(t, err)
	defer d.Close()

	for _, n := range []uint32{0, 256, 1000, 3 * 4096, 131072} {
		err := d.SetBlockSize(n)
		assert.ErrorIs(t, err, types.ErrInvalid, "blocksize %d", n)
	}
}

func TestReadBlock(t *testing.T) {
	d, err := Open(writeImage(t, 64*1024))
	require.NoError(t, err)
	defer d.Close()

	buf, err := d.ReadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, types.PAddr(1), buf.Addr)
	assert.Len(t, buf.Data, 4096)
	assert.Equal(t, byte(4096%256), buf.Data[0])
}

func TestReadBlockPastEnd(t *testing.T) {
	d, err := Open(writeImage(t, 64*1024))
	require.NoError(t, err)
	defer d.Close()

	_, err = d.ReadBlock(16)
	assert.ErrorIs(t, err, types.ErrIO)
}
