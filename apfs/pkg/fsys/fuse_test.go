// File: pkg/fsys/fuse_test.go
package fsys

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

func TestErrnoMapping(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), errno(nil))
	assert.Equal(t, syscall.ENOENT, errno(types.ErrNotFound))
	assert.Equal(t, syscall.ENOENT, errno(fmt.Errorf("wrapped: %w", types.ErrNotFound)))
	assert.Equal(t, syscall.EINVAL, errno(types.ErrInvalid))
	assert.Equal(t, syscall.EIO, errno(types.ErrCorrupted))
	assert.Equal(t, syscall.EIO, errno(types.ErrIO))
	assert.Equal(t, syscall.EIO, errno(fmt.Errorf("anything else")))
}

func TestMountValidatesOptions(t *testing.T) {
	_, err := Mount(Options{})
	assert.ErrorIs(t, err, types.ErrInvalid)

	_, err = Mount(Options{Mountpoint: "/tmp/x"})
	assert.ErrorIs(t, err, types.ErrInvalid)
}
