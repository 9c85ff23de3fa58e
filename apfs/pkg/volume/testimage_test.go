// File: pkg/volume/testimage_test.go
package volume

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/container"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/testdisk"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

const testBlockSize = 4096

// Object ids used by the synthesized volume.
const (
	fileIno    = 0x10 // regular file, one 64 KiB extent at block 1000
	holeIno    = 0x11 // file whose only extent is a hole
	corruptIno = 0x12 // file with an extent whose length is not block-aligned
	linkIno    = 0x13 // symlink to "target/path"
)

// buildVolume synthesizes a one-volume image with a small catalog:
// a root directory holding a regular file, a hole-only file, a file with
// a corrupt extent record, and a symlink. File content lives in blocks
// 1000..1015.
func buildVolume(t *testing.T, options string) (*testdisk.Device, *Volume) {
	t.Helper()
	dev := testdisk.NewDevice(testBlockSize)

	dev.Blocks[0] = testdisk.BuildNXSuperblock(testdisk.NXConfig{
		BlockSize:  testBlockSize,
		BlockCount: 2000,
		OMapAddr:   100,
		FSOIDs:     []types.OID{0x402},
	})
	dev.Blocks[100] = testdisk.BuildOMapPhys(testBlockSize, 101)
	dev.Blocks[101] = testdisk.BuildNode(testdisk.NodeConfig{
		BlockSize:    testBlockSize,
		Root:         true,
		Leaf:         true,
		FixedKeySize: 16,
		FixedValSize: 16,
		Records: []testdisk.Record{
			{Key: testdisk.EncodeOmapKey(0x402, 1), Value: testdisk.EncodeOmapVal(0, testBlockSize, 102)},
		},
	})
	dev.Blocks[102] = testdisk.BuildAPFSSuperblock(testdisk.APSBConfig{
		BlockSize:      testBlockSize,
		UUID:           [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		OMapAddr:       103,
		RootTreeOID:    0x404,
		AllocCount:     20,
		NumFiles:       3,
		NumDirectories: 1,
		NumSymlinks:    1,
		VolName:        "Test",
	})
	dev.Blocks[103] = testdisk.BuildOMapPhys(testBlockSize, 104)
	dev.Blocks[104] = testdisk.BuildNode(testdisk.NodeConfig{
		BlockSize:    testBlockSize,
		Root:         true,
		Leaf:         true,
		FixedKeySize: 16,
		FixedValSize: 16,
		Records: []testdisk.Record{
			{Key: testdisk.EncodeOmapKey(0x404, 1), Value: testdisk.EncodeOmapVal(0, testBlockSize, 105)},
		},
	})

	dev.Blocks[105] = testdisk.BuildNode(testdisk.NodeConfig{
		BlockSize: testBlockSize,
		Root:      true,
		Leaf:      true,
		Records: []testdisk.Record{
			{
				Key: testdisk.EncodeJKey(types.RootDirInoNum, types.TypeInode),
				Value: testdisk.EncodeInodeVal(testdisk.InodeConfig{
					ParentID: 1, PrivateID: types.RootDirInoNum,
					Mode: ModeDir | 0o755, Owner: 501, Group: 20, Nlink: 4,
				}),
			},
			{Key: testdisk.EncodeDrecKey(types.RootDirInoNum, "corrupt.bin", 0, false), Value: testdisk.EncodeDrecVal(corruptIno, DTRegular)},
			{Key: testdisk.EncodeDrecKey(types.RootDirInoNum, "file.bin", 0, false), Value: testdisk.EncodeDrecVal(fileIno, DTRegular)},
			{Key: testdisk.EncodeDrecKey(types.RootDirInoNum, "hole.bin", 0, false), Value: testdisk.EncodeDrecVal(holeIno, DTRegular)},
			{Key: testdisk.EncodeDrecKey(types.RootDirInoNum, "link", 0, false), Value: testdisk.EncodeDrecVal(linkIno, DTSymlink)},
			{
				Key: testdisk.EncodeJKey(fileIno, types.TypeInode),
				Value: testdisk.EncodeInodeVal(testdisk.InodeConfig{
					ParentID: types.RootDirInoNum, PrivateID: fileIno,
					Mode: ModeRegular | 0o644, Owner: 501, Group: 20, Nlink: 1,
					DstreamSize: 65536,
				}),
			},
			{Key: testdisk.EncodeExtentKey(fileIno, 0), Value: testdisk.EncodeExtentVal(65536, 1000, 0)},
			{
				Key: testdisk.EncodeJKey(holeIno, types.TypeInode),
				Value: testdisk.EncodeInodeVal(testdisk.InodeConfig{
					ParentID: types.RootDirInoNum, PrivateID: holeIno,
					Mode: ModeRegular | 0o644, Nlink: 1,
					DstreamSize: 8192,
				}),
			},
			{Key: testdisk.EncodeExtentKey(holeIno, 0), Value: testdisk.EncodeExtentVal(8192, 0, 0)},
			{
				Key: testdisk.EncodeJKey(corruptIno, types.TypeInode),
				Value: testdisk.EncodeInodeVal(testdisk.InodeConfig{
					ParentID: types.RootDirInoNum, PrivateID: corruptIno,
					Mode: ModeRegular | 0o644, Nlink: 1,
					DstreamSize: 4095,
				}),
			},
			{Key: testdisk.EncodeExtentKey(corruptIno, 0), Value: testdisk.EncodeExtentVal(4095, 900, 0)},
			{
				Key: testdisk.EncodeJKey(linkIno, types.TypeInode),
				Value: testdisk.EncodeInodeVal(testdisk.InodeConfig{
					ParentID: types.RootDirInoNum, PrivateID: linkIno,
					Mode: ModeSymlink | 0o755, Nlink: 1,
				}),
			},
			{Key: testdisk.EncodeXattrKey(linkIno, types.SymlinkXattrName), Value: testdisk.EncodeXattrVal(types.XattrDataEmbedded, append([]byte("target/path"), 0))},
		},
	})

	// File content: 16 blocks starting at 1000, each stamped with its
	// index in every word.
	for b := 0; b < 16; b++ {
		block := make([]byte, testBlockSize)
		for i := 0; i+4 <= len(block); i += 4 {
			binary.LittleEndian.PutUint32(block[i:i+4], uint32(b))
		}
		dev.Blocks[types.PAddr(1000+b)] = block
	}

	super, err := container.Mount(dev, options)
	require.NoError(t, err)
	t.Cleanup(super.Close)

	vol := New(super)
	t.Cleanup(vol.Close)
	return dev, vol
}
