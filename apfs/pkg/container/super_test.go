// File: pkg/container/super_test.go
package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/testdisk"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// buildImage synthesizes a two-volume container:
//
//	  0  container superblock (fs_oid[0]=0x402, fs_oid[1]=0x403)
//	100  container omap phys     101  container omap tree root
//	102  volume 0 superblock     103/104  volume 0 omap phys/root
//	105  volume 0 catalog root (virtual oid 0x404)
//	202  volume 1 superblock     203/204  volume 1 omap phys/root
//	205  volume 1 catalog root (virtual oid 0x405)
func buildImage(t *testing.T) *testdisk.Device {
	t.Helper()
	dev := testdisk.NewDevice(testBlockSize)

	dev.Blocks[0] = testdisk.BuildNXSuperblock(testdisk.NXConfig{
		BlockSize:  testBlockSize,
		BlockCount: 100,
		OMapAddr:   100,
		FSOIDs:     []types.OID{0x402, 0x403},
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
			{Key: testdisk.EncodeOmapKey(0x403, 1), Value: testdisk.EncodeOmapVal(0, testBlockSize, 202)},
		},
	})

	addVolume(dev, volumeConfig{
		sbAddr: 102, omapPhys: 103, omapRoot: 104, catRoot: 105,
		catOID: 0x404, name: "Macintosh HD",
		allocCount: 10, numFiles: 3, numDirs: 2, numSymlinks: 1, numOther: 1,
		uuid: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	})
	addVolume(dev, volumeConfig{
		sbAddr: 202, omapPhys: 203, omapRoot: 204, catRoot: 205,
		catOID: 0x405, name: "Data",
		allocCount: 30, numFiles: 7, numDirs: 1,
		uuid: [16]byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
	})

	return dev
}

type volumeConfig struct {
	sbAddr, omapPhys, omapRoot, catRoot types.PAddr
	catOID                              types.OID
	name                                string
	allocCount                          uint64
	numFiles, numDirs                   uint64
	numSymlinks, numOther               uint64
	uuid                                [16]byte
}

func addVolume(dev *testdisk.Device, cfg volumeConfig) {
	dev.Blocks[cfg.sbAddr] = testdisk.BuildAPFSSuperblock(testdisk.APSBConfig{
		BlockSize:      testBlockSize,
		UUID:           cfg.uuid,
		OMapAddr:       cfg.omapPhys,
		RootTreeOID:    cfg.catOID,
		AllocCount:     cfg.allocCount,
		NumFiles:       cfg.numFiles,
		NumDirectories: cfg.numDirs,
		NumSymlinks:    cfg.numSymlinks,
		NumOther:       cfg.numOther,
		VolName:        cfg.name,
	})
	dev.Blocks[cfg.omapPhys] = testdisk.BuildOMapPhys(testBlockSize, cfg.omapRoot)
	dev.Blocks[cfg.omapRoot] = testdisk.BuildNode(testdisk.NodeConfig{
		BlockSize:    testBlockSize,
		Root:         true,
		Leaf:         true,
		FixedKeySize: 16,
		FixedValSize: 16,
		Records: []testdisk.Record{
			{Key: testdisk.EncodeOmapKey(cfg.catOID, 1), Value: testdisk.EncodeOmapVal(0, testBlockSize, cfg.catRoot)},
		},
	})
	dev.Blocks[cfg.catRoot] = testdisk.BuildNode(testdisk.NodeConfig{
		BlockSize: testBlockSize,
		Root:      true,
		Leaf:      true,
		Records: []testdisk.Record{
			{
				Key: testdisk.EncodeJKey(types.RootDirInoNum, types.TypeInode),
				Value: testdisk.EncodeInodeVal(testdisk.InodeConfig{
					ParentID: 1, PrivateID: types.RootDirInoNum, Mode: 0x41ED,
				}),
			},
		},
	})
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions("")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), opts.VolNr)
	assert.False(t, opts.UIDOverride)

	opts, err = ParseOptions("vol=1,uid=501,gid=20")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), opts.VolNr)
	assert.True(t, opts.UIDOverride)
	assert.Equal(t, uint32(501), opts.UID)
	assert.True(t, opts.GIDOverride)
	assert.Equal(t, uint32(20), opts.GID)
}

func TestParseOptionsRejectsUnknown(t *testing.T) {
	for _, s := range []string{"rw", "foo=1", "uid=abc", "vol=-1", "uid"} {
		_, err := ParseOptions(s)
		assert.ErrorIs(t, err, types.ErrInvalid, "options %q", s)
	}
}

func TestShowOptions(t *testing.T) {
	opts, err := ParseOptions("")
	require.NoError(t, err)
	assert.Equal(t, "", opts.String())

	opts, err = ParseOptions("gid=20,vol=2")
	require.NoError(t, err)
	assert.Equal(t, "vol=2,gid=20", opts.String())
}

func TestMountAndRoot(t *testing.T) {
	dev := buildImage(t)

	s, err := Mount(dev, "")
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "Macintosh HD", s.APSB.VolName)
	assert.NotNil(t, s.OmapRoot)
	assert.NotNil(t, s.CatRoot)

	// The root directory inode must be reachable through the catalog.
	key := NewInodeKey(types.RootDirInoNum)
	res, err := s.CatalogTree().Query(s.CatRoot, &key, QueryCat|QueryExact)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Value())

	stat, err := s.Statfs()
	require.NoError(t, err)
	assert.Equal(t, uint32(testBlockSize), stat.BSize)
	assert.Equal(t, types.SuperMagic, stat.Type)
}

func TestMountSecondVolume(t *testing.T) {
	dev := buildImage(t)

	s, err := Mount(dev, "vol=1")
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "Data", s.APSB.VolName)
}

func TestMountNonexistentVolume(t *testing.T) {
	dev := buildImage(t)

	_, err := Mount(dev, "vol=99")
	assert.ErrorIs(t, err, types.ErrInvalid)
	// Only block 0 was touched: no omap or catalog reads for a bad index.
	assert.Equal(t, 1, dev.ReadCount)
}

func TestMountVolumeIndexOutOfRange(t *testing.T) {
	dev := buildImage(t)

	_, err := Mount(dev, "vol=4000000")
	assert.ErrorIs(t, err, types.ErrInvalid)
}

func TestMountBadMagic(t *testing.T) {
	dev := buildImage(t)
	block := dev.Blocks[0]
	block[32] = 'X'
	testdisk.Finish(block)

	_, err := Mount(dev, "")
	assert.ErrorIs(t, err, types.ErrInvalid)
}

func TestMountBadChecksum(t *testing.T) {
	dev := buildImage(t)
	dev.Blocks[0][40] ^= 0xFF

	_, err := Mount(dev, "")
	assert.ErrorIs(t, err, types.ErrCorrupted)
}

func TestMountBadOptionsBeforeAnyRead(t *testing.T) {
	dev := buildImage(t)

	_, err := Mount(dev, "bogus=1")
	assert.ErrorIs(t, err, types.ErrInvalid)
	assert.Zero(t, dev.ReadCount)
}

func TestMountWrongVolumeMagic(t *testing.T) {
	dev := buildImage(t)
	block := dev.Blocks[102]
	block[32] = 'X'
	testdisk.Finish(block)

	_, err := Mount(dev, "")
	assert.ErrorIs(t, err, types.ErrInvalid)
}

func TestTeardownReleasesState(t *testing.T) {
	dev := buildImage(t)

	s, err := Mount(dev, "")
	require.NoError(t, err)
	s.Close()

	assert.Nil(t, s.CatRoot)
	assert.Nil(t, s.OmapRoot)
	assert.Nil(t, s.APSB)
	assert.Nil(t, s.NX)
}
