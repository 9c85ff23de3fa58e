// File: pkg/container/key_test.go
package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/testdisk"
	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

func TestHashNameStable(t *testing.T) {
	h1 := HashName("file.bin")
	h2 := HashName("file.bin")
	assert.Equal(t, h1, h2)
	assert.LessOrEqual(t, h1, types.DrecHashMask>>types.DrecHashShift)
	assert.NotEqual(t, h1, HashName("file.bim"))
}

func TestHashNameNormalization(t *testing.T) {
	// "é" precomposed vs decomposed must hash the same.
	assert.Equal(t, HashName("café"), HashName("café"))
}

func TestCompareOmapKeyTotalOrder(t *testing.T) {
	key := NewOmapKey(0x402, 5)

	equal := testdisk.EncodeOmapKey(0x402, 5)
	cmp, err := compareOmapKey(equal, &key)
	require.NoError(t, err)
	assert.Zero(t, cmp)

	smallerOID := testdisk.EncodeOmapKey(0x401, 100)
	cmp, err = compareOmapKey(smallerOID, &key)
	require.NoError(t, err)
	assert.Negative(t, cmp)

	smallerXID := testdisk.EncodeOmapKey(0x402, 4)
	cmp, err = compareOmapKey(smallerXID, &key)
	require.NoError(t, err)
	assert.Negative(t, cmp)

	largerXID := testdisk.EncodeOmapKey(0x402, 6)
	cmp, err = compareOmapKey(largerXID, &key)
	require.NoError(t, err)
	assert.Positive(t, cmp)
}

func TestCompareOmapKeyShort(t *testing.T) {
	key := NewOmapKey(1, 1)
	_, err := compareOmapKey(make([]byte, 8), &key)
	assert.ErrorIs(t, err, types.ErrCorrupted)
}

func TestCompareCatalogKeyByIDThenType(t *testing.T) {
	// Same object id: the inode record sorts before its extents.
	extentKey := NewExtentKey(0x10, 0)

	inodeRaw := testdisk.EncodeJKey(0x10, types.TypeInode)
	cmp, err := compareCatalogKey(inodeRaw, &extentKey)
	require.NoError(t, err)
	assert.Negative(t, cmp)

	// A smaller id sorts first regardless of type.
	otherRaw := testdisk.EncodeJKey(0x0f, types.TypeDirRec)
	cmp, err = compareCatalogKey(otherRaw, &extentKey)
	require.NoError(t, err)
	assert.Negative(t, cmp)
}

func TestCompareCatalogKeyExtentAddr(t *testing.T) {
	key := NewExtentKey(0x10, 8192)

	for _, tc := range []struct {
		addr uint64
		want int
	}{
		{0, -1},
		{8192, 0},
		{65536, 1},
	} {
		raw := testdisk.EncodeExtentKey(0x10, tc.addr)
		cmp, err := compareCatalogKey(raw, &key)
		require.NoError(t, err)
		switch tc.want {
		case 0:
			assert.Zero(t, cmp, "addr %d", tc.addr)
		case -1:
			assert.Negative(t, cmp, "addr %d", tc.addr)
		default:
			assert.Positive(t, cmp, "addr %d", tc.addr)
		}
	}
}

func TestCompareCatalogKeyDrecName(t *testing.T) {
	key := NewDrecKey(2, "m", false)

	before := testdisk.EncodeDrecKey(2, "a", 0, false)
	cmp, err := compareCatalogKey(before, &key)
	require.NoError(t, err)
	assert.Negative(t, cmp)

	match := testdisk.EncodeDrecKey(2, "m", 0, false)
	cmp, err = compareCatalogKey(match, &key)
	require.NoError(t, err)
	assert.Zero(t, cmp)

	after := testdisk.EncodeDrecKey(2, "z", 0, false)
	cmp, err = compareCatalogKey(after, &key)
	require.NoError(t, err)
	assert.Positive(t, cmp)
}

func TestCompareCatalogKeyDrecHashed(t *testing.T) {
	key := NewDrecKey(2, "file.bin", true)

	match := testdisk.EncodeDrecKey(2, "file.bin", HashName("file.bin"), true)
	cmp, err := compareCatalogKey(match, &key)
	require.NoError(t, err)
	assert.Zero(t, cmp)

	other := testdisk.EncodeDrecKey(2, "other", HashName("other"), true)
	cmp, err = compareCatalogKey(other, &key)
	require.NoError(t, err)
	if HashName("other") < HashName("file.bin") {
		assert.Negative(t, cmp)
	} else {
		assert.Positive(t, cmp)
	}
}

func TestParseNameTail(t *testing.T) {
	raw := testdisk.EncodeXattrKey(0x13, "com.apple.fs.symlink")
	name, err := ParseNameTail(raw[8:])
	require.NoError(t, err)
	assert.Equal(t, "com.apple.fs.symlink", name)
}

func TestCStringRejectsBadLength(t *testing.T) {
	_, err := CString([]byte{'a', 0}, 10)
	assert.ErrorIs(t, err, types.ErrCorrupted)
	_, err = CString([]byte{'a', 0}, 0)
	assert.ErrorIs(t, err, types.ErrCorrupted)
}
