// File: pkg/container/super.go
package container

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-apfs-mount/apfs/pkg/types"
)

// Options are the parsed mount options. The mount is read-only regardless
// of what the caller asks for.
type Options struct {
	VolNr uint32

	UID         uint32
	GID         uint32
	UIDOverride bool
	GIDOverride bool
}

// ParseOptions parses a comma-separated key=value mount option string
// (uid=<n>, gid=<n>, vol=<n>). An unknown or malformed option fails the
// mount with ErrInvalid. A missing vol selects volume 0.
func ParseOptions(s string) (*Options, error) {
	opts := &Options{}
	if s == "" {
		return opts, nil
	}

	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		name, value, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("malformed mount option %q: %w", part, types.ErrInvalid)
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad value in mount option %q: %w", part, types.ErrInvalid)
		}
		switch name {
		case "vol":
			opts.VolNr = uint32(n)
		case "uid":
			opts.UID = uint32(n)
			opts.UIDOverride = true
		case "gid":
			opts.GID = uint32(n)
			opts.GIDOverride = true
		default:
			return nil, fmt.Errorf("unknown mount option %q: %w", name, types.ErrInvalid)
		}
	}
	return opts, nil
}

// String renders only the non-default options, in mount -o form.
func (o *Options) String() string {
	var parts []string
	if o.VolNr != 0 {
		parts = append(parts, fmt.Sprintf("vol=%d", o.VolNr))
	}
	if o.UIDOverride {
		parts = append(parts, fmt.Sprintf("uid=%d", o.UID))
	}
	if o.GIDOverride {
		parts = append(parts, fmt.Sprintf("gid=%d", o.GID))
	}
	return strings.Join(parts, ",")
}

// Super is the mounted filesystem state for one volume: the resident
// superblock buffers and the two persistent tree roots. It is built
// serially by Mount and read-only afterwards, so concurrent queries may
// share it without locking.
type Super struct {
	Device types.BlockDevice
	Opts   *Options

	NX    *NXSuperblock
	nxBuf *types.Buffer

	APSB    *APFSSuperblock
	apsbBuf *types.Buffer

	OmapRoot *Table
	CatRoot  *Table
}

// Mount runs the bootstrap: options, container superblock, volume
// superblock, omap root, catalog root. Any failure unwinds every prior
// phase; nothing is left resident.
func Mount(dev types.BlockDevice, options string) (*Super, error) {
	logrus.Info("apfs is read-only")

	opts, err := ParseOptions(options)
	if err != nil {
		return nil, err
	}
	s := &Super{Device: dev, Opts: opts}

	if err := s.mapMainSuper(); err != nil {
		logrus.WithError(err).Error("unable to map container superblock")
		return nil, err
	}
	if err := s.mapVolumeSuper(); err != nil {
		logrus.WithError(err).Error("unable to map volume superblock")
		s.unmapMainSuper()
		return nil, err
	}
	if err := s.readOmap(); err != nil {
		logrus.WithError(err).Error("unable to read the omap root node")
		s.unmapVolumeSuper()
		s.unmapMainSuper()
		return nil, err
	}
	// The omap must be resident before the catalog root can resolve.
	if err := s.readCatalog(); err != nil {
		logrus.WithError(err).Error("unable to read catalog root node")
		s.OmapRoot = nil
		s.unmapVolumeSuper()
		s.unmapMainSuper()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"volume":    s.APSB.VolName,
		"vol":       opts.VolNr,
		"blocksize": s.NX.BlockSize,
	}).Debug("mounted")
	return s, nil
}

// mapMainSuper reads block 0 at the default block size, switches the
// device to the authoritative container block size and re-reads if they
// differ, then validates magic and checksum. The buffer stays resident
// for the mount's lifetime.
func (s *Super) mapMainSuper() error {
	if err := s.Device.SetBlockSize(types.NXDefaultBlockSize); err != nil {
		return err
	}
	buf, err := s.Device.ReadBlock(types.NXBlockNum)
	if err != nil {
		return fmt.Errorf("unable to read superblock: %w", err)
	}

	blockSize := binary.LittleEndian.Uint32(buf.Data[36:40])
	if blockSize != s.Device.GetBlockSize() {
		if err := s.Device.SetBlockSize(blockSize); err != nil {
			return fmt.Errorf("bad blocksize %d: %w", blockSize, err)
		}
		buf, err = s.Device.ReadBlock(types.NXBlockNum)
		if err != nil {
			return fmt.Errorf("unable to read superblock 2nd time: %w", err)
		}
	}

	sb, err := ParseNXSuperblock(buf)
	if err != nil {
		return err
	}
	s.NX = sb
	s.nxBuf = buf
	return nil
}

func (s *Super) unmapMainSuper() {
	s.NX = nil
	s.nxBuf = nil
}

// mapVolumeSuper locates the requested volume's superblock: fs_oid
// lookup, container omap tree, omap query, then magic and checksum
// validation of the block the query resolves to.
func (s *Super) mapVolumeSuper() error {
	volOID, err := s.NX.VolumeOID(s.Opts.VolNr, s.Device.GetBlockSize())
	if err != nil {
		return err
	}

	omap, err := ReadOMapPhys(s.Device, types.PAddr(s.NX.OMapOID))
	if err != nil {
		return fmt.Errorf("unable to read container object map: %w", err)
	}
	vtable, err := ReadTable(s.Device, types.PAddr(omap.TreeOID))
	if err != nil {
		return fmt.Errorf("unable to read volume block: %w", err)
	}

	vsb, err := OmapLookup(s.Device, vtable, volOID)
	if err != nil {
		return fmt.Errorf("volume not found, likely corruption: %w", err)
	}

	buf, err := s.Device.ReadBlock(vsb)
	if err != nil {
		return fmt.Errorf("unable to read volume superblock: %w", err)
	}
	sb, err := ParseAPFSSuperblock(buf)
	if err != nil {
		return err
	}

	s.APSB = sb
	s.apsbBuf = buf
	return nil
}

func (s *Super) unmapVolumeSuper() {
	s.APSB = nil
	s.apsbBuf = nil
}

// readOmap loads the volume's omap root node and retains it.
func (s *Super) readOmap() error {
	omap, err := ReadOMapPhys(s.Device, types.PAddr(s.APSB.OMapOID))
	if err != nil {
		return fmt.Errorf("unable to read the volume object map: %w", err)
	}
	root, err := ReadTable(s.Device, types.PAddr(omap.TreeOID))
	if err != nil {
		return fmt.Errorf("unable to read the omap root node: %w", err)
	}
	s.OmapRoot = root
	return nil
}

// readCatalog resolves the volume's catalog root, a virtual oid, through
// the volume omap and retains it.
func (s *Super) readCatalog() error {
	root, err := OmapReadTable(s.Device, s.OmapRoot, s.APSB.RootTreeOID)
	if err != nil {
		return fmt.Errorf("unable to read catalog root node: %w", err)
	}
	s.CatRoot = root
	return nil
}

// CatalogTree returns a query handle over the volume's catalog.
func (s *Super) CatalogTree() *BTree {
	return &BTree{
		Device:      s.Device,
		OmapRoot:    s.OmapRoot,
		HashedDrecs: s.APSB.HashedDrecs(),
	}
}

// BlockSizeBits returns log2 of the container block size.
func (s *Super) BlockSizeBits() uint {
	bits := uint(0)
	for n := s.NX.BlockSize; n > 1; n >>= 1 {
		bits++
	}
	return bits
}

// Close tears the mount down in dependency-reverse order: tree roots,
// then the volume superblock, then the container superblock.
func (s *Super) Close() {
	s.CatRoot = nil
	s.OmapRoot = nil
	s.unmapVolumeSuper()
	s.unmapMainSuper()
}
