package fsparser

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/dfdewey/pkg/errors"
	"github.com/google/dfdewey/pkg/volume"
)

// ext2/3/4 on-disk constants. The superblock sits 1024 bytes into the
// volume regardless of block size.
const (
	extSuperOffset = 1024
	extSuperMagic  = 0xef53
	extRootInode   = 2

	// s_feature_incompat bits.
	extIncompatFiletype = 0x0002
	extIncompatMetaBG   = 0x0010
	extIncompatExtents  = 0x0040
	extIncompat64Bit    = 0x0080

	// i_flags.
	extInodeFlagExtents = 0x80000

	// i_mode file type mask.
	extModeTypeMask = 0xf000
	extModeDir      = 0x4000

	extExtentMagic = 0xf30a

	// An extent length above this marks an uninitialized extent; the
	// real length is the remainder.
	extExtentUninit = 32768

	extMaxExtentDepth = 5
)

type extGroup struct {
	inodeBitmap uint64
	inodeTable  uint64
}

type extFS struct {
	f   *os.File
	r   io.ReaderAt
	vol volume.Volume

	blockSize      int64
	inodeCount     uint32
	blockCount     uint64
	blocksPerGroup uint64
	inodesPerGroup uint32
	inodeSize      uint32
	descSize       uint32

	filetype    bool
	extents     bool
	is64bit     bool
	metaBG      bool
	firstMetaBG uint64

	groups []extGroup
}

func openExt(imagePath string, vol volume.Volume) (FileSystem, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	var r io.ReaderAt = f
	if vol.Start > 0 || vol.End > 0 {
		end := int64(vol.End)
		if end == 0 {
			if fi, err := f.Stat(); err == nil {
				end = fi.Size()
			}
		}
		r = io.NewSectionReader(f, int64(vol.Start), end-int64(vol.Start))
	}

	e := &extFS{f: f, r: r, vol: vol}
	if err := e.readSuper(); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to read ext superblock on %s", vol.Location)
	}
	if err := e.readGroupDescs(); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to read ext group descriptors on %s", vol.Location)
	}
	return e, nil
}

func (e *extFS) Type() volume.FSType { return volume.FSTypeExt }

func (e *extFS) BlockSize() int64 { return e.blockSize }

func (e *extFS) RootInode() int64 { return extRootInode }

func (e *extFS) Close() error { return e.f.Close() }

func (e *extFS) readSuper() error {
	sb := make([]byte, 1024)
	if _, err := e.r.ReadAt(sb, extSuperOffset); err != nil {
		return err
	}
	if le16(sb[56:]) != extSuperMagic {
		return fmt.Errorf("bad ext magic %#x", le16(sb[56:]))
	}

	e.inodeCount = le32(sb[0:])
	e.blockSize = 1024 << le32(sb[24:])
	e.blocksPerGroup = uint64(le32(sb[32:]))
	e.inodesPerGroup = le32(sb[40:])

	incompat := le32(sb[96:])
	e.filetype = incompat&extIncompatFiletype != 0
	e.extents = incompat&extIncompatExtents != 0
	e.is64bit = incompat&extIncompat64Bit != 0
	e.metaBG = incompat&extIncompatMetaBG != 0

	e.blockCount = uint64(le32(sb[4:]))
	if e.is64bit {
		e.blockCount |= uint64(le32(sb[336:])) << 32
	}

	// Revision 0 filesystems have a fixed inode size.
	if le32(sb[76:]) < 1 {
		e.inodeSize = 128
	} else {
		e.inodeSize = uint32(le16(sb[88:]))
	}

	e.descSize = 32
	if e.is64bit {
		if ds := uint32(le16(sb[254:])); ds > 32 {
			e.descSize = ds
		}
	}
	if e.metaBG {
		e.firstMetaBG = uint64(le32(sb[260:]))
	}

	if e.blockSize <= 0 || e.blocksPerGroup == 0 || e.inodesPerGroup == 0 ||
		e.inodeSize == 0 || e.blockCount == 0 {
		return fmt.Errorf("implausible superblock geometry")
	}
	return nil
}

// readGroupDescs loads the inode bitmap and inode table locations for
// every block group. Without META_BG the table is contiguous after the
// superblock; with it, each meta group carries its own slice of
// descriptors in its first block, offset by one when that block also
// holds a superblock backup.
func (e *extFS) readGroupDescs() error {
	groupCount := e.blockCount / e.blocksPerGroup
	if e.blockCount%e.blocksPerGroup != 0 {
		groupCount++
	}
	if groupCount > 1<<22 {
		return fmt.Errorf("implausible group count %d", groupCount)
	}
	e.groups = make([]extGroup, groupCount)

	descPerBlock := uint64(e.blockSize) / uint64(e.descSize)
	firstDataBlock := uint64(0)
	if e.blockSize <= 1024 {
		firstDataBlock = 1
	}

	var block []byte
	current := firstDataBlock + 1
	metaGroup := e.firstMetaBG
	count := uint64(0)
	for i := uint64(0); i < groupCount; i++ {
		if block == nil || count == 0 {
			// Groups below first_meta_bg*descPerBlock keep using the
			// contiguous table after the superblock. Each meta group
			// past that stores its descriptor slice in the first
			// block of its first group, shifted by one when that
			// group carries a superblock backup.
			metaStyle := e.metaBG && i >= e.firstMetaBG*descPerBlock
			if metaStyle {
				group := metaGroup * descPerBlock
				current = firstDataBlock + group*e.blocksPerGroup
				if groupHasSuperBackup(group) {
					current++
				}
				metaGroup++
			}
			var err error
			block, err = e.readBlock(current)
			if err != nil {
				return err
			}
			if !metaStyle {
				current++
			}
		}

		off := count * uint64(e.descSize)
		d := block[off:]
		g := extGroup{
			inodeBitmap: uint64(le32(d[4:])),
			inodeTable:  uint64(le32(d[8:])),
		}
		if e.descSize > 32 && e.is64bit {
			g.inodeBitmap |= uint64(le32(d[36:])) << 32
			g.inodeTable |= uint64(le32(d[40:])) << 32
		}
		e.groups[i] = g

		count++
		if count >= descPerBlock {
			count = 0
		}
	}
	return nil
}

// Superblock backups live in groups 0, 1 and powers of 3, 5 and 7.
func groupHasSuperBackup(group uint64) bool {
	if group <= 1 {
		return true
	}
	for _, p := range []uint64{3, 5, 7} {
		g := group
		for g%p == 0 {
			g /= p
		}
		if g == 1 {
			return true
		}
	}
	return false
}

func (e *extFS) readBlock(n uint64) ([]byte, error) {
	if n >= e.blockCount {
		return nil, fmt.Errorf("block %d beyond filesystem end", n)
	}
	buf := make([]byte, e.blockSize)
	if _, err := e.r.ReadAt(buf, int64(n)*e.blockSize); err != nil {
		return nil, err
	}
	return buf, nil
}

type extInode struct {
	mode   uint16
	links  uint16
	flags  uint32
	size   uint64
	blocks [60]byte
}

func (i *extInode) isDir() bool {
	return i.mode&extModeTypeMask == extModeDir
}

func (e *extFS) readInode(inum int64) (*extInode, error) {
	if inum < 1 || uint32(inum) > e.inodeCount {
		return nil, fmt.Errorf("inode %d out of range", inum)
	}
	group := uint64(inum-1) / uint64(e.inodesPerGroup)
	index := uint64(inum-1) % uint64(e.inodesPerGroup)

	tableOffset := index * uint64(e.inodeSize)
	blockNum := e.groups[group].inodeTable + tableOffset/uint64(e.blockSize)
	block, err := e.readBlock(blockNum)
	if err != nil {
		return nil, err
	}
	raw := block[tableOffset%uint64(e.blockSize):]

	ino := &extInode{
		mode:  le16(raw[0:]),
		links: le16(raw[26:]),
		flags: le32(raw[32:]),
		size:  uint64(le32(raw[4:])),
	}
	if !ino.isDir() {
		ino.size |= uint64(le32(raw[108:])) << 32
	}
	copy(ino.blocks[:], raw[40:100])
	return ino, nil
}

// WalkInodes scans every group's inode bitmap and reports the blocks
// of each allocated inode with a non-zero link count, in inode order.
// Extent index and indirect pointer blocks count as belonging to the
// inode, matching how the filesystem allocates them.
func (e *extFS) WalkInodes(ctx context.Context, fn func(inode int64, runs []Run) error) error {
	for group := range e.groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		bitmap, err := e.readBlock(e.groups[group].inodeBitmap)
		if err != nil {
			return errors.Wrapf(err, "failed to read inode bitmap of group %d", group)
		}
		for index := uint32(0); index < e.inodesPerGroup; index++ {
			inum := int64(group)*int64(e.inodesPerGroup) + int64(index) + 1
			if uint32(inum) > e.inodeCount {
				break
			}
			if bitmap[index/8]&(1<<(index%8)) == 0 {
				continue
			}
			ino, err := e.readInode(inum)
			if err != nil || ino.links == 0 || ino.mode == 0 {
				continue
			}
			blocks, err := e.inodeBlocks(ino, true)
			if err != nil {
				continue
			}
			if err := fn(inum, coalesceRuns(blocks)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *extFS) ReadDir(inode int64) ([]DirEntry, error) {
	ino, err := e.readInode(inode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read inode %d", inode)
	}
	if !ino.isDir() {
		return nil, fmt.Errorf("inode %d is not a directory", inode)
	}
	blocks, err := e.inodeBlocks(ino, false)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read blocks of inode %d", inode)
	}

	var result []DirEntry
	for _, b := range blocks {
		data, err := e.readBlock(b)
		if err != nil {
			continue
		}
		result = e.parseDirBlock(data, result)
	}
	return result, nil
}

// parseDirBlock decodes classic linked directory entries:
// inode(4) rec_len(2) name_len(1|2) [file_type(1)] name.
func (e *extFS) parseDirBlock(data []byte, result []DirEntry) []DirEntry {
	for off := 0; off+8 <= len(data); {
		child := int64(le32(data[off:]))
		recLen := int(le16(data[off+4:]))
		if recLen < 8 || off+recLen > len(data) {
			break
		}
		var nameLen int
		fileType := 0
		if e.filetype {
			nameLen = int(data[off+6])
			fileType = int(data[off+7])
		} else {
			nameLen = int(le16(data[off+6:]))
		}
		if child != 0 && nameLen > 0 && off+8+nameLen <= len(data) {
			name := string(data[off+8 : off+8+nameLen])
			if name != "." && name != ".." {
				isDir := fileType == 2
				if !e.filetype {
					if ci, err := e.readInode(child); err == nil {
						isDir = ci.isDir()
					}
				}
				result = append(result, DirEntry{
					Name:  EscapeName(name),
					Inode: child,
					IsDir: isDir,
				})
			}
		}
		off += recLen
	}
	return result
}

// inodeBlocks returns the volume-relative blocks backing ino in file
// order. includeMeta additionally reports extent index and indirect
// pointer blocks, which content parsing must not see.
func (e *extFS) inodeBlocks(ino *extInode, includeMeta bool) ([]uint64, error) {
	if ino.flags&extInodeFlagExtents != 0 && e.extents {
		var blocks []uint64
		err := e.extentBlocks(ino.blocks[:], 0, includeMeta, &blocks)
		return blocks, err
	}
	return e.pointerBlocks(ino, includeMeta)
}

func (e *extFS) extentBlocks(node []byte, depth int, includeMeta bool, out *[]uint64) error {
	if depth > extMaxExtentDepth {
		return fmt.Errorf("extent tree too deep")
	}
	if le16(node[0:]) != extExtentMagic {
		return fmt.Errorf("bad extent magic %#x", le16(node[0:]))
	}
	entries := int(le16(node[2:]))
	treeDepth := le16(node[6:])

	off := 12
	for c := 0; c < entries && off+12 <= len(node); c++ {
		if treeDepth == 0 {
			length := uint64(le16(node[off+4:]))
			if length > extExtentUninit {
				length -= extExtentUninit
			}
			start := uint64(le16(node[off+6:]))<<32 | uint64(le32(node[off+8:]))
			for i := uint64(0); i < length; i++ {
				*out = append(*out, start+i)
			}
		} else {
			idx := uint64(le16(node[off+8:]))<<32 | uint64(le32(node[off+4:]))
			child, err := e.readBlock(idx)
			if err != nil {
				return err
			}
			if includeMeta {
				*out = append(*out, idx)
			}
			if err := e.extentBlocks(child, depth+1, includeMeta, out); err != nil {
				return err
			}
		}
		off += 12
	}
	return nil
}

// pointerBlocks walks the classic 12-direct / single / double / triple
// indirect block map.
func (e *extFS) pointerBlocks(ino *extInode, includeMeta bool) ([]uint64, error) {
	remaining := ino.size / uint64(e.blockSize)
	if ino.size%uint64(e.blockSize) != 0 {
		remaining++
	}

	var blocks []uint64
	for c := 0; c < 12 && remaining > 0; c++ {
		if ptr := uint64(le32(ino.blocks[c*4:])); ptr != 0 {
			blocks = append(blocks, ptr)
		}
		remaining--
	}

	for level := 1; level <= 3 && remaining > 0; level++ {
		ptr := uint64(le32(ino.blocks[(11+level)*4:]))
		if ptr == 0 {
			break
		}
		if includeMeta {
			blocks = append(blocks, ptr)
		}
		var err error
		blocks, err = e.indirect(ptr, level, includeMeta, blocks, &remaining)
		if err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

func (e *extFS) indirect(block uint64, level int, includeMeta bool, blocks []uint64, remaining *uint64) ([]uint64, error) {
	data, err := e.readBlock(block)
	if err != nil {
		return nil, err
	}
	for off := 0; off+4 <= len(data) && *remaining > 0; off += 4 {
		ptr := uint64(le32(data[off:]))
		if ptr == 0 {
			if level == 1 {
				*remaining--
			}
			continue
		}
		if level == 1 {
			blocks = append(blocks, ptr)
			*remaining--
			continue
		}
		if includeMeta {
			blocks = append(blocks, ptr)
		}
		blocks, err = e.indirect(ptr, level-1, includeMeta, blocks, remaining)
		if err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

// coalesceRuns folds an ordered block list into contiguous runs.
func coalesceRuns(blocks []uint64) []Run {
	var runs []Run
	for _, b := range blocks {
		if n := len(runs); n > 0 && runs[n-1].Block+runs[n-1].Count == b {
			runs[n-1].Count++
			continue
		}
		runs = append(runs, Run{Block: b, Count: 1})
	}
	return runs
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
