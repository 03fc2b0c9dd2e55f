package fsparser

import (
	"context"
	"os"
	"strings"

	ntfs "www.velocidex.com/golang/go-ntfs/parser"

	"github.com/google/dfdewey/pkg/errors"
	"github.com/google/dfdewey/pkg/volume"
)

const (
	ntfsPageSize  = 0x1000
	ntfsCacheSize = 10000

	// $DATA attribute type.
	ntfsAttrData = 128

	// The root directory is always MFT entry 5.
	ntfsRootEntry = 5
)

type ntfsFS struct {
	f   *os.File
	ctx *ntfs.NTFSContext
	vol volume.Volume
}

func openNTFS(imagePath string, vol volume.Volume) (FileSystem, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	reader, err := ntfs.NewPagedReader(&ntfs.OffsetReader{
		Offset: int64(vol.Start),
		Reader: f,
	}, ntfsPageSize, ntfsCacheSize)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to page image")
	}
	ntfsCtx, err := ntfs.GetNTFSContext(reader, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to open ntfs volume %s", vol.Location)
	}
	return &ntfsFS{f: f, ctx: ntfsCtx, vol: vol}, nil
}

func (n *ntfsFS) Type() volume.FSType { return volume.FSTypeNTFS }

func (n *ntfsFS) BlockSize() int64 { return n.ctx.ClusterSize }

func (n *ntfsFS) RootInode() int64 { return ntfsRootEntry }

func (n *ntfsFS) Close() error { return n.f.Close() }

// WalkInodes streams the $MFT and reports the disk runs of every
// in-use record. Resident files have no runs of their own; their
// content lives inside the $MFT record, so it is covered by the runs
// reported for entry 0.
func (n *ntfsFS) WalkInodes(ctx context.Context, fn func(inode int64, runs []Run) error) error {
	mftEntry, err := n.ctx.GetMFT(0)
	if err != nil {
		return errors.Wrap(err, "failed to read $MFT record")
	}
	mftReader, err := ntfs.OpenStream(n.ctx, mftEntry, uint64(ntfsAttrData),
		ntfs.WILDCARD_STREAM_ID, ntfs.WILDCARD_STREAM_NAME)
	if err != nil {
		return errors.Wrap(err, "failed to open $MFT stream")
	}

	for item := range ntfs.ParseMFTFile(ctx, mftReader,
		ntfs.RangeSize(mftReader), n.ctx.ClusterSize, n.ctx.RecordSize) {
		if !item.InUse {
			continue
		}
		inode := int64(item.EntryNumber)
		entry, err := n.ctx.GetMFT(inode)
		if err != nil {
			continue
		}
		if err := fn(inode, n.diskRuns(entry)); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// diskRuns decodes the runlists of every $DATA stream on entry into
// volume-relative cluster runs. Runlist offsets are deltas from the
// previous run's cluster; a zero delta marks a sparse run, which
// occupies no clusters and does not move the accumulator.
func (n *ntfsFS) diskRuns(entry *ntfs.MFT_ENTRY) []Run {
	var runs []Run
	vcns := ntfs.GetAllVCNs(n.ctx, entry, uint64(ntfsAttrData),
		ntfs.WILDCARD_STREAM_ID, ntfs.WILDCARD_STREAM_NAME)
	for _, vcn := range vcns {
		lcn := int64(0)
		for _, r := range vcn.RunList() {
			if r.RelativeUrnOffset == 0 {
				continue
			}
			lcn += r.RelativeUrnOffset
			if lcn < 0 || r.Length <= 0 {
				continue
			}
			runs = append(runs, Run{Block: uint64(lcn), Count: uint64(r.Length)})
		}
	}
	return runs
}

// ReadDir lists the $I30 index of the directory at inode. DOS short
// names are dropped in favor of their Win32 twins. Alternate data
// streams on a child appear as additional "name:stream" entries.
func (n *ntfsFS) ReadDir(inode int64) ([]DirEntry, error) {
	entry, err := n.ctx.GetMFT(inode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read mft entry %d", inode)
	}

	var result []DirEntry
	seen := make(map[string]bool)
	for _, record := range entry.Dir(n.ctx) {
		filename := record.File()
		if filename.NameType().Name == "DOS" {
			continue
		}
		name := filename.Name()
		if name == "." || name == ".." {
			continue
		}
		ref := int64(record.MftReference())
		if ref == inode || seen[name] {
			continue
		}
		seen[name] = true
		result = append(result, n.childEntries(ref, name)...)
	}
	return result, nil
}

// childEntries stats one directory child, returning its entry plus one
// entry per named alternate data stream.
func (n *ntfsFS) childEntries(ref int64, name string) []DirEntry {
	escaped := EscapeName(name)
	child, err := n.ctx.GetMFT(ref)
	if err != nil {
		return []DirEntry{{Name: escaped, Inode: ref}}
	}

	infos := ntfs.Stat(n.ctx, child)
	if len(infos) == 0 {
		return []DirEntry{{Name: escaped, Inode: ref}}
	}

	result := []DirEntry{{Name: escaped, Inode: ref, IsDir: infos[0].IsDir}}
	for _, info := range infos[1:] {
		idx := strings.IndexByte(info.Name, ':')
		if idx < 0 {
			continue
		}
		result = append(result, DirEntry{
			Name:  escaped + EscapeName(info.Name[idx:]),
			Inode: ref,
		})
	}
	return result
}
