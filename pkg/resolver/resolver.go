// Package resolver maps byte offsets within a disk image back to the
// files that own them.
package resolver

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/dfdewey/pkg/datastore"
	"github.com/google/dfdewey/pkg/errors"
	"github.com/google/dfdewey/pkg/fsparser"
	"github.com/google/dfdewey/pkg/volume"
)

// mftRecordSizeOffset is where the NTFS boot sector stores the MFT
// record size. The byte is signed: a negative value n means 2^|n|
// bytes, a positive value is a cluster count.
const mftRecordSizeOffset = 0x40

// noFilename marks an inode with no recorded name, which still tells
// an examiner the block is allocated.
const noFilename = "*None*"

// inodeRef is one block-ownership candidate. A resident ref stands for
// NTFS data living inside the $MFT itself; the owning record is found
// by arithmetic over the $MFT runs rather than stored directly.
type inodeRef struct {
	inode    int64
	resident bool
}

// Resolver turns image offsets into "filename (inode)" strings using
// the per-image filesystem maps. Volume layouts are cached per image
// path.
type Resolver struct {
	store *datastore.SQLiteDataStore

	enumerate func(string) ([]volume.Volume, error)
	openFS    func(string, volume.Volume) (fsparser.FileSystem, error)

	mu      sync.Mutex
	volumes map[string][]volume.Volume
}

// New returns a resolver reading filesystem maps from store.
func New(store *datastore.SQLiteDataStore) *Resolver {
	return &Resolver{
		store:     store,
		enumerate: volume.Enumerate,
		openFS:    fsparser.Open,
		volumes:   make(map[string][]volume.Volume),
	}
}

// Resolve returns the files owning the byte at offset within the
// image, each as "filename (inode)". A miss of any kind - offset in
// no volume, unknown filesystem, unmapped block - is an empty result,
// not an error.
func (r *Resolver) Resolve(imagePath, imageHash string, offset uint64) ([]string, error) {
	vols, err := r.imageVolumes(imagePath)
	if err != nil {
		return nil, err
	}

	vol, ok := containing(vols, offset)
	if !ok {
		return nil, nil
	}
	if vol.FSType == volume.FSTypeUnknown {
		slog.Debug("resolver_unknown_fs", "image_hash", imageHash, "part", vol.Location)
		return nil, nil
	}

	fs, err := r.openFS(imagePath, vol)
	if err != nil {
		slog.Warn("resolver_fs_open_failed",
			"image_hash", imageHash, "part", vol.Location, "error", err)
		return nil, nil
	}
	defer fs.Close()

	blockSize := uint64(fs.BlockSize())
	relOffset := offset - vol.Start
	block := relOffset / blockSize

	inums, err := r.store.BlockInodes(imageHash, block, vol.Location)
	if stderrors.Is(err, datastore.ErrNotParsed) {
		slog.Debug("resolver_image_not_parsed", "image_hash", imageHash)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var refs []inodeRef
	for _, inum := range inums {
		if inum == 0 && fs.Type() == volume.FSTypeNTFS {
			refs = append(refs, inodeRef{resident: true})
			continue
		}
		refs = append(refs, inodeRef{inode: inum})
	}

	var results []string
	seen := make(map[string]bool)
	for _, ref := range refs {
		inode := ref.inode
		if ref.resident {
			inode, err = r.residentInode(imagePath, vol, fs, relOffset, block)
			if err != nil {
				slog.Warn("resolver_resident_lookup_failed",
					"image_hash", imageHash, "part", vol.Location, "error", err)
				continue
			}
		}

		names, err := r.store.InodeFilenames(imageHash, inode, vol.Location)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			names = []string{noFilename}
		}
		for _, name := range names {
			s := fmt.Sprintf("%s (%d)", name, inode)
			if !seen[s] {
				seen[s] = true
				results = append(results, s)
			}
		}
	}
	return results, nil
}

func (r *Resolver) imageVolumes(imagePath string) ([]volume.Volume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vols, ok := r.volumes[imagePath]; ok {
		return vols, nil
	}
	vols, err := r.enumerate(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to enumerate volumes of %s", imagePath)
	}
	r.volumes[imagePath] = vols
	return vols, nil
}

func containing(vols []volume.Volume, offset uint64) (volume.Volume, bool) {
	for _, v := range vols {
		if v.Contains(offset) {
			return v, true
		}
	}
	return volume.Volume{}, false
}

// residentInode recovers the MFT record owning resident data. Each
// $MFT block holds blockSize/recordSize records; counting records over
// the $MFT runs up to the owning block, plus the record index within
// that block, yields the entry number.
func (r *Resolver) residentInode(imagePath string, vol volume.Volume,
	fs fsparser.FileSystem, relOffset, block uint64) (int64, error) {

	recordSize, err := mftRecordSize(imagePath, vol, uint64(fs.BlockSize()))
	if err != nil {
		return 0, err
	}

	runs, err := inodeRuns(fs, 0)
	if err != nil {
		return 0, err
	}

	blockSize := uint64(fs.BlockSize())
	entry := int64(0)
	for _, run := range runs {
		for j := uint64(0); j < run.Count; j++ {
			if run.Block+j == block {
				entry += int64((relOffset - block*blockSize) / recordSize)
				return entry, nil
			}
			entry += int64(blockSize / recordSize)
		}
	}
	return 0, nil
}

func mftRecordSize(imagePath string, vol volume.Volume, blockSize uint64) (uint64, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	var b [1]byte
	if _, err := f.ReadAt(b[:], int64(vol.Start)+mftRecordSizeOffset); err != nil {
		return 0, errors.Wrap(err, "failed to read boot sector")
	}
	n := int8(b[0])
	if n < 0 {
		return 1 << uint(-n), nil
	}
	return uint64(n) * blockSize, nil
}

var errStopWalk = stderrors.New("stop walk")

// inodeRuns pulls the runs of a single inode out of the filesystem
// walk, stopping as soon as it is seen.
func inodeRuns(fs fsparser.FileSystem, target int64) ([]fsparser.Run, error) {
	var runs []fsparser.Run
	err := fs.WalkInodes(context.Background(), func(inode int64, r []fsparser.Run) error {
		if inode == target {
			runs = r
			return errStopWalk
		}
		return nil
	})
	if err != nil && !stderrors.Is(err, errStopWalk) {
		return nil, err
	}
	return runs, nil
}
