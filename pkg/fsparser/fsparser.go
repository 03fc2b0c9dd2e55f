// Package fsparser abstracts the filesystems found on image volumes so
// the block mapper can treat NTFS and ext uniformly.
package fsparser

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/dfdewey/pkg/volume"
)

// Run is a contiguous extent of volume-relative filesystem blocks
// allocated to an inode.
type Run struct {
	Block uint64
	Count uint64
}

// DirEntry is one name in a directory.
type DirEntry struct {
	Name  string
	Inode int64
	IsDir bool
}

// FileSystem is a parsed filesystem on a single volume. Implementations
// are not safe for concurrent use.
type FileSystem interface {
	Type() volume.FSType

	// BlockSize is the filesystem allocation unit in bytes (NTFS
	// cluster, ext block).
	BlockSize() int64

	// RootInode is the inode of the filesystem root directory.
	RootInode() int64

	// WalkInodes calls fn for every allocated inode with a non-zero
	// link count, in filesystem inode order, passing the disk runs
	// backing its data. Walking stops on the first error from fn.
	WalkInodes(ctx context.Context, fn func(inode int64, runs []Run) error) error

	// ReadDir lists the directory at inode. Names are escaped with
	// EscapeName.
	ReadDir(inode int64) ([]DirEntry, error)

	Close() error
}

// Open parses the filesystem on vol and returns the matching adapter.
func Open(imagePath string, vol volume.Volume) (FileSystem, error) {
	switch vol.FSType {
	case volume.FSTypeNTFS:
		return openNTFS(imagePath, vol)
	case volume.FSTypeExt:
		return openExt(imagePath, vol)
	default:
		return nil, fmt.Errorf("unsupported filesystem %q on %s", vol.FSType, vol.Location)
	}
}

// EscapeName renders a filename safely for storage and display.
// Control characters and bytes that do not decode as UTF-8 become
// \xNN escapes. Undecodable names never abort a directory walk.
func EscapeName(name string) string {
	if nameIsClean(name) {
		return name
	}
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); {
		r, size := utf8.DecodeRuneInString(name[i:])
		if r == utf8.RuneError && size == 1 {
			fmt.Fprintf(&b, `\x%02x`, name[i])
			i++
			continue
		}
		if r < 0x20 || (r >= 0x7f && r <= 0x9f) {
			for j := 0; j < size; j++ {
				fmt.Fprintf(&b, `\x%02x`, name[i+j])
			}
			i += size
			continue
		}
		b.WriteRune(r)
		i += size
	}
	return b.String()
}

func nameIsClean(name string) bool {
	if !utf8.ValidString(name) {
		return false
	}
	for _, r := range name {
		if r < 0x20 || (r >= 0x7f && r <= 0x9f) {
			return false
		}
	}
	return true
}
