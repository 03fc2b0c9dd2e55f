// Package volume discovers partitions and their byte extents in a raw
// disk image.
package volume

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/dfdewey/pkg/errors"
)

// FSType identifies the filesystem occupying a volume.
type FSType string

const (
	FSTypeNTFS    FSType = "ntfs"
	FSTypeExt     FSType = "ext"
	FSTypeUnknown FSType = "unknown"
)

const sectorSize = 512

// Volume is one partition (or the whole image when there is no
// partition table) with its byte extent within the image.
type Volume struct {
	// Location is the partition identifier, e.g. "/p1". A single-volume
	// image uses "/".
	Location string

	// Start is the byte offset of the volume within the image.
	Start uint64

	// End is the byte offset one past the volume. Zero means unknown,
	// which only occurs for a single-volume image covering the whole
	// file.
	End uint64

	FSType FSType
}

// Contains reports whether offset falls inside the volume's extent. An
// unbounded volume contains every offset at or past its start.
func (v Volume) Contains(offset uint64) bool {
	if offset < v.Start {
		return false
	}
	return v.End == 0 || offset < v.End
}

// Enumerate discovers the volumes in the image at path, ordered by
// start offset. A missing or corrupt partition table is not an error:
// the whole image is returned as a single unbounded volume. An
// unreadable image is fatal.
func Enumerate(path string) ([]Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	return enumerate(f)
}

func enumerate(r io.ReaderAt) ([]Volume, error) {
	sector := make([]byte, sectorSize)
	if _, err := r.ReadAt(sector, 0); err != nil {
		return nil, errors.Wrap(err, "failed to read boot sector")
	}

	if binary.LittleEndian.Uint16(sector[510:512]) != 0xaa55 {
		slog.Debug("no_partition_table", "reason", "missing boot signature")
		return []Volume{wholeImage(r)}, nil
	}

	// A valid MBR signature may still be an NTFS or FAT volume boot
	// record written directly to sector 0.
	if sniffFS(r, 0) != FSTypeUnknown {
		return []Volume{wholeImage(r)}, nil
	}

	vols := parseMBR(r, sector)
	if len(vols) == 0 {
		slog.Warn("partition_table_empty", "fallback", "single volume")
		return []Volume{wholeImage(r)}, nil
	}
	return vols, nil
}

func wholeImage(r io.ReaderAt) Volume {
	return Volume{
		Location: "/",
		Start:    0,
		End:      0,
		FSType:   sniffFS(r, 0),
	}
}

// parseMBR decodes the four primary entries, following a protective
// entry into GPT and extended entries through the EBR chain.
func parseMBR(r io.ReaderAt, sector []byte) []Volume {
	var vols []Volume
	part := 1
	for i := 0; i < 4; i++ {
		entry := sector[446+i*16 : 446+(i+1)*16]
		ptype := entry[4]
		startLBA := binary.LittleEndian.Uint32(entry[8:12])
		sectors := binary.LittleEndian.Uint32(entry[12:16])

		switch {
		case ptype == 0x00:
			// Empty slot.
		case ptype == 0xee:
			// Protective MBR, the real table is GPT.
			return parseGPT(r)
		case ptype == 0x05 || ptype == 0x0f:
			vols = append(vols, parseExtended(r, uint64(startLBA), &part)...)
		default:
			vols = append(vols, makeVolume(r, part, uint64(startLBA), uint64(sectors)))
			part++
		}
	}
	return vols
}

// parseExtended walks the chain of extended boot records. Each EBR
// holds one logical partition entry and one link to the next EBR,
// relative to the start of the extended partition.
func parseExtended(r io.ReaderAt, extBase uint64, part *int) []Volume {
	var vols []Volume
	next := uint64(0)
	for i := 0; i < 64; i++ { // chain length guard for corrupt images
		ebr := make([]byte, sectorSize)
		if _, err := r.ReadAt(ebr, int64((extBase+next)*sectorSize)); err != nil {
			slog.Warn("extended_partition_unreadable", "lba", extBase+next, "error", err)
			return vols
		}
		if binary.LittleEndian.Uint16(ebr[510:512]) != 0xaa55 {
			return vols
		}

		entry := ebr[446:462]
		if entry[4] != 0x00 {
			start := extBase + next + uint64(binary.LittleEndian.Uint32(entry[8:12]))
			sectors := uint64(binary.LittleEndian.Uint32(entry[12:16]))
			vols = append(vols, makeVolume(r, *part, start, sectors))
			*part++
		}

		link := ebr[462:478]
		if link[4] != 0x05 && link[4] != 0x0f {
			return vols
		}
		next = uint64(binary.LittleEndian.Uint32(link[8:12]))
		if next == 0 {
			return vols
		}
	}
	return vols
}

// parseGPT decodes the GPT header at LBA 1 and its partition entry
// array. A corrupt header degrades to a single whole-image volume.
func parseGPT(r io.ReaderAt) []Volume {
	header := make([]byte, sectorSize)
	if _, err := r.ReadAt(header, sectorSize); err != nil {
		slog.Warn("gpt_header_unreadable", "error", err)
		return []Volume{wholeImage(r)}
	}
	if string(header[0:8]) != "EFI PART" {
		slog.Warn("gpt_header_invalid", "fallback", "single volume")
		return []Volume{wholeImage(r)}
	}

	entriesLBA := binary.LittleEndian.Uint64(header[72:80])
	numEntries := binary.LittleEndian.Uint32(header[80:84])
	entrySize := binary.LittleEndian.Uint32(header[84:88])
	if entrySize < 128 || numEntries > 1024 {
		slog.Warn("gpt_header_invalid", "fallback", "single volume")
		return []Volume{wholeImage(r)}
	}

	var vols []Volume
	part := 1
	entry := make([]byte, entrySize)
	for i := uint32(0); i < numEntries; i++ {
		offset := int64(entriesLBA)*sectorSize + int64(i)*int64(entrySize)
		if _, err := r.ReadAt(entry, offset); err != nil {
			break
		}
		if isZeroGUID(entry[0:16]) {
			continue
		}
		first := binary.LittleEndian.Uint64(entry[32:40])
		last := binary.LittleEndian.Uint64(entry[40:48])
		if last < first {
			continue
		}
		vols = append(vols, makeVolume(r, part, first, last-first+1))
		part++
	}
	return vols
}

func makeVolume(r io.ReaderAt, part int, startLBA, sectors uint64) Volume {
	start := startLBA * sectorSize
	return Volume{
		Location: fmt.Sprintf("/p%d", part),
		Start:    start,
		End:      start + sectors*sectorSize,
		FSType:   sniffFS(r, int64(start)),
	}
}

// sniffFS probes for a known filesystem signature at the given byte
// offset: the NTFS OEM id in the volume boot record, or the ext
// superblock magic 1KiB in.
func sniffFS(r io.ReaderAt, offset int64) FSType {
	vbr := make([]byte, 16)
	if _, err := r.ReadAt(vbr, offset); err == nil {
		if string(vbr[3:11]) == "NTFS    " {
			return FSTypeNTFS
		}
	}

	super := make([]byte, 2)
	if _, err := r.ReadAt(super, offset+1024+56); err == nil {
		if binary.LittleEndian.Uint16(super) == 0xef53 {
			return FSTypeExt
		}
	}

	return FSTypeUnknown
}

func isZeroGUID(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
