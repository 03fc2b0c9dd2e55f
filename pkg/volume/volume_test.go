package volume

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// putMBRPartition writes one primary partition entry into an MBR
// sector.
func putMBRPartition(sector []byte, slot int, ptype byte, startLBA, sectors uint32) {
	entry := sector[446+slot*16 : 446+(slot+1)*16]
	entry[4] = ptype
	binary.LittleEndian.PutUint32(entry[8:12], startLBA)
	binary.LittleEndian.PutUint32(entry[12:16], sectors)
}

func putExtSuper(img []byte, volStart uint64) {
	binary.LittleEndian.PutUint16(img[volStart+1024+56:], 0xef53)
}

func putNTFSVBR(img []byte, volStart uint64) {
	copy(img[volStart+3:], "NTFS    ")
}

func TestEnumerateMBR(t *testing.T) {
	img := make([]byte, 4096*sectorSize)
	binary.LittleEndian.PutUint16(img[510:512], 0xaa55)
	putMBRPartition(img, 0, 0x07, 64, 1024)
	putMBRPartition(img, 1, 0x83, 2048, 1024)
	putNTFSVBR(img, 64*sectorSize)
	putExtSuper(img, 2048*sectorSize)

	vols, err := enumerate(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("enumerate() error: %v", err)
	}
	if len(vols) != 2 {
		t.Fatalf("enumerate() found %d volumes, want 2", len(vols))
	}

	if vols[0].Location != "/p1" || vols[0].Start != 64*sectorSize || vols[0].FSType != FSTypeNTFS {
		t.Errorf("first volume = %+v, want /p1 NTFS at %d", vols[0], 64*sectorSize)
	}
	if vols[1].Location != "/p2" || vols[1].Start != 2048*sectorSize || vols[1].FSType != FSTypeExt {
		t.Errorf("second volume = %+v, want /p2 ext at %d", vols[1], 2048*sectorSize)
	}
	if want := uint64((2048 + 1024) * sectorSize); vols[1].End != want {
		t.Errorf("second volume end = %d, want %d", vols[1].End, want)
	}
}

func TestEnumerateSingleVolume(t *testing.T) {
	// An NTFS volume boot record carries the MBR signature, but has no
	// partition table: the whole image is the volume.
	img := make([]byte, 64*sectorSize)
	binary.LittleEndian.PutUint16(img[510:512], 0xaa55)
	putNTFSVBR(img, 0)

	vols, err := enumerate(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("enumerate() error: %v", err)
	}
	if len(vols) != 1 {
		t.Fatalf("enumerate() found %d volumes, want 1", len(vols))
	}
	v := vols[0]
	if v.Location != "/" || v.Start != 0 || v.End != 0 || v.FSType != FSTypeNTFS {
		t.Errorf("volume = %+v, want unbounded NTFS at /", v)
	}
}

func TestEnumerateNoSignature(t *testing.T) {
	img := make([]byte, 8*sectorSize)
	putExtSuper(img, 0)

	vols, err := enumerate(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("enumerate() error: %v", err)
	}
	if len(vols) != 1 || vols[0].Location != "/" || vols[0].FSType != FSTypeExt {
		t.Errorf("volumes = %+v, want single ext volume", vols)
	}
}

func TestEnumerateGPT(t *testing.T) {
	img := make([]byte, 4096*sectorSize)
	binary.LittleEndian.PutUint16(img[510:512], 0xaa55)
	putMBRPartition(img, 0, 0xee, 1, 0xffffffff)

	header := img[sectorSize : 2*sectorSize]
	copy(header, "EFI PART")
	binary.LittleEndian.PutUint64(header[72:80], 2)    // entries at LBA 2
	binary.LittleEndian.PutUint32(header[80:84], 2)    // entry count
	binary.LittleEndian.PutUint32(header[84:88], 128)  // entry size

	entry := img[2*sectorSize:]
	entry[0] = 0x01 // non-zero type GUID marks the entry in use
	binary.LittleEndian.PutUint64(entry[32:40], 128)
	binary.LittleEndian.PutUint64(entry[40:48], 2175)
	putExtSuper(img, 128*sectorSize)

	vols, err := enumerate(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("enumerate() error: %v", err)
	}
	if len(vols) != 1 {
		t.Fatalf("enumerate() found %d volumes, want 1", len(vols))
	}
	v := vols[0]
	if v.Location != "/p1" || v.Start != 128*sectorSize || v.FSType != FSTypeExt {
		t.Errorf("volume = %+v, want /p1 ext at %d", v, 128*sectorSize)
	}
	if want := uint64(2176 * sectorSize); v.End != want {
		t.Errorf("volume end = %d, want %d", v.End, want)
	}
}

func TestEnumerateExtendedPartitions(t *testing.T) {
	img := make([]byte, 8192*sectorSize)
	binary.LittleEndian.PutUint16(img[510:512], 0xaa55)
	putMBRPartition(img, 0, 0x83, 64, 1024)
	putMBRPartition(img, 1, 0x05, 2048, 4096)
	putExtSuper(img, 64*sectorSize)

	// First EBR at the start of the extended partition: one logical
	// partition 64 sectors in, link to a second EBR at +2048.
	ebr1 := img[2048*sectorSize:]
	binary.LittleEndian.PutUint16(ebr1[510:512], 0xaa55)
	putMBRPartition(ebr1, 0, 0x83, 64, 1024)
	putMBRPartition(ebr1, 1, 0x05, 2048, 2048)
	putExtSuper(img, (2048+64)*sectorSize)

	ebr2 := img[(2048+2048)*sectorSize:]
	binary.LittleEndian.PutUint16(ebr2[510:512], 0xaa55)
	putMBRPartition(ebr2, 0, 0x07, 64, 1024)
	putNTFSVBR(img, (2048+2048+64)*sectorSize)

	vols, err := enumerate(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("enumerate() error: %v", err)
	}
	if len(vols) != 3 {
		t.Fatalf("enumerate() found %d volumes, want 3", len(vols))
	}
	if vols[1].Location != "/p2" || vols[1].Start != (2048+64)*sectorSize || vols[1].FSType != FSTypeExt {
		t.Errorf("first logical volume = %+v", vols[1])
	}
	if vols[2].Location != "/p3" || vols[2].Start != (2048+2048+64)*sectorSize || vols[2].FSType != FSTypeNTFS {
		t.Errorf("second logical volume = %+v", vols[2])
	}
}

func TestContains(t *testing.T) {
	bounded := Volume{Start: 1024, End: 2048}
	unbounded := Volume{Start: 1024}

	tests := []struct {
		v      Volume
		offset uint64
		want   bool
	}{
		{bounded, 1023, false},
		{bounded, 1024, true},
		{bounded, 2047, true},
		{bounded, 2048, false},
		{unbounded, 1023, false},
		{unbounded, 1 << 40, true},
	}
	for _, tt := range tests {
		if got := tt.v.Contains(tt.offset); got != tt.want {
			t.Errorf("Contains(%d) on %+v = %v, want %v", tt.offset, tt.v, got, tt.want)
		}
	}
}
