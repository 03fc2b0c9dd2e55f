package processor

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/dfdewey/internal/config"
	"github.com/google/dfdewey/pkg/datastore"
	"github.com/google/dfdewey/pkg/fsparser"
	"github.com/google/dfdewey/pkg/volume"
)

type fakeFS struct {
	order []int64
	runs  map[int64][]fsparser.Run
	dirs  map[int64][]fsparser.DirEntry
}

func (f *fakeFS) Type() volume.FSType { return volume.FSTypeExt }
func (f *fakeFS) BlockSize() int64    { return 512 }
func (f *fakeFS) RootInode() int64    { return 2 }

func (f *fakeFS) WalkInodes(ctx context.Context, fn func(int64, []fsparser.Run) error) error {
	for _, inode := range f.order {
		if err := fn(inode, f.runs[inode]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeFS) ReadDir(inode int64) ([]fsparser.DirEntry, error) {
	return f.dirs[inode], nil
}

func (f *fakeFS) Close() error { return nil }

type testEnv struct {
	cfg   *config.Config
	store *datastore.SQLiteDataStore
	index *datastore.BleveDataStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDir:           dataDir,
		BulkExtractorPath: "bulk_extractor",
		BatchSize:         100,
		FlushInterval:     2,
		SearchSize:        100,
	}
	store, err := datastore.NewSQLiteDataStore(dataDir)
	if err != nil {
		t.Fatalf("NewSQLiteDataStore() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	index, err := datastore.NewBleveDataStore(cfg.IndexDir(), cfg.FlushInterval)
	if err != nil {
		t.Fatalf("NewBleveDataStore() error: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	return &testEnv{cfg: cfg, store: store, index: index}
}

// newTestProcessor wires a processor with fake volume enumeration,
// a fake filesystem, and a fake extractor that writes a wordlist.
func (e *testEnv) newTestProcessor(t *testing.T, caseID, imageID string, options Options, wordlist string, extractorCalls *int) *ImageProcessor {
	t.Helper()
	p := New(e.cfg, e.store, e.index, caseID, imageID, "/tmp/test.dd", options)
	p.enumerate = func(string) ([]volume.Volume, error) {
		return []volume.Volume{
			{Location: "/p1", Start: 1024, FSType: volume.FSTypeExt},
		}, nil
	}
	p.openFS = func(string, volume.Volume) (fsparser.FileSystem, error) {
		return &fakeFS{
			order: []int64{2, 67},
			runs: map[int64][]fsparser.Run{
				2:  {{Block: 20, Count: 1}},
				67: {{Block: 349, Count: 2}},
			},
			dirs: map[int64][]fsparser.DirEntry{
				2: {{Name: "NOTES.TXT", Inode: 67, IsDir: false}},
			},
		}, nil
	}
	p.runExtractor = func(_ context.Context, _ string, args ...string) error {
		if extractorCalls != nil {
			*extractorCalls++
		}
		var outputPath string
		for i, arg := range args {
			if arg == "-o" && i+1 < len(args) {
				outputPath = args[i+1]
			}
		}
		if outputPath == "" {
			t.Fatal("extractor args missing -o")
		}
		return os.WriteFile(filepath.Join(outputPath, "wordlist.txt"), []byte(wordlist), 0o644)
	}
	return p
}

func TestGetImageID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.dd")
	data := []byte("not a real disk image, but enough to hash")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	got, err := GetImageID(path)
	if err != nil {
		t.Fatalf("GetImageID() error: %v", err)
	}
	sum := md5.Sum(data)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Errorf("GetImageID() = %s, want %s", got, want)
	}
}

func TestProcessImage(t *testing.T) {
	env := newTestEnv(t)
	imageID := "d41d8cd98f00b204e9800998ecf8427e"
	wordlist := "# BANNER FILE NOT PROVIDED\n" +
		"1048755\tnotes\n" +
		"2048-512\tdecoded secret\n" +
		"bogus line without tab\n"

	p := env.newTestProcessor(t, "case1", imageID, Options{}, wordlist, nil)
	if err := p.ProcessImage(context.Background()); err != nil {
		t.Fatalf("ProcessImage() error: %v", err)
	}

	if !env.store.ImageParsed(imageID) {
		t.Error("image not marked parsed after processing")
	}
	inodes, err := env.store.BlockInodes(imageID, 349, "/p1")
	if err != nil {
		t.Fatalf("BlockInodes() error: %v", err)
	}
	if len(inodes) != 1 || inodes[0] != 67 {
		t.Errorf("BlockInodes() = %v, want [67]", inodes)
	}
	names, err := env.store.InodeFilenames(imageID, 67, "/p1")
	if err != nil {
		t.Fatalf("InodeFilenames() error: %v", err)
	}
	if len(names) != 1 || names[0] != "/NOTES.TXT" {
		t.Errorf("InodeFilenames() = %v, want [/NOTES.TXT]", names)
	}

	results, err := env.index.Search(datastore.IndexName(imageID), "notes", 10, false)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if results.Total != 1 {
		t.Fatalf("Search() total = %d, want 1", results.Total)
	}
	if results.Hits[0].Offset != 1048755 {
		t.Errorf("hit offset = %d, want 1048755", results.Hits[0].Offset)
	}

	results, err = env.index.Search(datastore.IndexName(imageID), "secret", 10, false)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if results.Total != 1 {
		t.Fatalf("Search() total = %d, want 1", results.Total)
	}
	if results.Hits[0].Offset != 2048 || results.Hits[0].FileOffset != "512" {
		t.Errorf("hit = %d/%q, want 2048/%q", results.Hits[0].Offset, results.Hits[0].FileOffset, "512")
	}
}

func TestProcessImageSecondRunSkipsWork(t *testing.T) {
	env := newTestEnv(t)
	imageID := "aaaabbbbccccddddeeeeffff00001111"
	wordlist := "100\tonly\n"
	calls := 0

	p := env.newTestProcessor(t, "case1", imageID, Options{}, wordlist, &calls)
	if err := p.ProcessImage(context.Background()); err != nil {
		t.Fatalf("ProcessImage() error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("extractor calls = %d, want 1", calls)
	}

	// Same image added to another case: already parsed and indexed,
	// so the extractor must not run again.
	p = env.newTestProcessor(t, "case2", imageID, Options{}, wordlist, &calls)
	if err := p.ProcessImage(context.Background()); err != nil {
		t.Fatalf("ProcessImage() second run error: %v", err)
	}
	if calls != 1 {
		t.Errorf("extractor calls after second run = %d, want 1", calls)
	}

	cases, err := env.store.ImageCases(imageID)
	if err != nil {
		t.Fatalf("ImageCases() error: %v", err)
	}
	if len(cases) != 2 {
		t.Errorf("ImageCases() = %v, want two cases", cases)
	}
}

func TestProcessImageReparse(t *testing.T) {
	env := newTestEnv(t)
	imageID := "1111222233334444555566667777888a"
	calls := 0

	p := env.newTestProcessor(t, "case1", imageID, Options{}, "100\tfirst\n", &calls)
	if err := p.ProcessImage(context.Background()); err != nil {
		t.Fatalf("ProcessImage() error: %v", err)
	}

	p = env.newTestProcessor(t, "case1", imageID, Options{Reparse: true, Reindex: true}, "200\tsecond\n", &calls)
	if err := p.ProcessImage(context.Background()); err != nil {
		t.Fatalf("ProcessImage() reparse error: %v", err)
	}
	if calls != 2 {
		t.Errorf("extractor calls = %d, want 2", calls)
	}

	results, err := env.index.Search(datastore.IndexName(imageID), "first", 10, false)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if results.Total != 0 {
		t.Errorf("old string still indexed after reindex, total = %d", results.Total)
	}
	results, err = env.index.Search(datastore.IndexName(imageID), "second", 10, false)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if results.Total != 1 {
		t.Errorf("new string not indexed after reindex, total = %d", results.Total)
	}
}

func TestDeleteImageSharedAcrossCases(t *testing.T) {
	env := newTestEnv(t)
	imageID := "99998888777766665555444433332222"
	wordlist := "100\tshared\n"

	for _, caseID := range []string{"case1", "case2"} {
		p := env.newTestProcessor(t, caseID, imageID, Options{}, wordlist, nil)
		if err := p.ProcessImage(context.Background()); err != nil {
			t.Fatalf("ProcessImage(%s) error: %v", caseID, err)
		}
	}

	// First delete only unlinks: case2 still references the image.
	p := env.newTestProcessor(t, "case1", imageID, Options{Delete: true}, "", nil)
	if err := p.ProcessImage(context.Background()); err != nil {
		t.Fatalf("ProcessImage(delete) error: %v", err)
	}
	if !env.store.ImageParsed(imageID) {
		t.Error("image data removed while still linked to another case")
	}
	if !env.index.IndexExists(datastore.IndexName(imageID)) {
		t.Error("index removed while still linked to another case")
	}

	p = env.newTestProcessor(t, "case2", imageID, Options{Delete: true}, "", nil)
	if err := p.ProcessImage(context.Background()); err != nil {
		t.Fatalf("ProcessImage(delete) second error: %v", err)
	}
	if env.store.ImageParsed(imageID) {
		t.Error("image database still present after final delete")
	}
	if env.index.IndexExists(datastore.IndexName(imageID)) {
		t.Error("index still present after final delete")
	}
	img, err := env.store.GetImage(imageID)
	if err != nil {
		t.Fatalf("GetImage() error: %v", err)
	}
	if img != nil {
		t.Error("image row still present after final delete")
	}
}

func TestParseWordlistLine(t *testing.T) {
	tests := []struct {
		line       string
		wantOK     bool
		wantOffset uint64
		wantFile   string
		wantData   string
	}{
		{"1048755\tnotes", true, 1048755, "", "notes"},
		{"2048-512\tsecret", true, 2048, "512", "secret"},
		{"4096-100-20\tnested", true, 4096, "100-20", "nested"},
		{"512\tdata\twith\ttabs", true, 512, "", "data\twith\ttabs"},
		{"no tab here", false, 0, "", ""},
		{"notanumber\tdata", false, 0, "", ""},
	}
	for _, tt := range tests {
		rec, ok := parseWordlistLine(tt.line, "img")
		if ok != tt.wantOK {
			t.Errorf("parseWordlistLine(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if rec.Offset != tt.wantOffset || rec.FileOffset != tt.wantFile || rec.Data != tt.wantData {
			t.Errorf("parseWordlistLine(%q) = %d/%q/%q, want %d/%q/%q",
				tt.line, rec.Offset, rec.FileOffset, rec.Data,
				tt.wantOffset, tt.wantFile, tt.wantData)
		}
	}
}
