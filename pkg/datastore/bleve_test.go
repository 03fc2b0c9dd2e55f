package datastore

import (
	"testing"
)

func newTestBleve(t *testing.T) *BleveDataStore {
	t.Helper()
	store, err := NewBleveDataStore(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("failed to create bleve store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestIndexLifecycle(t *testing.T) {
	store := newTestBleve(t)
	name := IndexName("d41d8cd9")

	if store.IndexExists(name) {
		t.Error("IndexExists true before create")
	}
	if err := store.CreateIndex(name); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	if !store.IndexExists(name) {
		t.Error("IndexExists false after create")
	}
	if err := store.DeleteIndex(name); err != nil {
		t.Fatalf("DeleteIndex failed: %v", err)
	}
	if store.IndexExists(name) {
		t.Error("IndexExists true after delete")
	}
}

func TestImportAndSearch(t *testing.T) {
	store := newTestBleve(t)
	name := IndexName("hash1")
	if err := store.CreateIndex(name); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}

	records := []*Record{
		{Image: "hash1", Offset: 1048755, Data: "meeting notes for the case"},
		{Image: "hash1", Offset: 2097152, Data: "unrelated content"},
		{Image: "hash1", Offset: 512, FileOffset: "1024", Data: "notes inside an archive"},
	}
	for _, rec := range records {
		if err := store.ImportRecord(name, rec); err != nil {
			t.Fatalf("ImportRecord failed: %v", err)
		}
	}
	if err := store.Flush(name); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	results, err := store.Search(name, "notes", 10, false)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if results.Total != 2 {
		t.Fatalf("Total = %d, want 2", results.Total)
	}
	// Sorted by offset: the carved hit at 512 comes first.
	if results.Hits[0].Offset != 512 || results.Hits[0].FileOffset != "1024" {
		t.Errorf("first hit = %+v, want offset 512 file_offset 1024", results.Hits[0])
	}
	if results.Hits[1].Offset != 1048755 {
		t.Errorf("second hit offset = %d, want 1048755", results.Hits[1].Offset)
	}
}

func TestSearchMiss(t *testing.T) {
	store := newTestBleve(t)
	name := IndexName("hash1")
	if err := store.CreateIndex(name); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	if err := store.ImportRecord(name, &Record{Image: "hash1", Offset: 1, Data: "alpha"}); err != nil {
		t.Fatalf("ImportRecord failed: %v", err)
	}
	if err := store.Flush(name); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	results, err := store.Search(name, "beta", 10, false)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if results.Total != 0 || len(results.Hits) != 0 {
		t.Errorf("expected no hits, got %+v", results)
	}
}
