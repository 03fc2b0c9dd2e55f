package datastore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/google/dfdewey/pkg/errors"
)

// Record is one extracted string to index: where it was found in the
// image and, for strings found inside decoded content, the offset
// chain within the carved file.
type Record struct {
	Image      string `json:"image"`
	Offset     uint64 `json:"offset"`
	FileOffset string `json:"file_offset"`
	Data       string `json:"data"`
}

func (r *Record) docID() string {
	id := strconv.FormatUint(r.Offset, 10)
	if r.FileOffset != "" {
		id += "-" + r.FileOffset
	}
	return id
}

// Hit is one search match.
type Hit struct {
	Offset     uint64
	FileOffset string
	Data       string
	Fragment   string
}

// SearchResults carries the total match count plus up to the requested
// number of hits.
type SearchResults struct {
	Total uint64
	Hits  []Hit
}

// BleveDataStore manages one embedded search index per image under
// indexDir. The index directory doubles as the "image has been
// indexed" flag.
type BleveDataStore struct {
	indexDir      string
	flushInterval int

	mu      sync.Mutex
	indexes map[string]bleve.Index
	batches map[string]*bleve.Batch
}

// NewBleveDataStore returns a store writing indexes under indexDir,
// committing batches of flushInterval documents.
func NewBleveDataStore(indexDir string, flushInterval int) (*BleveDataStore, error) {
	if err := os.MkdirAll(indexDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create index directory")
	}
	if flushInterval < 1 {
		flushInterval = 1
	}
	return &BleveDataStore{
		indexDir:      indexDir,
		flushInterval: flushInterval,
		indexes:       make(map[string]bleve.Index),
		batches:       make(map[string]*bleve.Batch),
	}, nil
}

// Close closes every open index.
func (b *BleveDataStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for name, idx := range b.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.indexes, name)
		delete(b.batches, name)
	}
	return firstErr
}

// IndexPath is where the search index for name lives.
func (b *BleveDataStore) IndexPath(name string) string {
	return filepath.Join(b.indexDir, name)
}

// IndexExists reports whether the index directory exists. Existence is
// the indexed flag.
func (b *BleveDataStore) IndexExists(name string) bool {
	_, err := os.Stat(b.IndexPath(name))
	return err == nil
}

// CreateIndex creates a fresh index for name. Creating over an
// existing index is an error; delete it first.
func (b *BleveDataStore) CreateIndex(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.IndexPath(name)
	slog.Info("index_create", "index", name, "path", path)
	idx, err := bleve.New(path, bleve.NewIndexMapping())
	if err != nil {
		slog.Error("index_create_failed", "index", name, "error", err)
		return errors.Wrapf(err, "failed to create index %s", name)
	}
	b.indexes[name] = idx
	return nil
}

// DeleteIndex closes and removes the index for name.
func (b *BleveDataStore) DeleteIndex(name string) error {
	b.mu.Lock()
	if idx, ok := b.indexes[name]; ok {
		idx.Close()
		delete(b.indexes, name)
		delete(b.batches, name)
	}
	b.mu.Unlock()

	path := b.IndexPath(name)
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "failed to remove index %s", name)
	}
	slog.Info("index_deleted", "index", name)
	return nil
}

func (b *BleveDataStore) index(name string) (bleve.Index, error) {
	if idx, ok := b.indexes[name]; ok {
		return idx, nil
	}
	idx, err := bleve.Open(b.IndexPath(name))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open index %s", name)
	}
	b.indexes[name] = idx
	return idx, nil
}

// ImportRecord queues rec for indexing, committing a batch every
// flushInterval records. Call Flush after the last record.
func (b *BleveDataStore) ImportRecord(name string, rec *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.index(name)
	if err != nil {
		return err
	}

	batch, ok := b.batches[name]
	if !ok {
		batch = idx.NewBatch()
		b.batches[name] = batch
	}
	// Index an explicit map so field names stay snake_case regardless
	// of how the struct is shaped.
	doc := map[string]interface{}{
		"image":       rec.Image,
		"offset":      rec.Offset,
		"file_offset": rec.FileOffset,
		"data":        rec.Data,
	}
	if err := batch.Index(rec.docID(), doc); err != nil {
		return errors.Wrap(err, "failed to batch record")
	}
	if batch.Size() >= b.flushInterval {
		if err := idx.Batch(batch); err != nil {
			slog.Error("index_batch_failed", "index", name, "error", err)
			return errors.Wrapf(err, "failed to commit batch to %s", name)
		}
		batch.Reset()
	}
	return nil
}

// Flush commits any buffered records for name.
func (b *BleveDataStore) Flush(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch, ok := b.batches[name]
	if !ok || batch.Size() == 0 {
		return nil
	}
	idx, err := b.index(name)
	if err != nil {
		return err
	}
	if err := idx.Batch(batch); err != nil {
		return errors.Wrapf(err, "failed to commit batch to %s", name)
	}
	batch.Reset()
	return nil
}

// Search runs a query-string query against the index for name,
// returning up to size hits ordered by offset. With highlight set,
// fragments carry ANSI match markers.
func (b *BleveDataStore) Search(name, query string, size int, highlight bool) (*SearchResults, error) {
	b.mu.Lock()
	idx, err := b.index(name)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	req.Size = size
	req.Fields = []string{"offset", "file_offset", "data"}
	req.SortBy([]string{"offset"})
	if highlight {
		req.Highlight = bleve.NewHighlightWithStyle("ansi")
	}

	res, err := idx.Search(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to search %s", name)
	}

	results := &SearchResults{Total: res.Total}
	for _, match := range res.Hits {
		hit := Hit{}
		if v, ok := match.Fields["offset"].(float64); ok {
			hit.Offset = uint64(v)
		}
		if v, ok := match.Fields["file_offset"].(string); ok {
			hit.FileOffset = v
		}
		if v, ok := match.Fields["data"].(string); ok {
			hit.Data = v
		}
		if frags, ok := match.Fragments["data"]; ok && len(frags) > 0 {
			hit.Fragment = frags[0]
		}
		results.Hits = append(results.Hits, hit)
	}
	return results, nil
}

// IndexName derives the index directory name for an image hash.
func IndexName(imageHash string) string {
	return fmt.Sprintf("es%s", imageHash)
}
