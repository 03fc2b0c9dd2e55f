// Package processor drives image processing end to end: filesystem
// parsing, string extraction and indexing, and image deletion.
package processor

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/dfdewey/internal/config"
	"github.com/google/dfdewey/pkg/datastore"
	"github.com/google/dfdewey/pkg/errors"
	"github.com/google/dfdewey/pkg/fsparser"
	"github.com/google/dfdewey/pkg/mapper"
	"github.com/google/dfdewey/pkg/volume"
)

const (
	// Progress is logged every this many indexed strings.
	stringIndexingLogInterval = 10000000

	// The image ID is the MD5 of the first 2GiB of the image:
	// 262144 chunks of 8KiB.
	imageHashChunkSize = 8192
	imageHashChunks    = 262144

	// bulk_extractor can emit strings up to word_max bytes.
	maxWordSize = 1000000
)

// Options control how an image is processed.
type Options struct {
	Base64  bool
	Gunzip  bool
	Unzip   bool
	Reparse bool
	Reindex bool
	Delete  bool
}

// ImageProcessor parses, extracts and indexes one image for a case.
type ImageProcessor struct {
	caseID    string
	imageID   string
	imagePath string
	options   Options
	cfg       *config.Config
	store     *datastore.SQLiteDataStore
	index     *datastore.BleveDataStore

	outputPath string

	// Hooks for tests.
	runExtractor func(ctx context.Context, name string, args ...string) error
	enumerate    func(string) ([]volume.Volume, error)
	openFS       func(string, volume.Volume) (fsparser.FileSystem, error)
}

// New returns a processor for one image within a case.
func New(cfg *config.Config, store *datastore.SQLiteDataStore, index *datastore.BleveDataStore,
	caseID, imageID, imagePath string, options Options) *ImageProcessor {
	return &ImageProcessor{
		caseID:       caseID,
		imageID:      imageID,
		imagePath:    imagePath,
		options:      options,
		cfg:          cfg,
		store:        store,
		index:        index,
		runExtractor: runCommand,
		enumerate:    volume.Enumerate,
		openFS:       fsparser.Open,
	}
}

// GetImageID derives the image ID: the MD5 of the first 2GiB of the
// raw image. Hashing a bounded prefix keeps identification fast on
// terabyte images while still being stable across copies.
func GetImageID(imagePath string) (string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return "", errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.CopyN(h, f, imageHashChunkSize*imageHashChunks); err != nil && err != io.EOF {
		return "", errors.Wrap(err, "failed to hash image")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ProcessImage runs the requested operation: deletion when the delete
// option is set, otherwise parse, extract and index in order.
func (p *ImageProcessor) ProcessImage(ctx context.Context) error {
	if p.options.Delete {
		slog.Info("image_delete_start", "image_path", p.imagePath, "case_id", p.caseID)
		return p.deleteImageData()
	}

	slog.Info("image_parse_start", "image_path", p.imagePath, "image_id", p.imageID)
	if err := p.parseFilesystems(ctx); err != nil {
		return errors.Wrap(err, "failed to parse filesystems")
	}

	if p.index.IndexExists(datastore.IndexName(p.imageID)) && !p.options.Reindex {
		slog.Info("image_already_indexed", "image_path", p.imagePath)
		return nil
	}

	slog.Info("image_extract_start", "image_path", p.imagePath)
	if err := p.extractStrings(ctx); err != nil {
		return errors.Wrap(err, "failed to extract strings")
	}
	defer os.RemoveAll(p.outputPath)

	slog.Info("image_index_start", "image_path", p.imagePath)
	if err := p.indexStrings(ctx); err != nil {
		return errors.Wrap(err, "failed to index strings")
	}

	slog.Info("image_processing_done", "image_path", p.imagePath)
	return nil
}

// parseFilesystems records the image in the tracking ledger and builds
// its filesystem maps. The per-image database file is the parsed flag:
// if it exists the image is parsed, and reparsing replaces it whole. A
// mapping failure removes the partial database so a later run starts
// clean.
func (p *ImageProcessor) parseFilesystems(ctx context.Context) error {
	img := &datastore.Image{ID: p.imageID, Path: p.imagePath, Hash: p.imageID}
	if _, err := p.store.EnsureImage(img, p.caseID); err != nil {
		return err
	}

	if p.store.ImageParsed(p.imageID) {
		slog.Info("image_already_parsed", "image_path", p.imagePath)
		if !p.options.Reparse {
			return nil
		}
		slog.Info("image_reparse", "image_path", p.imagePath)
	}
	if err := p.store.CreateImageDB(p.imageID); err != nil {
		return err
	}

	vols, err := p.enumerate(p.imagePath)
	if err != nil {
		p.store.DeleteImageDB(p.imageID)
		return err
	}
	slog.Info("image_volumes_found", "image_path", p.imagePath, "volumes", len(vols))

	m := mapper.New(p.store, p.cfg.BatchSize)
	for _, vol := range vols {
		if vol.FSType == volume.FSTypeUnknown {
			slog.Warn("volume_type_unsupported", "part", vol.Location)
			continue
		}
		fs, err := p.openFS(p.imagePath, vol)
		if err != nil {
			slog.Warn("volume_parse_failed", "part", vol.Location, "error", err)
			continue
		}
		err = m.MapVolume(ctx, fs, p.imageID, vol.Location)
		fs.Close()
		if err != nil {
			p.store.DeleteImageDB(p.imageID)
			return errors.Wrapf(err, "failed to map volume %s", vol.Location)
		}
	}
	return nil
}

// extractStrings runs bulk_extractor with only the wordlist scanner
// (plus any requested decoders) into a temporary output directory.
func (p *ImageProcessor) extractStrings(ctx context.Context) error {
	outputPath, err := os.MkdirTemp("", "dfdewey")
	if err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}
	p.outputPath = outputPath

	args := []string{"-o", p.outputPath, "-x", "all", "-e", "wordlist"}
	if p.options.Base64 {
		args = append(args, "-e", "base64")
	}
	if p.options.Gunzip {
		args = append(args, "-e", "gzip")
	}
	if p.options.Unzip {
		args = append(args, "-e", "zip")
	}
	args = append(args, "-S", "strings=1", "-S", "word_max="+strconv.Itoa(maxWordSize))
	args = append(args, p.imagePath)

	slog.Info("bulk_extractor_start",
		"command", p.cfg.BulkExtractorPath, "args", strings.Join(args, " "))
	if err := p.runExtractor(ctx, p.cfg.BulkExtractorPath, args...); err != nil {
		return errors.Wrap(err, "string extraction failed")
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		slog.Error("command_failed", "command", name, "output", string(out))
		return err
	}
	return nil
}

// indexStrings streams the extracted wordlist into the image's search
// index. A line is "offset\tstring"; strings found inside decoded
// content carry a compound "offset-fileoffset" first field.
func (p *ImageProcessor) indexStrings(ctx context.Context) error {
	indexName := datastore.IndexName(p.imageID)
	if p.index.IndexExists(indexName) {
		slog.Info("image_already_indexed", "image_path", p.imagePath)
		if !p.options.Reindex {
			return nil
		}
		slog.Info("image_reindex", "image_path", p.imagePath)
		if err := p.index.DeleteIndex(indexName); err != nil {
			return err
		}
	}
	if err := p.index.CreateIndex(indexName); err != nil {
		return err
	}

	wordlist := filepath.Join(p.outputPath, "wordlist.txt")
	f, err := os.Open(wordlist)
	if err != nil {
		return errors.Wrap(err, "failed to open wordlist")
	}
	defer f.Close()

	records := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 2*maxWordSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		// bulk_extractor writes comment headers.
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		rec, ok := parseWordlistLine(line, p.imageID)
		if !ok {
			slog.Debug("wordlist_line_skipped", "line", line)
			continue
		}
		if err := p.index.ImportRecord(indexName, rec); err != nil {
			return err
		}
		records++
		if records%stringIndexingLogInterval == 0 {
			slog.Info("indexing_progress", "records", records)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "failed to read wordlist")
	}

	if err := p.index.Flush(indexName); err != nil {
		return err
	}
	slog.Info("indexing_done", "records", records)
	return nil
}

// parseWordlistLine splits one wordlist line into a record. The first
// tab-separated field is the image offset, optionally followed by
// dash-separated offsets within decoded streams.
func parseWordlistLine(line, imageID string) (*datastore.Record, bool) {
	parts := strings.SplitN(line, "\t", 2)
	if len(parts) != 2 {
		return nil, false
	}

	rec := &datastore.Record{Image: imageID, Data: parts[1]}
	offsetField := parts[0]
	if idx := strings.Index(offsetField, "-"); idx > 0 {
		rec.FileOffset = offsetField[idx+1:]
		offsetField = offsetField[:idx]
	}
	offset, err := strconv.ParseUint(offsetField, 10, 64)
	if err != nil {
		return nil, false
	}
	rec.Offset = offset
	return rec, true
}

// deleteImageData unlinks the image from the case and, when no other
// case still references it, removes its index, filesystem map and
// ledger row.
func (p *ImageProcessor) deleteImageData() error {
	cases, err := p.store.ImageCases(p.imageID)
	if err != nil {
		return err
	}
	linked := false
	for _, c := range cases {
		if c == p.caseID {
			linked = true
			break
		}
	}
	if !linked {
		slog.Error("image_not_in_case", "image_path", p.imagePath, "case_id", p.caseID)
		return nil
	}

	slog.Info("image_unlink", "image_path", p.imagePath, "case_id", p.caseID)
	if err := p.store.UnlinkImage(p.caseID, p.imageID); err != nil {
		return err
	}

	cases, err = p.store.ImageCases(p.imageID)
	if err != nil {
		return err
	}
	if len(cases) > 0 {
		slog.Warn("image_still_linked",
			"image_path", p.imagePath, "cases", strings.Join(cases, ", "))
		return nil
	}

	indexName := datastore.IndexName(p.imageID)
	if p.index.IndexExists(indexName) {
		slog.Info("index_delete", "index", indexName)
		if err := p.index.DeleteIndex(indexName); err != nil {
			return err
		}
	}
	if err := p.store.DeleteImageDB(p.imageID); err != nil {
		return err
	}
	if err := p.store.DeleteImage(p.imageID); err != nil {
		return err
	}
	slog.Info("image_data_deleted", "image_path", p.imagePath)
	return nil
}
