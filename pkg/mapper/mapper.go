// Package mapper builds the per-image block and filename maps that
// offset resolution depends on.
package mapper

import (
	"context"
	"log/slog"
	"path"

	"github.com/google/dfdewey/pkg/datastore"
	"github.com/google/dfdewey/pkg/errors"
	"github.com/google/dfdewey/pkg/fsparser"
)

// DefaultBatchSize is how many rows accumulate before a bulk insert.
const DefaultBatchSize = 1500

var (
	blockColumns = []string{"block", "inum", "part"}
	fileColumns  = []string{"inum", "filename", "part"}
)

// Mapper writes filesystem maps into a per-image database.
type Mapper struct {
	store     *datastore.SQLiteDataStore
	batchSize int
}

// New returns a mapper flushing batches of batchSize rows.
func New(store *datastore.SQLiteDataStore, batchSize int) *Mapper {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Mapper{store: store, batchSize: batchSize}
}

// MapVolume records the block ownership and filename maps of one
// volume into the image's database. The inode pass walks allocated
// inodes in filesystem order; the file pass walks the directory tree
// from the root.
func (m *Mapper) MapVolume(ctx context.Context, fs fsparser.FileSystem, imageHash, location string) error {
	slog.Info("mapper_volume_start",
		"image_hash", imageHash, "part", location, "fs_type", fs.Type())

	if err := m.mapBlocks(ctx, fs, imageHash, location); err != nil {
		return errors.Wrapf(err, "failed to map blocks of %s", location)
	}
	if err := m.mapFiles(ctx, fs, imageHash, location); err != nil {
		return errors.Wrapf(err, "failed to map files of %s", location)
	}

	slog.Info("mapper_volume_done", "image_hash", imageHash, "part", location)
	return nil
}

func (m *Mapper) mapBlocks(ctx context.Context, fs fsparser.FileSystem, imageHash, location string) error {
	var rows [][]interface{}
	total := 0

	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if err := m.store.BulkInsert(imageHash, "blocks", blockColumns, rows); err != nil {
			return err
		}
		total += len(rows)
		rows = rows[:0]
		return nil
	}

	err := fs.WalkInodes(ctx, func(inode int64, runs []fsparser.Run) error {
		for _, run := range runs {
			for b := uint64(0); b < run.Count; b++ {
				rows = append(rows, []interface{}{run.Block + b, inode, location})
				if len(rows) >= m.batchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	slog.Info("mapper_blocks_done", "part", location, "rows", total)
	return nil
}

// mapFiles walks the directory tree depth first. A visited set guards
// against adversarial images whose directory graphs contain cycles.
func (m *Mapper) mapFiles(ctx context.Context, fs fsparser.FileSystem, imageHash, location string) error {
	var rows [][]interface{}
	total := 0

	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if err := m.store.BulkInsert(imageHash, "files", fileColumns, rows); err != nil {
			return err
		}
		total += len(rows)
		rows = rows[:0]
		return nil
	}

	type dirFrame struct {
		inode int64
		path  string
	}
	visited := map[int64]bool{fs.RootInode(): true}
	stack := []dirFrame{{inode: fs.RootInode(), path: "/"}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := fs.ReadDir(frame.inode)
		if err != nil {
			slog.Warn("mapper_dir_unreadable",
				"part", location, "inode", frame.inode, "path", frame.path, "error", err)
			continue
		}

		for _, entry := range entries {
			full := path.Join(frame.path, entry.Name)
			rows = append(rows, []interface{}{entry.Inode, full, location})
			if len(rows) >= m.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
			if entry.IsDir && !visited[entry.Inode] {
				visited[entry.Inode] = true
				stack = append(stack, dirFrame{inode: entry.Inode, path: full})
			}
		}
	}

	if err := flush(); err != nil {
		return err
	}
	slog.Info("mapper_files_done", "part", location, "rows", total)
	return nil
}
