// Package datastore persists the tracking ledger, the per-image
// filesystem maps and the per-image search indexes.
package datastore

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/dfdewey/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotParsed is returned by reads against an image whose filesystem
// map does not exist. The map file is the parsed flag, so read paths
// must never create it.
var ErrNotParsed = stderrors.New("image not parsed")

// validIdentifier guards table and column names interpolated into SQL.
// Values always go through driver parameters, never through strings.
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLiteDataStore holds the tracking ledger plus one database per
// image under dataDir. The per-image database file doubles as the
// "image has been parsed" flag: it exists exactly when parsing
// finished.
type SQLiteDataStore struct {
	dataDir  string
	tracking *sql.DB

	mu       sync.Mutex
	imageDBs map[string]*sql.DB
}

// NewSQLiteDataStore opens (creating if needed) the tracking database
// under dataDir.
func NewSQLiteDataStore(dataDir string) (*SQLiteDataStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}

	dbPath := filepath.Join(dataDir, "tracking.db")
	slog.Info("datastore_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("datastore_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open tracking database")
	}
	if _, err := db.Exec(TrackingSchema); err != nil {
		db.Close()
		slog.Error("datastore_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create tracking schema")
	}

	return &SQLiteDataStore{
		dataDir:  dataDir,
		tracking: db,
		imageDBs: make(map[string]*sql.DB),
	}, nil
}

// Close closes the tracking database and every open per-image database.
func (s *SQLiteDataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, db := range s.imageDBs {
		db.Close()
		delete(s.imageDBs, hash)
	}
	return s.tracking.Close()
}

// EnsureImage records img and its link to caseID in a single
// transaction, reporting whether the image row already existed. The
// primary key on images keeps two concurrent callers from both
// claiming a new image.
func (s *SQLiteDataStore) EnsureImage(img *Image, caseID string) (bool, error) {
	tx, err := s.tracking.Begin()
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRow(`SELECT COUNT(1) FROM images WHERE image_id = ?`, img.ID).Scan(&existing)
	if err != nil {
		return false, errors.Wrap(err, "failed to query image")
	}

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO images (image_id, image_path, image_hash) VALUES (?, ?, ?)`,
		img.ID, img.Path, img.Hash); err != nil {
		return false, errors.Wrap(err, "failed to insert image")
	}
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO image_case (case_id, image_id) VALUES (?, ?)`,
		caseID, img.ID); err != nil {
		return false, errors.Wrap(err, "failed to link image to case")
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("datastore_image_ensured",
		"image_id", img.ID, "case_id", caseID, "already_known", existing > 0)
	return existing > 0, nil
}

// GetImage retrieves one image by ID, or nil when unknown.
func (s *SQLiteDataStore) GetImage(imageID string) (*Image, error) {
	var img Image
	err := s.tracking.QueryRow(
		`SELECT image_id, image_path, image_hash FROM images WHERE image_id = ?`,
		imageID).Scan(&img.ID, &img.Path, &img.Hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query image")
	}
	return &img, nil
}

// DeleteImage removes the image row from the ledger.
func (s *SQLiteDataStore) DeleteImage(imageID string) error {
	slog.Info("datastore_delete_image", "image_id", imageID)
	if _, err := s.tracking.Exec(`DELETE FROM images WHERE image_id = ?`, imageID); err != nil {
		return errors.Wrap(err, "failed to delete image")
	}
	return nil
}

// UnlinkImage removes the case/image association.
func (s *SQLiteDataStore) UnlinkImage(caseID, imageID string) error {
	slog.Info("datastore_unlink_image", "case_id", caseID, "image_id", imageID)
	if _, err := s.tracking.Exec(
		`DELETE FROM image_case WHERE case_id = ? AND image_id = ?`,
		caseID, imageID); err != nil {
		return errors.Wrap(err, "failed to unlink image")
	}
	return nil
}

// ImageCases lists the cases an image is linked to.
func (s *SQLiteDataStore) ImageCases(imageID string) ([]string, error) {
	rows, err := s.tracking.Query(
		`SELECT case_id FROM image_case WHERE image_id = ? ORDER BY case_id`, imageID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query image cases")
	}
	defer rows.Close()

	var cases []string
	for rows.Next() {
		var caseID string
		if err := rows.Scan(&caseID); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		cases = append(cases, caseID)
	}
	return cases, rows.Err()
}

// CaseImages lists the images linked to a case.
func (s *SQLiteDataStore) CaseImages(caseID string) ([]*Image, error) {
	rows, err := s.tracking.Query(`
		SELECT i.image_id, i.image_path, i.image_hash
		FROM images i JOIN image_case c ON i.image_id = c.image_id
		WHERE c.case_id = ? ORDER BY i.image_id`, caseID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query case images")
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ID, &img.Path, &img.Hash); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		images = append(images, &img)
	}
	return images, rows.Err()
}

// ImageDBPath is where the filesystem map for imageHash lives.
func (s *SQLiteDataStore) ImageDBPath(imageHash string) string {
	return filepath.Join(s.dataDir, "fs"+imageHash+".db")
}

// ImageParsed reports whether the per-image database exists. Existence
// is the parsed flag.
func (s *SQLiteDataStore) ImageParsed(imageHash string) bool {
	_, err := os.Stat(s.ImageDBPath(imageHash))
	return err == nil
}

// CreateImageDB drops any existing filesystem map for imageHash and
// creates a fresh one.
func (s *SQLiteDataStore) CreateImageDB(imageHash string) error {
	if err := s.DeleteImageDB(imageHash); err != nil {
		return err
	}
	_, err := s.openImageDB(imageHash)
	return err
}

// DeleteImageDB closes and removes the per-image database.
func (s *SQLiteDataStore) DeleteImageDB(imageHash string) error {
	s.mu.Lock()
	if db, ok := s.imageDBs[imageHash]; ok {
		db.Close()
		delete(s.imageDBs, imageHash)
	}
	s.mu.Unlock()

	path := s.ImageDBPath(imageHash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove %s", path)
	}
	slog.Info("datastore_image_db_deleted", "image_hash", imageHash)
	return nil
}

// imageDB returns the filesystem map for imageHash without creating
// it. Opening a map through sql.Open would materialize the file, which
// ImageParsed treats as the parsed flag, so a missing map is
// ErrNotParsed here and only CreateImageDB makes one.
func (s *SQLiteDataStore) imageDB(imageHash string) (*sql.DB, error) {
	s.mu.Lock()
	if db, ok := s.imageDBs[imageHash]; ok {
		s.mu.Unlock()
		return db, nil
	}
	s.mu.Unlock()

	if _, err := os.Stat(s.ImageDBPath(imageHash)); err != nil {
		return nil, ErrNotParsed
	}
	return s.openImageDB(imageHash)
}

func (s *SQLiteDataStore) openImageDB(imageHash string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.imageDBs[imageHash]; ok {
		return db, nil
	}

	path := s.ImageDBPath(imageHash)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	if _, err := db.Exec(ImageSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create image schema")
	}
	s.imageDBs[imageHash] = db
	return db, nil
}

// BulkInsert loads a batch of rows into one per-image table with a
// single multi-row INSERT OR IGNORE. Duplicate mappings are silently
// dropped by the composite primary keys.
func (s *SQLiteDataStore) BulkInsert(imageHash, table string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	if !validIdentifier.MatchString(table) {
		return fmt.Errorf("invalid table name: %q", table)
	}
	for _, c := range columns {
		if !validIdentifier.MatchString(c) {
			return fmt.Errorf("invalid column name: %q", c)
		}
	}

	db, err := s.imageDB(imageHash)
	if err != nil {
		return err
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	var query strings.Builder
	query.WriteString("INSERT OR IGNORE INTO ")
	query.WriteString(table)
	query.WriteString(" (")
	query.WriteString(strings.Join(columns, ", "))
	query.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString(placeholder)
		args = append(args, row...)
	}

	if _, err := db.Exec(query.String(), args...); err != nil {
		slog.Error("datastore_bulk_insert_failed",
			"image_hash", imageHash, "table", table, "rows", len(rows), "error", err)
		return errors.Wrapf(err, "failed to bulk insert into %s", table)
	}
	return nil
}

// TableExists reports whether the per-image database has the table.
func (s *SQLiteDataStore) TableExists(imageHash, table string) (bool, error) {
	db, err := s.imageDB(imageHash)
	if err != nil {
		return false, err
	}
	var count int
	err = db.QueryRow(
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		table).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "failed to query sqlite_master")
	}
	return count > 0, nil
}

// ValueExists reports whether any row in the per-image table has the
// value in the named column.
func (s *SQLiteDataStore) ValueExists(imageHash, table, column string, value interface{}) (bool, error) {
	if !validIdentifier.MatchString(table) || !validIdentifier.MatchString(column) {
		return false, fmt.Errorf("invalid identifier: %s.%s", table, column)
	}
	db, err := s.imageDB(imageHash)
	if err != nil {
		return false, err
	}
	var count int
	query := fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE %s = ? LIMIT 1`, table, column)
	if err := db.QueryRow(query, value).Scan(&count); err != nil {
		return false, errors.Wrapf(err, "failed to query %s", table)
	}
	return count > 0, nil
}

// BlockInodes returns the inodes that own a filesystem block within a
// partition, in insertion order.
func (s *SQLiteDataStore) BlockInodes(imageHash string, block uint64, part string) ([]int64, error) {
	db, err := s.imageDB(imageHash)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT inum FROM blocks WHERE block = ? AND part = ?`, block, part)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query blocks")
	}
	defer rows.Close()

	var inodes []int64
	for rows.Next() {
		var inum int64
		if err := rows.Scan(&inum); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		inodes = append(inodes, inum)
	}
	return inodes, rows.Err()
}

// InodeFilenames returns every filename recorded for an inode within a
// partition.
func (s *SQLiteDataStore) InodeFilenames(imageHash string, inode int64, part string) ([]string, error) {
	db, err := s.imageDB(imageHash)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT filename FROM files WHERE inum = ? AND part = ?`, inode, part)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query files")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
