package datastore

// TrackingSchema defines the ledger shared by every case: which images
// are known and which cases reference them. The composite key on
// image_case makes linking idempotent.
const TrackingSchema = `
CREATE TABLE IF NOT EXISTS images (
    image_id TEXT PRIMARY KEY,
    image_path TEXT,
    image_hash TEXT
);

CREATE TABLE IF NOT EXISTS image_case (
    case_id TEXT,
    image_id TEXT REFERENCES images,
    PRIMARY KEY (case_id, image_id)
);
`

// ImageSchema defines the per-image filesystem map. Composite primary
// keys make repeated inserts of the same mapping no-ops.
const ImageSchema = `
CREATE TABLE IF NOT EXISTS blocks (
    block INTEGER,
    inum INTEGER,
    part TEXT,
    PRIMARY KEY (block, inum, part)
);

CREATE TABLE IF NOT EXISTS files (
    inum INTEGER,
    filename TEXT,
    part TEXT,
    PRIMARY KEY (inum, filename, part)
);
`

// Image is one tracked disk image.
type Image struct {
	ID   string
	Path string
	Hash string
}
