package archive

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kgofron/ADTimePix3/pkg/errors"
)

// Record is one archived frame as written to the catalog.
type Record struct {
	RunID       string    `json:"run_id"`
	FrameNumber uint64    `json:"frame_number"`
	ObjectKey   string    `json:"object_key"`
	ByteSize    int64     `json:"byte_size"`
	Geometry    string    `json:"geometry"`
	FrameTime   time.Time `json:"frame_time"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Catalog is the local index of archived frames, kept in SQLite so an
// operator can answer "what did run X upload" without listing the bucket.
type Catalog struct {
	db *sql.DB
}

// NewCatalog opens (or creates) the catalog at path and applies the
// schema. ":memory:" is accepted for tests.
func NewCatalog(path string) (*Catalog, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeCatalogFailed, "cannot open frame catalog").
			WithComponent("catalog").
			WithDetail("path", path).
			WithCause(err)
	}
	// SQLite allows one writer at a time; a single pooled connection keeps
	// concurrent upload workers from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, errors.NewError(errors.ErrCodeCatalogFailed, "cannot migrate frame catalog").
			WithComponent("catalog").
			WithDetail("path", path).
			WithCause(err)
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		run_id       TEXT    NOT NULL,
		frame_number INTEGER NOT NULL,
		object_key   TEXT    NOT NULL,
		byte_size    INTEGER NOT NULL,
		geometry     TEXT    NOT NULL,
		frame_time   DATETIME,
		uploaded_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, frame_number)
	);

	CREATE INDEX IF NOT EXISTS idx_frames_uploaded ON frames(uploaded_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Insert records one uploaded frame. Re-uploading the same frame of the
// same run replaces the earlier row, so upload retries stay idempotent.
func (c *Catalog) Insert(ctx context.Context, rec Record) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO frames
			(run_id, frame_number, object_key, byte_size, geometry, frame_time, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.FrameNumber, rec.ObjectKey, rec.ByteSize, rec.Geometry,
		rec.FrameTime.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return errors.NewError(errors.ErrCodeCatalogFailed, "cannot record archived frame").
			WithComponent("catalog").
			WithDetail("key", rec.ObjectKey).
			WithCause(err)
	}
	return nil
}

// FramesForRun returns every archived frame of a run, ordered by frame
// number.
func (c *Catalog) FramesForRun(ctx context.Context, runID string) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, frame_number, object_key, byte_size, geometry, frame_time, uploaded_at
		FROM frames WHERE run_id = ? ORDER BY frame_number`, runID)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeCatalogFailed, "cannot query run").
			WithComponent("catalog").
			WithDetail("run_id", runID).
			WithCause(err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Recent returns the most recently uploaded frames, newest first.
func (c *Catalog) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, frame_number, object_key, byte_size, geometry, frame_time, uploaded_at
		FROM frames ORDER BY uploaded_at DESC, frame_number DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeCatalogFailed, "cannot query recent frames").
			WithComponent("catalog").
			WithCause(err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Totals returns the archived frame count and byte total.
func (c *Catalog) Totals(ctx context.Context) (frames int64, bytes int64, err error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(byte_size), 0) FROM frames`)
	if err := row.Scan(&frames, &bytes); err != nil {
		return 0, 0, errors.NewError(errors.ErrCodeCatalogFailed, "cannot total archive").
			WithComponent("catalog").
			WithCause(err)
	}
	return frames, bytes, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		var frameTime sql.NullTime
		if err := rows.Scan(&rec.RunID, &rec.FrameNumber, &rec.ObjectKey, &rec.ByteSize,
			&rec.Geometry, &frameTime, &rec.UploadedAt); err != nil {
			return nil, errors.NewError(errors.ErrCodeCatalogFailed, "cannot scan catalog row").
				WithComponent("catalog").
				WithCause(err)
		}
		if frameTime.Valid {
			rec.FrameTime = frameTime.Time
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewError(errors.ErrCodeCatalogFailed, "catalog iteration failed").
			WithComponent("catalog").
			WithCause(err)
	}
	return records, nil
}
