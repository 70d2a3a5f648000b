package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/deepfake-detector/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS detections (
	id                 TEXT PRIMARY KEY,
	file_hash          TEXT NOT NULL,
	filename           TEXT NOT NULL,
	content_type       TEXT NOT NULL,
	verdict            TEXT NOT NULL,
	confidence         REAL NOT NULL,
	fake_probability   REAL NOT NULL,
	real_probability   REAL NOT NULL,
	agreement_level    TEXT NOT NULL,
	frames_analyzed    INTEGER NOT NULL DEFAULT 0,
	processing_time_ms INTEGER NOT NULL DEFAULT 0,
	details            TEXT NOT NULL,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (file_hash, content_type)
);

CREATE TABLE IF NOT EXISTS detection_frames (
	detection_id     TEXT NOT NULL REFERENCES detections(id),
	frame_index      INTEGER NOT NULL,
	verdict          TEXT NOT NULL,
	confidence       REAL NOT NULL,
	fake_probability REAL NOT NULL,
	agreement_level  TEXT NOT NULL,
	is_uncertain     BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (detection_id, frame_index)
);

CREATE INDEX IF NOT EXISTS idx_detections_created_at ON detections(created_at);
CREATE INDEX IF NOT EXISTS idx_detections_verdict ON detections(verdict);
CREATE INDEX IF NOT EXISTS idx_detections_content_type ON detections(content_type);
`

const detectionColumns = `id, file_hash, filename, content_type, verdict, confidence, fake_probability,
	real_probability, agreement_level, frames_analyzed, processing_time_ms, details, created_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveDetection(ctx context.Context, d *model.Detection, frames []model.FrameResult) error {
	if d.FileHash == "" {
		return eris.New("sqlite: detection has no file hash")
	}
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	detailsJSON, err := json.Marshal(d.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal details")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	err = tx.QueryRowContext(ctx,
		`INSERT INTO detections (`+detectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_hash, content_type) DO UPDATE SET
			filename = excluded.filename,
			verdict = excluded.verdict,
			confidence = excluded.confidence,
			fake_probability = excluded.fake_probability,
			real_probability = excluded.real_probability,
			agreement_level = excluded.agreement_level,
			frames_analyzed = excluded.frames_analyzed,
			processing_time_ms = excluded.processing_time_ms,
			details = excluded.details,
			created_at = excluded.created_at
		RETURNING id`,
		id, d.FileHash, d.Filename, string(d.ContentType), string(d.Verdict), d.Confidence,
		d.FakeProbability, d.RealProbability, string(d.AgreementLevel), d.FramesAnalyzed,
		d.ProcessingTimeMs, string(detailsJSON), now,
	).Scan(&id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save detection %s", d.FileHash)
	}

	if err := replaceFramesTx(ctx, tx, id, frames); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrapf(err, "sqlite: commit detection %s", d.FileHash)
	}
	d.ID = id
	d.CreatedAt = now
	return nil
}

func replaceFramesTx(ctx context.Context, tx *sql.Tx, detectionID string, frames []model.FrameResult) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM detection_frames WHERE detection_id = ?`, detectionID); err != nil {
		return eris.Wrapf(err, "sqlite: clear frames %s", detectionID)
	}
	if len(frames) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO detection_frames (`+strings.Join(frameColumns, ", ")+`) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare frame insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, row := range frameRows(detectionID, frames) {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return eris.Wrapf(err, "sqlite: insert frame %v", row[1])
		}
	}
	return nil
}

func (s *SQLiteStore) GetDetection(ctx context.Context, id string) (*model.Detection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+detectionColumns+` FROM detections WHERE id = ?`, id)
	return scanDetection(row)
}

func (s *SQLiteStore) GetDetectionByHash(ctx context.Context, fileHash string, contentType model.ContentType) (*model.Detection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+detectionColumns+` FROM detections WHERE file_hash = ? AND content_type = ?`,
		fileHash, string(contentType))
	return scanDetection(row)
}

func (s *SQLiteStore) ListDetections(ctx context.Context, filter DetectionFilter) ([]model.Detection, error) {
	query := `SELECT ` + detectionColumns + ` FROM detections WHERE 1=1`
	var args []any

	if filter.ContentType != "" {
		query += ` AND content_type = ?`
		args = append(args, string(filter.ContentType))
	}
	if filter.Verdict != "" {
		query += ` AND verdict = ?`
		args = append(args, string(filter.Verdict))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return s.queryDetections(ctx, query, args...)
}

func (s *SQLiteStore) SearchDetections(ctx context.Context, query string, limit int) ([]model.Detection, error) {
	q := likeEscape(strings.TrimSpace(query))
	return s.queryDetections(ctx,
		`SELECT `+detectionColumns+` FROM detections
		WHERE filename LIKE ? ESCAPE '\' OR file_hash LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id LIMIT ?`,
		"%"+q+"%", q+"%", listLimit(limit))
}

func (s *SQLiteStore) DeleteDetection(ctx context.Context, fileHash string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM detection_frames WHERE detection_id IN (SELECT id FROM detections WHERE file_hash = ?)`,
		fileHash,
	); err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete frames %s", fileHash)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM detections WHERE file_hash = ?`, fileHash)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete detection %s", fileHash)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return 0, eris.Wrapf(ErrNotFound, "file hash %s", fileHash)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit delete")
	}
	return int(n), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*model.DetectionStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_type, verdict, COUNT(*), COALESCE(SUM(confidence), 0)
		FROM detections GROUP BY content_type, verdict`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats")
	}
	defer rows.Close() //nolint:errcheck

	var out []statsRow
	for rows.Next() {
		var r statsRow
		if err := rows.Scan(&r.contentType, &r.verdict, &r.count, &r.sumConfidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stats")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate stats")
	}
	return buildStats(out), nil
}

func (s *SQLiteStore) queryDetections(ctx context.Context, query string, args ...any) ([]model.Detection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query detections")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate detections")
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDetection(row scannable) (*model.Detection, error) {
	var d model.Detection
	var detailsJSON string

	err := row.Scan(&d.ID, &d.FileHash, &d.Filename, &d.ContentType, &d.Verdict, &d.Confidence,
		&d.FakeProbability, &d.RealProbability, &d.AgreementLevel, &d.FramesAnalyzed,
		&d.ProcessingTimeMs, &detailsJSON, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan detection")
	}

	if err := json.Unmarshal([]byte(detailsJSON), &d.Details); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal details")
	}
	return &d, nil
}

// likeEscape escapes LIKE wildcards so user input matches literally.
func likeEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
