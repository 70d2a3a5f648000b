package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/deepfake-detector/internal/db"
	"github.com/sells-group/deepfake-detector/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const upsertDetectionSQL = `INSERT INTO detections (` + detectionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (file_hash, content_type) DO UPDATE SET
		filename = EXCLUDED.filename,
		verdict = EXCLUDED.verdict,
		confidence = EXCLUDED.confidence,
		fake_probability = EXCLUDED.fake_probability,
		real_probability = EXCLUDED.real_probability,
		agreement_level = EXCLUDED.agreement_level,
		frames_analyzed = EXCLUDED.frames_analyzed,
		processing_time_ms = EXCLUDED.processing_time_ms,
		details = EXCLUDED.details,
		created_at = EXCLUDED.created_at
	RETURNING id`

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"upsert_detection":      upsertDetectionSQL,
	"get_detection":         `SELECT ` + detectionColumns + ` FROM detections WHERE id = $1`,
	"get_detection_by_hash": `SELECT ` + detectionColumns + ` FROM detections WHERE file_hash = $1 AND content_type = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS detections (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	file_hash          TEXT NOT NULL,
	filename           TEXT NOT NULL,
	content_type       TEXT NOT NULL,
	verdict            TEXT NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL,
	fake_probability   DOUBLE PRECISION NOT NULL,
	real_probability   DOUBLE PRECISION NOT NULL,
	agreement_level    TEXT NOT NULL,
	frames_analyzed    INTEGER NOT NULL DEFAULT 0,
	processing_time_ms BIGINT NOT NULL DEFAULT 0,
	details            JSONB NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (file_hash, content_type)
);

CREATE TABLE IF NOT EXISTS detection_frames (
	detection_id     TEXT NOT NULL REFERENCES detections(id) ON DELETE CASCADE,
	frame_index      INTEGER NOT NULL,
	verdict          TEXT NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL,
	fake_probability DOUBLE PRECISION NOT NULL,
	agreement_level  TEXT NOT NULL,
	is_uncertain     BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (detection_id, frame_index)
);

CREATE INDEX IF NOT EXISTS idx_detections_created_at ON detections(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_detections_verdict ON detections(verdict);
CREATE INDEX IF NOT EXISTS idx_detections_content_type ON detections(content_type);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// SaveDetection upserts d and replaces its frame rows in one transaction,
// using COPY for the frame inserts.
func (s *PostgresStore) SaveDetection(ctx context.Context, d *model.Detection, frames []model.FrameResult) error {
	if d.FileHash == "" {
		return eris.New("postgres: detection has no file hash")
	}
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	detailsJSON, err := json.Marshal(d.Details)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal details")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	err = tx.QueryRow(ctx, upsertDetectionSQL,
		id, d.FileHash, d.Filename, string(d.ContentType), string(d.Verdict), d.Confidence,
		d.FakeProbability, d.RealProbability, string(d.AgreementLevel), d.FramesAnalyzed,
		d.ProcessingTimeMs, detailsJSON, now,
	).Scan(&id)
	if err != nil {
		return eris.Wrapf(err, "postgres: save detection %s", d.FileHash)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM detection_frames WHERE detection_id = $1`, id); err != nil {
		return eris.Wrapf(err, "postgres: clear frames %s", id)
	}
	if _, err := db.CopyFromTx(ctx, tx, "detection_frames", frameColumns, frameRows(id, frames)); err != nil {
		return eris.Wrapf(err, "postgres: insert frames %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrapf(err, "postgres: commit detection %s", d.FileHash)
	}
	d.ID = id
	d.CreatedAt = now
	return nil
}

func (s *PostgresStore) GetDetection(ctx context.Context, id string) (*model.Detection, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+detectionColumns+` FROM detections WHERE id = $1`, id)
	d, err := scanPgDetection(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get detection %s", id)
	}
	return d, nil
}

func (s *PostgresStore) GetDetectionByHash(ctx context.Context, fileHash string, contentType model.ContentType) (*model.Detection, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+detectionColumns+` FROM detections WHERE file_hash = $1 AND content_type = $2`,
		fileHash, string(contentType))
	d, err := scanPgDetection(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get detection by hash %s", fileHash)
	}
	return d, nil
}

func (s *PostgresStore) ListDetections(ctx context.Context, filter DetectionFilter) ([]model.Detection, error) {
	query := `SELECT ` + detectionColumns + ` FROM detections WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ContentType != "" {
		query += fmt.Sprintf(` AND content_type = $%d`, argIdx)
		args = append(args, string(filter.ContentType))
		argIdx++
	}
	if filter.Verdict != "" {
		query += fmt.Sprintf(` AND verdict = $%d`, argIdx)
		args = append(args, string(filter.Verdict))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	return s.queryDetections(ctx, query, args...)
}

func (s *PostgresStore) SearchDetections(ctx context.Context, query string, limit int) ([]model.Detection, error) {
	q := likeEscape(strings.TrimSpace(query))
	return s.queryDetections(ctx,
		`SELECT `+detectionColumns+` FROM detections
		WHERE filename ILIKE $1 OR file_hash LIKE $2
		ORDER BY created_at DESC, id LIMIT $3`,
		"%"+q+"%", q+"%", listLimit(limit))
}

// DeleteDetection relies on ON DELETE CASCADE to remove frame rows.
func (s *PostgresStore) DeleteDetection(ctx context.Context, fileHash string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM detections WHERE file_hash = $1`, fileHash)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete detection %s", fileHash)
	}
	if tag.RowsAffected() == 0 {
		return 0, eris.Wrapf(ErrNotFound, "file hash %s", fileHash)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*model.DetectionStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content_type, verdict, COUNT(*), COALESCE(SUM(confidence), 0)
		FROM detections GROUP BY content_type, verdict`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats")
	}
	defer rows.Close()

	var out []statsRow
	for rows.Next() {
		var r statsRow
		var ct, verdict string
		var count int64
		if err := rows.Scan(&ct, &verdict, &count, &r.sumConfidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stats")
		}
		r.contentType = model.ContentType(ct)
		r.verdict = model.Verdict(verdict)
		r.count = int(count)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate stats")
	}
	return buildStats(out), nil
}

func (s *PostgresStore) queryDetections(ctx context.Context, query string, args ...any) ([]model.Detection, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query detections")
	}
	defer rows.Close()

	var out []model.Detection
	for rows.Next() {
		d, err := scanPgDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate detections")
	}
	return out, nil
}

func scanPgDetection(row pgx.Row) (*model.Detection, error) {
	var d model.Detection
	var ct, verdict, agreement string
	var detailsJSON []byte

	err := row.Scan(&d.ID, &d.FileHash, &d.Filename, &ct, &verdict, &d.Confidence,
		&d.FakeProbability, &d.RealProbability, &agreement, &d.FramesAnalyzed,
		&d.ProcessingTimeMs, &detailsJSON, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan detection")
	}

	d.ContentType = model.ContentType(ct)
	d.Verdict = model.Verdict(verdict)
	d.AgreementLevel = model.AgreementLevel(agreement)
	if err := json.Unmarshal(detailsJSON, &d.Details); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal details")
	}
	return &d, nil
}
