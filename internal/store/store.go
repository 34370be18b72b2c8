// Package store persists processed runs, their artifacts and per-track
// summaries in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"tracklens/internal/pipeline"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("not found")

// Run statuses
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Store handles SQLite database operations
type Store struct {
	db *sql.DB
}

// RunRecord is one processed unit: a still image, a video file or a live
// session.
type RunRecord struct {
	ID           string
	Pipeline     string
	Source       string
	SourceKind   pipeline.SourceKind
	Tracking     pipeline.TrackingMode
	Status       string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Frames       uint64
	ArtifactPath string
	Error        string
}

// TrackSummary aggregates one identity over a run
type TrackSummary struct {
	RunID         string        `json:"run_id"`
	TrackID       int           `json:"track_id"`
	Class         string        `json:"class"`
	FirstSeq      uint64        `json:"first_seq"`
	LastSeq       uint64        `json:"last_seq"`
	Frames        int           `json:"frames"`
	MaxConfidence float64       `json:"max_confidence"`
	LastBBox      pipeline.BBox `json:"last_bbox"`
}

// New opens the database at path
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			source TEXT NOT NULL,
			source_kind TEXT NOT NULL,
			tracking TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			frames INTEGER DEFAULT 0,
			artifact_path TEXT DEFAULT '',
			error TEXT DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS tracks (
			run_id TEXT NOT NULL,
			track_id INTEGER NOT NULL,
			class TEXT,
			first_seq INTEGER NOT NULL,
			last_seq INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			max_confidence REAL,
			last_bbox TEXT,
			PRIMARY KEY (run_id, track_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline_time ON runs(pipeline, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_time ON runs(started_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a new run
func (s *Store) CreateRun(run *RunRecord) error {
	if run.Status == "" {
		run.Status = StatusRunning
	}
	query := `INSERT INTO runs (id, pipeline, source, source_kind, tracking, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, run.ID, run.Pipeline, run.Source, string(run.SourceKind),
		string(run.Tracking), run.Status, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run
func (s *Store) FinishRun(id, status string, frames uint64, artifactPath, errMsg string, at time.Time) error {
	query := `UPDATE runs SET status = ?, frames = ?, artifact_path = ?, error = ?, finished_at = ?
		WHERE id = ?`
	res, err := s.db.Exec(query, status, int64(frames), artifactPath, errMsg, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

const runColumns = `id, pipeline, source, source_kind, tracking, status, started_at,
	finished_at, frames, artifact_path, error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var run RunRecord
	var kind, tracking string
	var finished sql.NullTime
	var frames int64
	if err := row.Scan(&run.ID, &run.Pipeline, &run.Source, &kind, &tracking, &run.Status,
		&run.StartedAt, &finished, &frames, &run.ArtifactPath, &run.Error); err != nil {
		return nil, err
	}
	run.SourceKind = pipeline.SourceKind(kind)
	run.Tracking = pipeline.TrackingMode(tracking)
	run.Frames = uint64(frames)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*RunRecord, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first, optionally for one pipeline
func (s *Store) ListRuns(pipelineID string, limit int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []interface{}{}
	if pipelineID != "" {
		query += ` WHERE pipeline = ?`
		args = append(args, pipelineID)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRunsBefore removes runs started before the cutoff with their tracks
func (s *Store) DeleteRunsBefore(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	return res.RowsAffected()
}

// SaveTracks upserts the track summaries of a run in one transaction
func (s *Store) SaveTracks(runID string, tracks []TrackSummary) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO tracks (run_id, track_id, class, first_seq, last_seq, frames, max_confidence, last_bbox)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, track_id) DO UPDATE SET
			class = excluded.class,
			last_seq = excluded.last_seq,
			frames = excluded.frames,
			max_confidence = excluded.max_confidence,
			last_bbox = excluded.last_bbox`)
	if err != nil {
		return fmt.Errorf("failed to prepare track insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tracks {
		bbox, err := json.Marshal(t.LastBBox)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(runID, t.TrackID, t.Class, int64(t.FirstSeq), int64(t.LastSeq),
			t.Frames, t.MaxConfidence, string(bbox)); err != nil {
			return fmt.Errorf("failed to save track %d: %w", t.TrackID, err)
		}
	}
	return tx.Commit()
}

// ListTracks returns the track summaries of a run ordered by id
func (s *Store) ListTracks(runID string) ([]TrackSummary, error) {
	rows, err := s.db.Query(`SELECT run_id, track_id, class, first_seq, last_seq, frames, max_confidence, last_bbox
		FROM tracks WHERE run_id = ? ORDER BY track_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}
	defer rows.Close()

	var tracks []TrackSummary
	for rows.Next() {
		var t TrackSummary
		var first, last int64
		var bbox sql.NullString
		if err := rows.Scan(&t.RunID, &t.TrackID, &t.Class, &first, &last, &t.Frames, &t.MaxConfidence, &bbox); err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		t.FirstSeq = uint64(first)
		t.LastSeq = uint64(last)
		if bbox.Valid && bbox.String != "" {
			if err := json.Unmarshal([]byte(bbox.String), &t.LastBBox); err != nil {
				return nil, fmt.Errorf("failed to parse bbox: %w", err)
			}
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}
