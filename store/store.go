// Package store records segmentation runs and their per-frame statistics in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// schema.sql defines the runs, frames and events tables.
//
//go:embed schema.sql
var schemaSQL string

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Store is a SQLite database of runs.
type Store struct {
	*sql.DB
}

// Run describes one segmentation run.
type Run struct {
	ID      string
	Model   string
	Source  string
	Config  string
	Started time.Time
	Ended   time.Time
	Summary string
}

// FrameStat is the record of one segmented frame.
type FrameStat struct {
	Index           int
	Timestamp       time.Time
	ForegroundRatio float64
	MotionScore     float64
	Blobs           int
	Activity        string
	ApplyDuration   time.Duration
	MovingCamera    bool
}

// Event is an activity switch.
type Event struct {
	FrameIndex int
	From       string
	To         string
	Score      float64
}

// Open opens or creates the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// pragmas are per connection, and each connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Printf("🗄️  opened run store %s", path)
	return &Store{db}, nil
}

// StartRun inserts a run and returns its ID.
func (s *Store) StartRun(ctx context.Context, model, source, configJSON string) (string, error) {
	id := uuid.NewString()
	if configJSON == "" {
		configJSON = "{}"
	}
	_, err := s.ExecContext(ctx,
		`INSERT INTO runs (id, model, source, config_json, started_unix_nanos) VALUES (?, ?, ?, ?, ?)`,
		id, model, source, configJSON, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// EndRun stamps the end time of a run and stores its JSON summary.
func (s *Store) EndRun(ctx context.Context, runID, summaryJSON string) error {
	res, err := s.ExecContext(ctx,
		`UPDATE runs SET ended_unix_nanos = ?, summary_json = ? WHERE id = ?`,
		time.Now().UnixNano(), summaryJSON, runID)
	if err != nil {
		return fmt.Errorf("failed to end run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// RecordFrames inserts frame statistics in one transaction.
func (s *Store) RecordFrames(ctx context.Context, runID string, frames []FrameStat) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO frames (run_id, frame_index, timestamp_unix_nanos, foreground_ratio, motion_score,
			blobs, activity, apply_nanos, moving_camera)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare frame insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range frames {
		if _, err := stmt.ExecContext(ctx, runID, f.Index, f.Timestamp.UnixNano(), f.ForegroundRatio,
			f.MotionScore, f.Blobs, f.Activity, f.ApplyDuration.Nanoseconds(), f.MovingCamera); err != nil {
			return fmt.Errorf("failed to insert frame %d: %w", f.Index, err)
		}
	}
	return tx.Commit()
}

// RecordEvent inserts an activity switch.
func (s *Store) RecordEvent(ctx context.Context, runID string, e Event) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO events (run_id, frame_index, from_activity, to_activity, score) VALUES (?, ?, ?, ?, ?)`,
		runID, e.FrameIndex, e.From, e.To, e.Score)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Run loads a run by ID.
func (s *Store) Run(ctx context.Context, runID string) (Run, error) {
	var (
		r       Run
		started int64
		ended   sql.NullInt64
		summary sql.NullString
	)
	err := s.QueryRowContext(ctx,
		`SELECT id, model, source, config_json, started_unix_nanos, ended_unix_nanos, summary_json
		FROM runs WHERE id = ?`, runID).
		Scan(&r.ID, &r.Model, &r.Source, &r.Config, &started, &ended, &summary)
	if err != nil {
		return r, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	r.Started = time.Unix(0, started)
	if ended.Valid {
		r.Ended = time.Unix(0, ended.Int64)
	}
	r.Summary = summary.String
	return r, nil
}

// Frames returns the frames of a run ordered by index.
func (s *Store) Frames(ctx context.Context, runID string) ([]FrameStat, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT frame_index, timestamp_unix_nanos, foreground_ratio, motion_score, blobs, activity,
			apply_nanos, moving_camera
		FROM frames WHERE run_id = ? ORDER BY frame_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var out []FrameStat
	for rows.Next() {
		var (
			f          FrameStat
			ts, applyN int64
		)
		if err := rows.Scan(&f.Index, &ts, &f.ForegroundRatio, &f.MotionScore, &f.Blobs, &f.Activity,
			&applyN, &f.MovingCamera); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		f.Timestamp = time.Unix(0, ts)
		f.ApplyDuration = time.Duration(applyN)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Events returns the activity switches of a run ordered by frame.
func (s *Store) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT frame_index, from_activity, to_activity, score
		FROM events WHERE run_id = ? ORDER BY frame_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.FrameIndex, &e.From, &e.To, &e.Score); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
