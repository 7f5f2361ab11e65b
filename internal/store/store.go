// Package store keeps the command outcome log in sqlite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/metorial/aegis/internal/models"
	_ "modernc.org/sqlite"
)

const (
	DefaultRetention = 7 * 24 * time.Hour
	MaxOutcomeLimit  = 1000
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// sqlite has a single writer.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS command_outcomes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		action TEXT NOT NULL,
		target TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_command_outcomes_requested_at ON command_outcomes(requested_at);
	CREATE INDEX IF NOT EXISTS idx_command_outcomes_target ON command_outcomes(target);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) RecordOutcome(ctx context.Context, o *models.Outcome) error {
	query := `INSERT INTO command_outcomes (id, session_id, action, target, status, error, requested_at, finished_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.ExecContext(ctx, query, o.ID, o.SessionID, o.Action, o.Target,
		string(o.Status), o.Error, o.RequestedAt.UTC(), o.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns up to limit outcomes, newest first.
func (db *DB) RecentOutcomes(ctx context.Context, limit int) ([]models.Outcome, error) {
	if limit <= 0 || limit > MaxOutcomeLimit {
		limit = MaxOutcomeLimit
	}

	query := `SELECT id, session_id, action, target, status, error, requested_at, finished_at
	          FROM command_outcomes
	          ORDER BY requested_at DESC, rowid DESC
	          LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOutcomes(rows)
}

// OutcomesForTarget returns the outcomes recorded against one target,
// newest first.
func (db *DB) OutcomesForTarget(ctx context.Context, target string, limit int) ([]models.Outcome, error) {
	if limit <= 0 || limit > MaxOutcomeLimit {
		limit = MaxOutcomeLimit
	}

	query := `SELECT id, session_id, action, target, status, error, requested_at, finished_at
	          FROM command_outcomes
	          WHERE target = ?
	          ORDER BY requested_at DESC, rowid DESC
	          LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOutcomes(rows)
}

func scanOutcomes(rows *sql.Rows) ([]models.Outcome, error) {
	outcomes := make([]models.Outcome, 0)
	for rows.Next() {
		var o models.Outcome
		var status string
		err := rows.Scan(&o.ID, &o.SessionID, &o.Action, &o.Target, &status, &o.Error,
			&o.RequestedAt, &o.FinishedAt)
		if err != nil {
			return nil, err
		}
		o.Status = models.OutcomeStatus(status)
		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}

type OutcomeCounts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

func (db *DB) CountOutcomes(ctx context.Context) (OutcomeCounts, error) {
	query := `SELECT status, COUNT(*) FROM command_outcomes GROUP BY status`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return OutcomeCounts{}, err
	}
	defer rows.Close()

	var counts OutcomeCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return OutcomeCounts{}, err
		}
		counts.Total += n
		switch models.OutcomeStatus(status) {
		case models.OutcomeSucceeded:
			counts.Succeeded = n
		case models.OutcomeFailed:
			counts.Failed = n
		case models.OutcomeRejected:
			counts.Rejected = n
		}
	}

	return counts, rows.Err()
}

// CleanupOutcomes deletes outcomes requested before now-retention and
// returns how many were removed.
func (db *DB) CleanupOutcomes(ctx context.Context, retention time.Duration) (int64, error) {
	query := `DELETE FROM command_outcomes WHERE requested_at < ?`
	res, err := db.conn.ExecContext(ctx, query, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.conn.Close()
}
