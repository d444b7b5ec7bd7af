// Package store provides SQLite-backed persistence for jetdeploy.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the jetdeploy SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL lets the CLI read history while the daemon writes
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_history (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		session_id TEXT NOT NULL,
		workload_id TEXT NOT NULL,
		host TEXT NOT NULL,
		state TEXT NOT NULL,
		exit_code INTEGER,
		detail TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		job_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_history_workload ON job_history(workload_id);
	CREATE INDEX IF NOT EXISTS idx_job_history_ended_at ON job_history(ended_at);
	CREATE INDEX IF NOT EXISTS idx_pdr_job_id ON pdr(job_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Job History ---

// RecordJob stores a finished job. A job recorded twice keeps its latest state,
// so a run that failed and was later stopped ends up as stopped.
func (s *Store) RecordJob(rec models.JobRecord) error {
	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO job_history (id, kind, session_id, workload_id, host, state, exit_code, detail, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, exit_code = excluded.exit_code,
			detail = excluded.detail, ended_at = excluded.ended_at`,
		rec.ID, string(rec.Kind), rec.SessionID, rec.WorkloadID, rec.Host, rec.State, exitCode, rec.Detail,
		rec.StartedAt.UTC(), rec.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Kind       models.JobKind
	WorkloadID string
	Host       string
	State      string
	Limit      int
}

const jobColumns = `id, kind, session_id, workload_id, host, state, exit_code, detail, started_at, ended_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (models.JobRecord, error) {
	var rec models.JobRecord
	var kind string
	var exitCode sql.NullInt64
	var detail sql.NullString
	if err := row.Scan(&rec.ID, &kind, &rec.SessionID, &rec.WorkloadID, &rec.Host, &rec.State, &exitCode, &detail, &rec.StartedAt, &rec.EndedAt); err != nil {
		return rec, err
	}
	rec.Kind = models.JobKind(kind)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if detail.Valid {
		rec.Detail = detail.String
	}
	return rec, nil
}

// GetJob retrieves a job by ID. It returns nil when the job is unknown.
func (s *Store) GetJob(id string) (*models.JobRecord, error) {
	rec, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM job_history WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return &rec, nil
}

// ListJobs returns recorded jobs, most recently ended first.
func (s *Store) ListJobs(f JobFilter) ([]models.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM job_history`
	var where []string
	var args []interface{}

	if f.Kind != "" {
		where = append(where, `kind = ?`)
		args = append(args, string(f.Kind))
	}
	if f.WorkloadID != "" {
		where = append(where, `workload_id = ?`)
		args = append(args, f.WorkloadID)
	}
	if f.Host != "" {
		where = append(where, `host = ?`)
		args = append(args, f.Host)
	}
	if f.State != "" {
		where = append(where, `state = ?`)
		args = append(args, f.State)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY ended_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, rec)
	}
	return jobs, rows.Err()
}

// PruneJobs deletes history that ended before cutoff.
func (s *Store) PruneJobs(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM job_history WHERE ended_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, jobID, details string) (*models.PDREntry, error) {
	now := time.Now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		JobID:      jobID,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, job_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.JobID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the most recent decision records.
func (s *Store) ListPDR(limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, job_id, details, timestamp FROM pdr ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var jobID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &jobID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.JobID = jobID.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
