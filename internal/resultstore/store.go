// Package resultstore persists runs, job executions and quarantined devices
// in SQLite.
package resultstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/scheduler"
)

// ErrNotFound is returned for unknown run IDs
var ErrNotFound = errors.New("run not found")

// Run status values
const (
	StatusRunning   = "running"
	StatusPassed    = "passed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Store provides SQLite-backed result persistence
type Store struct {
	db *sql.DB
}

// Run is one stored scheduler run
type Run struct {
	ID           string
	Plan         string
	Status       string
	Passes       int
	FailedPasses int
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// Execution is one stored job execution
type Execution struct {
	RunID string
	scheduler.ExecutionInfo
}

// ProblemDevice is a device quarantined during a run
type ProblemDevice struct {
	RunID string
	Job   string
	domain.ProblemDevice
	RecordedAt time.Time
}

// New opens (and migrates) the database at dbPath. ":memory:" is supported.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps in-memory databases shared and serialises writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a run
func (s *Store) CreateRun(id, plan string, startedAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO runs (id, plan, status, started_at) VALUES (?, ?, ?, ?)`,
		id, plan, StatusRunning, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating run %s: %w", id, err)
	}
	return nil
}

// FinishRun stores the outcome of a run
func (s *Store) FinishRun(summary *scheduler.Summary) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, passes = ?, failed_passes = ?, finished_at = ? WHERE id = ?`,
		summary.Result(), len(summary.Passes), summary.FailedPasses(), summary.EndedAt.UTC(), summary.RunID)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", summary.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run %s: %w", summary.RunID, ErrNotFound)
	}
	return nil
}

// RecordExecution stores one completed job execution
func (s *Store) RecordExecution(runID string, info scheduler.ExecutionInfo) error {
	_, err := s.db.Exec(`
		INSERT INTO executions (run_id, job, pass, result, restarts, cancelled, detail,
			first_ready_check_at, pre_start_at, post_start_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID, info.Name, info.Pass, string(info.Result), info.Restarts, info.Cancelled, info.Detail,
		nullTime(info.FirstReadyCheckTime), nullTime(info.PreStartTime),
		nullTime(info.PostStartTime), nullTime(info.EndTime),
	)
	if err != nil {
		return fmt.Errorf("recording %s: %w", info.Name, err)
	}
	return nil
}

// RecordProblemDevice stores a quarantined device once per run and job
func (s *Store) RecordProblemDevice(runID, job string, pd domain.ProblemDevice) error {
	_, err := s.db.Exec(`
		INSERT INTO problem_devices (run_id, job, device, platform) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, job, device) DO NOTHING
	`, runID, job, pd.Name, string(pd.Platform))
	if err != nil {
		return fmt.Errorf("recording problem device %s: %w", pd.Name, err)
	}
	return nil
}

// GetRun returns one run
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, plan, status, passes, failed_passes, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs first; limit <= 0 means all
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	query := `SELECT id, plan, status, passes, failed_passes, started_at, finished_at FROM runs ORDER BY started_at DESC, id`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListExecutions returns a run's executions ordered by pass and completion
func (s *Store) ListExecutions(runID string) ([]Execution, error) {
	rows, err := s.db.Query(`
		SELECT job, pass, result, restarts, cancelled, detail,
			first_ready_check_at, pre_start_at, post_start_at, ended_at
		FROM executions WHERE run_id = ? ORDER BY pass, id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e := Execution{RunID: runID}
		var result string
		var detail sql.NullString
		var firstReady, preStart, postStart, ended sql.NullTime
		if err := rows.Scan(&e.Name, &e.Pass, &result, &e.Restarts, &e.Cancelled, &detail,
			&firstReady, &preStart, &postStart, &ended); err != nil {
			return nil, err
		}
		e.Result = domain.ExecutionResult(result)
		e.Detail = detail.String
		e.FirstReadyCheckTime = firstReady.Time
		e.PreStartTime = preStart.Time
		e.PostStartTime = postStart.Time
		e.EndTime = ended.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListProblemDevices returns the devices quarantined during a run
func (s *Store) ListProblemDevices(runID string) ([]ProblemDevice, error) {
	rows, err := s.db.Query(`
		SELECT job, device, platform, recorded_at FROM problem_devices
		WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProblemDevice
	for rows.Next() {
		pd := ProblemDevice{RunID: runID}
		var platform string
		if err := rows.Scan(&pd.Job, &pd.Name, &platform, &pd.RecordedAt); err != nil {
			return nil, err
		}
		pd.Platform = domain.Platform(platform)
		out = append(out, pd)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.Plan, &run.Status, &run.Passes, &run.FailedPasses, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
