// Package store provides durable persistence for workflow definitions,
// runs and step results over an embedded SQLite database. It is the only
// component that owns on-disk state; every other component reads and
// writes through the State Manager, which in turn calls this package.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/cronflow/cronflow/internal/models"
)

// Store is the durable persistence layer backed by a single SQLite file.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open opens (creating if absent) the SQLite database at path and runs
// idempotent schema migrations. A single connection is kept, matching
// SQLite's single-writer model.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// SQLite serializes writes; one connection avoids SQLITE_BUSY races
	// that a pool would otherwise need busy_timeout retries for.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	s := &Store{db: db, logger: logger}

	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			definition TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			status TEXT NOT NULL,
			payload TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow_id ON workflow_runs(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES workflow_runs(id),
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_run_id ON step_results(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity, used by the health endpoint.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// row shapes used for scanning; JSON/nullable columns are decoded by callers.
type workflowRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Definition  string    `db:"definition"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// UpsertWorkflow persists a workflow definition, creating or replacing it.
func (s *Store) UpsertWorkflow(ctx context.Context, def *models.WorkflowDefinition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow definition: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, description, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description,
			definition=excluded.definition, updated_at=excluded.updated_at
	`, def.ID, def.Name, def.Description, string(body), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow %s: %w", def.ID, err)
	}
	return nil
}

// GetWorkflow loads a workflow definition by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, `SELECT id, name, description, definition, created_at, updated_at FROM workflows WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	var def models.WorkflowDefinition
	if err := json.Unmarshal([]byte(row.Definition), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", id, err)
	}
	def.CreatedAt = row.CreatedAt
	def.UpdatedAt = row.UpdatedAt
	return &def, nil
}

type runRow struct {
	ID          string         `db:"id"`
	WorkflowID  string         `db:"workflow_id"`
	Status      string         `db:"status"`
	Payload     sql.NullString `db:"payload"`
	StartedAt   time.Time      `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	Error       sql.NullString `db:"error"`
}

func (r runRow) toModel() *models.WorkflowRun {
	run := &models.WorkflowRun{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Status:     models.RunStatus(r.Status),
		StartedAt:  r.StartedAt,
	}
	if r.Payload.Valid {
		run.Payload = []byte(r.Payload.String)
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		run.CompletedAt = &t
	}
	if r.Error.Valid {
		e := r.Error.String
		run.Error = &e
	}
	return run
}

// InsertRun creates a new run record.
func (s *Store) InsertRun(ctx context.Context, run *models.WorkflowRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, status, payload, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.WorkflowID, string(run.Status), string(run.Payload), run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun persists status/completion/error changes for an existing run.
func (s *Store) UpdateRun(ctx context.Context, run *models.WorkflowRun) error {
	var completedAt interface{}
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	var errVal interface{}
	if run.Error != nil {
		errVal = *run.Error
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status=?, completed_at=?, error=? WHERE id=?
	`, string(run.Status), completedAt, errVal, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT id, workflow_id, status, payload, started_at, completed_at, error FROM workflow_runs WHERE id=?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return row.toModel(), nil
}

type stepResultRow struct {
	ID          int64          `db:"id"`
	RunID       string         `db:"run_id"`
	StepID      string         `db:"step_id"`
	Status      string         `db:"status"`
	Output      sql.NullString `db:"output"`
	Error       sql.NullString `db:"error"`
	StartedAt   time.Time      `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	DurationMs  sql.NullInt64  `db:"duration_ms"`
}

func (r stepResultRow) toModel() *models.StepResult {
	sr := &models.StepResult{
		ID:        r.ID,
		RunID:     r.RunID,
		StepID:    r.StepID,
		Status:    models.StepStatus(r.Status),
		StartedAt: r.StartedAt,
	}
	if r.Output.Valid {
		sr.Output = []byte(r.Output.String)
	}
	if r.Error.Valid {
		e := r.Error.String
		sr.Error = &e
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		sr.CompletedAt = &t
	}
	if r.DurationMs.Valid {
		d := r.DurationMs.Int64
		sr.DurationMs = &d
	}
	return sr
}

// AppendStepResult inserts a new append-only step result row.
func (s *Store) AppendStepResult(ctx context.Context, sr *models.StepResult) error {
	var completedAt interface{}
	if sr.CompletedAt != nil {
		completedAt = *sr.CompletedAt
	}
	var errVal interface{}
	if sr.Error != nil {
		errVal = *sr.Error
	}
	var durationVal interface{}
	if sr.DurationMs != nil {
		durationVal = *sr.DurationMs
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO step_results (run_id, step_id, status, output, error, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sr.RunID, sr.StepID, string(sr.Status), string(sr.Output), errVal, sr.StartedAt, completedAt, durationVal)
	if err != nil {
		return fmt.Errorf("failed to append step result for run %s step %s: %w", sr.RunID, sr.StepID, err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		sr.ID = id
	}
	return nil
}

// GetStepResultsByRun returns all step results for a run, chronological order.
func (s *Store) GetStepResultsByRun(ctx context.Context, runID string) ([]*models.StepResult, error) {
	var rows []stepResultRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, run_id, step_id, status, output, error, started_at, completed_at, duration_ms
		FROM step_results WHERE run_id=? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step results for run %s: %w", runID, err)
	}
	out := make([]*models.StepResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
