package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by GetRun for an unknown id
var ErrNotFound = errors.New("run not found")

// Store provides SQLite-backed run history
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and writes serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
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

// UpsertRun inserts or updates the row for rec
func (s *Store) UpsertRun(rec domain.AgentRecord) error {
	var (
		success      sql.NullBool
		cost         float64
		tokensIn     int
		tokensOut    int
		durationMs   int64
		changedFiles string
		errMsg       string
		output       string
	)
	if r := rec.Result; r != nil {
		success = sql.NullBool{Bool: r.Success, Valid: true}
		cost = r.CostUSD
		tokensIn = r.Usage.InputTokens
		tokensOut = r.Usage.OutputTokens
		durationMs = r.Duration.Milliseconds()
		errMsg = r.Error
		output = r.Output
		filesJSON, err := json.Marshal(r.ChangedFiles)
		if err != nil {
			return err
		}
		changedFiles = string(filesJSON)
	}

	_, err := s.db.Exec(`
		INSERT INTO agent_runs (id, tier, description, status, submitted_at, started_at, finished_at, success, cost_usd, tokens_input, tokens_output, duration_ms, changed_files, error, output, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			success = excluded.success,
			cost_usd = excluded.cost_usd,
			tokens_input = excluded.tokens_input,
			tokens_output = excluded.tokens_output,
			duration_ms = excluded.duration_ms,
			changed_files = excluded.changed_files,
			error = excluded.error,
			output = excluded.output,
			updated_at = excluded.updated_at
	`,
		rec.ID,
		string(rec.Tier),
		rec.Description,
		string(rec.Status),
		rec.SubmittedAt,
		nullTime(rec.StartedAt),
		nullTime(rec.FinishedAt),
		success,
		cost,
		tokensIn,
		tokensOut,
		durationMs,
		changedFiles,
		errMsg,
		output,
		time.Now(),
	)
	return err
}

// DeleteRun removes a run; deleting an unknown id is not an error
func (s *Store) DeleteRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM agent_runs WHERE id = ?`, id)
	return err
}

const runColumns = `id, tier, description, status, submitted_at, started_at, finished_at, success, cost_usd, tokens_input, tokens_output, duration_ms, changed_files, error, output`

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.AgentRecord, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status domain.AgentStatus
	Tier   domain.Tier
	Limit  int // Zero means no limit
}

// ListRuns returns matching runs, most recently submitted first
func (s *Store) ListRuns(opts ListOptions) ([]*domain.AgentRecord, error) {
	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Tier != "" {
		query += " AND tier = ?"
		args = append(args, string(opts.Tier))
	}

	query += " ORDER BY submitted_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.AgentRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// MarkInterrupted fails every run left queued or running by a previous
// process and returns how many rows changed.
func (s *Store) MarkInterrupted() (int, error) {
	res, err := s.db.Exec(`
		UPDATE agent_runs SET status = ?, success = FALSE, error = ?, finished_at = ?, updated_at = ?
		WHERE status IN (?, ?)
	`, string(domain.AgentFailed), "interrupted", time.Now(), time.Now(),
		string(domain.AgentQueued), string(domain.AgentRunning))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.AgentRecord, error) {
	var rec domain.AgentRecord
	var tier, status string
	var description, changedFiles, errMsg, output sql.NullString
	var startedAt, finishedAt sql.NullTime
	var success sql.NullBool
	var cost float64
	var tokensIn, tokensOut int
	var durationMs int64

	err := row.Scan(&rec.ID, &tier, &description, &status, &rec.SubmittedAt, &startedAt, &finishedAt,
		&success, &cost, &tokensIn, &tokensOut, &durationMs, &changedFiles, &errMsg, &output)
	if err != nil {
		return nil, err
	}

	rec.Tier = domain.Tier(tier)
	rec.Status = domain.AgentStatus(status)
	rec.Description = description.String
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}

	if success.Valid {
		result := &domain.TaskResult{
			ID:       rec.ID,
			Success:  success.Bool,
			Output:   output.String,
			Usage:    domain.Usage{InputTokens: tokensIn, OutputTokens: tokensOut},
			CostUSD:  cost,
			Duration: time.Duration(durationMs) * time.Millisecond,
			Error:    errMsg.String,
		}
		if changedFiles.String != "" && changedFiles.String != "null" {
			if err := json.Unmarshal([]byte(changedFiles.String), &result.ChangedFiles); err != nil {
				return nil, err
			}
		}
		rec.Result = result
	}

	return &rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
