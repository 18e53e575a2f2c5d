// Package processstore persists processes and their output in SQLite.
package processstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ericvicenti/botical-sub001/internal/domain"
)

const liveStatuses = `('starting', 'running')`

const processColumns = `id, project_id, scope, scope_id, type, command, cwd, env, cols, rows, status, exit_code, label, service_id, log_path, created_at, started_at, ended_at`

// Store provides SQLite-backed process persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection also keeps :memory:
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	// Enable foreign keys so output rows cascade with their process
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
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

// CreateProcess inserts a new process record
func (s *Store) CreateProcess(ctx context.Context, p *domain.Process) error {
	var envJSON sql.NullString
	if len(p.Env) > 0 {
		data, err := json.Marshal(p.Env)
		if err != nil {
			return err
		}
		envJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (`+processColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		p.ProjectID,
		string(p.Scope),
		p.ScopeID,
		string(p.Type),
		p.Command,
		p.Cwd,
		envJSON,
		p.Cols,
		p.Rows,
		string(p.Status),
		nullInt(p.ExitCode),
		p.Label,
		p.ServiceID,
		p.LogPath,
		p.CreatedAt.UnixMilli(),
		nullTime(p.StartedAt),
		nullTime(p.EndedAt),
	)
	return err
}

// GetProcess retrieves a process by ID
func (s *Store) GetProcess(ctx context.Context, id string) (*domain.Process, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id = ?`, id)
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return p, err
}

// ListOptions specifies filters for listing processes
type ListOptions struct {
	ProjectID string
	Scope     domain.Scope
	ScopeID   string
	Type      domain.ProcessType
	Statuses  []domain.ProcessStatus
	Limit     int
}

func (o ListOptions) where() (string, []interface{}) {
	clause := ` WHERE 1=1`
	var args []interface{}

	if o.ProjectID != "" {
		clause += " AND project_id = ?"
		args = append(args, o.ProjectID)
	}
	if o.Scope != "" {
		clause += " AND scope = ?"
		args = append(args, string(o.Scope))
	}
	if o.ScopeID != "" {
		clause += " AND scope_id = ?"
		args = append(args, o.ScopeID)
	}
	if o.Type != "" {
		clause += " AND type = ?"
		args = append(args, string(o.Type))
	}
	if len(o.Statuses) > 0 {
		placeholders := make([]string, len(o.Statuses))
		for i, st := range o.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clause += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	return clause, args
}

// ListProcesses returns processes matching the given options, newest first
func (s *Store) ListProcesses(ctx context.Context, opts ListOptions) ([]*domain.Process, error) {
	where, args := opts.where()
	query := `SELECT ` + processColumns + ` FROM processes` + where + ` ORDER BY created_at DESC, id`
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var procs []*domain.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

// CountProcesses returns the number of processes matching opts
func (s *Store) CountProcesses(ctx context.Context, opts ListOptions) (int, error) {
	where, args := opts.where()
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processes`+where, args...).Scan(&count)
	return count, err
}

// MarkRunning moves a starting process to running
func (s *Store) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(domain.StatusRunning), startedAt.UnixMilli(), id, string(domain.StatusStarting))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

// Finish moves a live process to a terminal status. exitCode must be set for
// completed and failed and nil for killed.
func (s *Store) Finish(ctx context.Context, id string, status domain.ProcessStatus, exitCode *int, endedAt time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish with non-terminal status %q", status)
	}
	if (status == domain.StatusKilled) != (exitCode == nil) {
		return fmt.Errorf("exit code presence does not match status %q", status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET status = ?, exit_code = ?, ended_at = ? WHERE id = ? AND status IN `+liveStatuses,
		string(status), nullInt(exitCode), endedAt.UnixMilli(), id)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

// KillProcesses marks the given processes killed in one statement and
// returns how many were still live
func (s *Store) KillProcesses(ctx context.Context, ids []string, endedAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := []interface{}{string(domain.StatusKilled), endedAt.UnixMilli()}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET status = ?, ended_at = ? WHERE id IN (`+strings.Join(placeholders, ", ")+`) AND status IN `+liveStatuses,
		args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateGeometry persists new terminal dimensions for a live process
func (s *Store) UpdateGeometry(ctx context.Context, id string, cols, rows int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET cols = ?, rows = ? WHERE id = ? AND status IN `+liveStatuses,
		cols, rows, id)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

// DeleteProcess removes a terminal process and, through the foreign key,
// all of its output
func (s *Store) DeleteProcess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processes WHERE id = ? AND status NOT IN `+liveStatuses, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetProcess(ctx, id); err != nil {
		return err
	}
	return domain.Invalid("status", "cannot delete live process %s", id)
}

// checkTransition distinguishes a missing process from one whose status did
// not allow the update
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	p, err := s.GetProcess(ctx, id)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrAlreadyTerminal, id, p.Status)
	}
	return fmt.Errorf("process %s is %s", id, p.Status)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProcess(row scanner) (*domain.Process, error) {
	var p domain.Process
	var scope, typ, status string
	var envJSON sql.NullString
	var exitCode, startedAt, endedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&p.ID, &p.ProjectID, &scope, &p.ScopeID, &typ, &p.Command, &p.Cwd, &envJSON,
		&p.Cols, &p.Rows, &status, &exitCode, &p.Label, &p.ServiceID, &p.LogPath,
		&createdAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	p.Scope = domain.Scope(scope)
	p.Type = domain.ProcessType(typ)
	p.Status = domain.ProcessStatus(status)
	p.CreatedAt = time.UnixMilli(createdAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		p.ExitCode = &code
	}
	p.StartedAt = fromNullTime(startedAt)
	p.EndedAt = fromNullTime(endedAt)

	if envJSON.Valid && envJSON.String != "" {
		if err := json.Unmarshal([]byte(envJSON.String), &p.Env); err != nil {
			return nil, fmt.Errorf("decoding env of %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
