package processstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ericvicenti/botical-sub001/internal/domain"
)

// AppendOutput stores one output chunk and sets o.Seq. The insert is refused
// once the process is terminal, so nothing lands after its exit. Empty data
// is stored as an empty blob.
func (s *Store) AppendOutput(ctx context.Context, o *domain.ProcessOutput) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO process_output (process_id, timestamp, stream, data)
		SELECT id, ?, ?, COALESCE(?, X'') FROM processes WHERE id = ? AND status IN `+liveStatuses,
		o.Timestamp.UnixMilli(), string(o.Stream), o.Data, o.ProcessID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		p, err := s.GetProcess(ctx, o.ProcessID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", domain.ErrAlreadyTerminal, o.ProcessID, p.Status)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.Seq = seq
	return nil
}

// OutputQuery selects a window of output chunks
type OutputQuery struct {
	Since  time.Time
	Limit  int
	Offset int
}

// GetOutput returns chunks in insertion order. Chunks stamped before Since are
// skipped; Limit and Offset page through the rest.
func (s *Store) GetOutput(ctx context.Context, processID string, q OutputQuery) ([]domain.ProcessOutput, error) {
	query := `SELECT id, process_id, timestamp, stream, data FROM process_output WHERE process_id = ?`
	args := []interface{}{processID}
	if !q.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, q.Since.UnixMilli())
	}
	query += " ORDER BY timestamp, id"
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ProcessOutput
	for rows.Next() {
		var o domain.ProcessOutput
		var ts int64
		var stream string
		if err := rows.Scan(&o.Seq, &o.ProcessID, &ts, &stream, &o.Data); err != nil {
			return nil, err
		}
		o.Timestamp = time.UnixMilli(ts)
		o.Stream = domain.Stream(stream)
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOutputText concatenates every chunk of a process in order
func (s *Store) GetOutputText(ctx context.Context, processID string) (string, error) {
	chunks, err := s.GetOutput(ctx, processID, OutputQuery{})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range chunks {
		b.Write(c.Data)
	}
	return b.String(), nil
}

// CountOutput returns the number of stored chunks for a process
func (s *Store) CountOutput(ctx context.Context, processID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM process_output WHERE process_id = ?`, processID).Scan(&n)
	return n, err
}

// TrimOutput deletes all but the newest keep chunks and returns how many
// were removed
func (s *Store) TrimOutput(ctx context.Context, processID string, keep int) (int64, error) {
	if keep < 0 {
		return 0, domain.Invalid("keep", "must not be negative")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM process_output
		WHERE process_id = ? AND id NOT IN (
			SELECT id FROM process_output WHERE process_id = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?
		)`, processID, processID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OutputProcessIDs returns the ids of every process that has stored output
func (s *Store) OutputProcessIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT process_id FROM process_output ORDER BY process_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TrimAllOutput applies TrimOutput to every process that has output and
// returns the total number of chunks removed
func (s *Store) TrimAllOutput(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, domain.Invalid("keep", "must not be negative, got %d", keep)
	}
	ids, err := s.OutputProcessIDs(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.TrimOutput(ctx, id, keep)
		if err != nil {
			return total, fmt.Errorf("trimming %s: %w", id, err)
		}
		total += n
	}
	return total, nil
}
