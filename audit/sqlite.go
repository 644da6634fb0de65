package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteSink stores events in an audit_events table.
type SQLiteSink struct {
	dsn string

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteSink(dsn string) (*SQLiteSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	s := &SQLiteSink{dsn: dsn}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) Emit(ctx context.Context, e Event) error {
	if s == nil {
		return fmt.Errorf("nil audit sink")
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_events (
  event_id, type, ts_unix_ms, owner_id,
  task_id, pipeline_id, step, agent, name,
  status, error_code, message
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, e.EventID, string(e.Type), e.Timestamp.UTC().UnixMilli(), e.Owner,
		nullString(e.TaskID), nullString(e.PipelineID), nullInt(e.Step), e.Agent, e.Name,
		e.Status, e.ErrorCode, e.Message,
	)
	return err
}

// List returns events oldest first.
func (s *SQLiteSink) List(ctx context.Context, f Filter) ([]Event, error) {
	if s == nil {
		return nil, fmt.Errorf("nil audit sink")
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if v := strings.TrimSpace(f.Owner); v != "" {
		where = append(where, "owner_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(f.TaskID); v != "" {
		where = append(where, "task_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(f.PipelineID); v != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, v)
	}
	q := `
SELECT event_id, type, ts_unix_ms, owner_id,
  task_id, pipeline_id, step, agent, name,
  status, error_code, message
FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e          Event
			typ        string
			tsMillis   int64
			taskID     sql.NullString
			pipelineID sql.NullString
			step       sql.NullInt64
		)
		if err := rows.Scan(
			&e.EventID, &typ, &tsMillis, &e.Owner,
			&taskID, &pipelineID, &step, &e.Agent, &e.Name,
			&e.Status, &e.ErrorCode, &e.Message,
		); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.Timestamp = time.UnixMilli(tsMillis).UTC()
		e.TaskID = taskID.String
		e.PipelineID = pipelineID.String
		if step.Valid {
			v := int(step.Int64)
			e.Step = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteSink) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return err
	}
	// One connection keeps :memory: databases shared across calls.
	db.SetMaxOpenConns(1)
	s.db = db
	return s.migrate()
}

func (s *SQLiteSink) ensureOpen() error {
	s.mu.Lock()
	open := s.db != nil
	s.mu.Unlock()
	if open {
		return nil
	}
	return s.open()
}

func (s *SQLiteSink) migrate() error {
	if s.db == nil {
		return fmt.Errorf("sqlite db is not open")
	}
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS audit_events (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id TEXT NOT NULL UNIQUE,
  type TEXT NOT NULL,
  ts_unix_ms INTEGER NOT NULL,
  owner_id TEXT NOT NULL,
  task_id TEXT,
  pipeline_id TEXT,
  step INTEGER,
  agent TEXT,
  name TEXT,
  status TEXT,
  error_code TEXT,
  message TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_task ON audit_events(task_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_pipeline ON audit_events(pipeline_id);
`)
	return err
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
