// Siteforge is a bare-metal provisioning orchestrator.
// Copyright (C) 2025 The Siteforge Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides a SQLite-backed persistence layer for the task
// tree: schema migrations, atomic field updates, parent/child linkage,
// and an append-only event trail.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"siteforge/pkg/task"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database connection and provides typed accessors
// for the task tree.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction. If fn returns an
// error, the transaction is rolled back; otherwise it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here.
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
  id              TEXT PRIMARY KEY,
  parent_id       TEXT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  action          TEXT NOT NULL,
  design_ref      TEXT NOT NULL,
  site_name       TEXT NOT NULL,
  scope_json      TEXT NOT NULL,
  node_list_json  TEXT NOT NULL,
  status          TEXT NOT NULL CHECK (status IN ('Pending','Running','Complete')),
  result          TEXT NOT NULL CHECK (result IN ('Incomplete','Success','PartialSuccess','Failure','DependentFailure')),
  result_detail_json TEXT NOT NULL,
  correlation_id  TEXT NOT NULL,
  created_at      TIMESTAMP NOT NULL,
  updated_at      TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,

		`CREATE TABLE IF NOT EXISTS task_events (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id  TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  time     TIMESTAMP NOT NULL,
  level    TEXT NOT NULL CHECK (level IN ('info','warn','error')),
  message  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task_time ON task_events(task_id, time);`,

		// credentials holds at-rest encrypted secret material (BMC
		// passwords, MAAS api_key) keyed by an opaque reference a design
		// or Driver config embeds, rather than inline in tasks/designs.
		`CREATE TABLE IF NOT EXISTS credentials (
  ref          TEXT PRIMARY KEY,
  ciphertext   TEXT NOT NULL,
  updated_at   TIMESTAMP NOT NULL
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Credentials ---------------

// PutCredential upserts an encrypted credential blob under ref. Callers
// pass the already-encrypted ciphertext (internal/secret.Encryptor); the
// store never sees plaintext.
func (s *Store) PutCredential(ctx context.Context, ref, ciphertext string) error {
	const upsert = `
INSERT INTO credentials(ref, ciphertext, updated_at) VALUES(?, ?, ?)
ON CONFLICT(ref) DO UPDATE SET ciphertext=excluded.ciphertext, updated_at=excluded.updated_at;`
	_, err := s.db.ExecContext(ctx, upsert, ref, ciphertext, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential returns the stored ciphertext for ref, or ErrNotFound.
func (s *Store) GetCredential(ctx context.Context, ref string) (string, error) {
	const q = `SELECT ciphertext FROM credentials WHERE ref=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, ref).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get credential: %w", err)
	}
	return v, nil
}

// --------------- Tasks ---------------

// CreateTask inserts t as a new row. Callers (the Orchestrator) must
// have already populated ID/CorrelationID/timestamps via task.New.
func (s *Store) CreateTask(ctx context.Context, t task.Task) error {
	scopeJSON, err := json.Marshal(t.Scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}
	nodeListJSON, err := json.Marshal(t.NodeList)
	if err != nil {
		return fmt.Errorf("marshal node list: %w", err)
	}
	detailJSON, err := json.Marshal(t.ResultDetail)
	if err != nil {
		return fmt.Errorf("marshal result detail: %w", err)
	}

	const ins = `
INSERT INTO tasks (id, parent_id, action, design_ref, site_name, scope_json, node_list_json, status, result, result_detail_json, correlation_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	_, err = s.db.ExecContext(ctx, ins,
		t.ID, nullIfEmpty(t.ParentID), string(t.Action), t.DesignRef, t.SiteName,
		string(scopeJSON), string(nodeListJSON), string(t.Status), string(t.Result), string(detailJSON),
		t.CorrelationID, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	const q = `SELECT id, parent_id, action, design_ref, site_name, scope_json, node_list_json, status, result, result_detail_json, correlation_id, created_at, updated_at
FROM tasks WHERE id=?`
	return s.scanTaskRow(s.db.QueryRowContext(ctx, q, id))
}

func (s *Store) scanTaskRow(row *sql.Row) (*task.Task, error) {
	var (
		id, action, designRef, siteName, scopeJSON, nodeListJSON string
		status, result, detailJSON, correlationID                string
		parentID                                                 sql.NullString
		createdAt, updatedAt                                     time.Time
	)
	err := row.Scan(&id, &parentID, &action, &designRef, &siteName, &scopeJSON, &nodeListJSON,
		&status, &result, &detailJSON, &correlationID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	t, err := decodeTask(id, fromNullString(parentID), action, designRef, siteName, scopeJSON, nodeListJSON, status, result, detailJSON, correlationID, createdAt, updatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func decodeTask(id, parentID, action, designRef, siteName, scopeJSON, nodeListJSON, status, result, detailJSON, correlationID string, createdAt, updatedAt time.Time) (*task.Task, error) {
	var scope map[string]any
	if err := json.Unmarshal([]byte(scopeJSON), &scope); err != nil {
		return nil, fmt.Errorf("unmarshal scope: %w", err)
	}
	var nodeList []string
	if err := json.Unmarshal([]byte(nodeListJSON), &nodeList); err != nil {
		return nil, fmt.Errorf("unmarshal node list: %w", err)
	}
	var detail task.ResultDetail
	if err := json.Unmarshal([]byte(detailJSON), &detail); err != nil {
		return nil, fmt.Errorf("unmarshal result detail: %w", err)
	}

	return &task.Task{
		ID:            id,
		ParentID:      parentID,
		Action:        task.Action(action),
		DesignRef:     designRef,
		SiteName:      siteName,
		Scope:         scope,
		NodeList:      nodeList,
		Status:        task.Status(status),
		Result:        task.Result(result),
		ResultDetail:  detail,
		CorrelationID: correlationID,
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     updatedAt.UTC(),
	}, nil
}

// FieldUpdate is the set of task fields UpdateTaskFields may change in
// one atomic statement. Only non-nil fields are written.
type FieldUpdate struct {
	Status       *task.Status
	Result       *task.Result
	ResultDetail *task.ResultDetail
}

// UpdateTaskFields atomically updates a subset of a task's fields. This
// is the only write path a worker uses while running, matching the
// field-set-atomic contract every task_field_update caller relies on.
func (s *Store) UpdateTaskFields(ctx context.Context, id string, upd FieldUpdate) error {
	sets := []string{"updated_at=?"}
	args := []any{time.Now().UTC()}

	if upd.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*upd.Status))
	}
	if upd.Result != nil {
		sets = append(sets, "result=?")
		args = append(args, string(*upd.Result))
	}
	if upd.ResultDetail != nil {
		detailJSON, err := json.Marshal(*upd.ResultDetail)
		if err != nil {
			return fmt.Errorf("marshal result detail: %w", err)
		}
		sets = append(sets, "result_detail_json=?")
		args = append(args, string(detailJSON))
	}

	q := "UPDATE tasks SET "
	for i, set := range sets {
		if i > 0 {
			q += ", "
		}
		q += set
	}
	q += " WHERE id=?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update task fields: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChildren returns the subtasks of parentID ordered by creation time.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*task.Task, error) {
	const q = `SELECT id, parent_id, action, design_ref, site_name, scope_json, node_list_json, status, result, result_detail_json, correlation_id, created_at, updated_at
FROM tasks WHERE parent_id=? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var (
			id, action, designRef, siteName, scopeJSON, nodeListJSON string
			status, result, detailJSON, correlationID                string
			parentIDVal                                               sql.NullString
			createdAt, updatedAt                                     time.Time
		)
		if err := rows.Scan(&id, &parentIDVal, &action, &designRef, &siteName, &scopeJSON, &nodeListJSON,
			&status, &result, &detailJSON, &correlationID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := decodeTask(id, fromNullString(parentIDVal), action, designRef, siteName, scopeJSON, nodeListJSON, status, result, detailJSON, correlationID, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return out, nil
}

// ListPendingByAction returns Pending tasks for a given action, oldest
// first, the shape a Driver's poll loop uses to find unclaimed work.
func (s *Store) ListPendingByAction(ctx context.Context, action task.Action) ([]*task.Task, error) {
	const q = `SELECT id, parent_id, action, design_ref, site_name, scope_json, node_list_json, status, result, result_detail_json, correlation_id, created_at, updated_at
FROM tasks WHERE action=? AND status='Pending' ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, string(action))
	if err != nil {
		return nil, fmt.Errorf("list pending by action: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var (
			id, act, designRef, siteName, scopeJSON, nodeListJSON string
			status, result, detailJSON, correlationID             string
			parentIDVal                                            sql.NullString
			createdAt, updatedAt                                  time.Time
		)
		if err := rows.Scan(&id, &parentIDVal, &act, &designRef, &siteName, &scopeJSON, &nodeListJSON,
			&status, &result, &detailJSON, &correlationID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := decodeTask(id, fromNullString(parentIDVal), act, designRef, siteName, scopeJSON, nodeListJSON, status, result, detailJSON, correlationID, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending tasks: %w", err)
	}
	return out, nil
}

// ClaimTask atomically transitions a Pending task to Running, the
// leasing-equivalent step for a runtime without lease expiry: a task has
// exactly one worker for its whole lifetime (spec §5), so claiming is a
// one-way status flip rather than a renewable lease.
func (s *Store) ClaimTask(ctx context.Context, id string) (bool, error) {
	const upd = `UPDATE tasks SET status='Running', updated_at=? WHERE id=? AND status='Pending'`
	res, err := s.db.ExecContext(ctx, upd, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// --------------- Task events ---------------

// AppendTaskEvent inserts a new human-readable progress line for id.
func (s *Store) AppendTaskEvent(ctx context.Context, id, level, message string) error {
	const ins = `INSERT INTO task_events(task_id, time, level, message) VALUES(?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, ins, id, time.Now().UTC(), level, message)
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

// ListTaskEvents fetches events for id ordered by time ascending. If
// limit <= 0, returns all.
func (s *Store) ListTaskEvents(ctx context.Context, id string, limit int) ([]TaskEvent, error) {
	q := `SELECT id, task_id, time, level, message FROM task_events WHERE task_id=? ORDER BY time ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Time, &ev.Level, &ev.Message); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.Time = ev.Time.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return out, nil
}

// TaskEvent is one append-only progress line attached to a task.
type TaskEvent struct {
	ID      int64
	TaskID  string
	Time    time.Time
	Level   string
	Message string
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
