// Package sqlitestore persists conversation contexts in a SQLite database,
// surviving process restarts. It satisfies the same store contract as the
// in-memory implementation: per-context appends are linearized and reads
// return isolated copies.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nzrlabs/mcpd/core/contextstore"
	"github.com/nzrlabs/mcpd/core/mcp"
)

const schema = `
CREATE TABLE IF NOT EXISTS contexts (
    id         TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    context_id TEXT    NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    input      TEXT    NOT NULL,
    output     TEXT    NOT NULL,
    ts         INTEGER NOT NULL,
    success    INTEGER NOT NULL,
    PRIMARY KEY (context_id, seq)
);`

var _ contextstore.Store = (*Store)(nil)

// Store persists contexts to a SQLite database.
type Store struct {
	db       *sql.DB
	created  atomic.Int64
	accessed atomic.Int64
	evicted  atomic.Int64

	now func() time.Time
}

// New opens or creates the database at path and ensures the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// A single writer keeps appends per context linearized without
	// SQLITE_BUSY surprises.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Get(ctx context.Context, id string) (*mcp.Context, error) {
	conv, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	s.accessed.Add(1)
	return conv, nil
}

func (s *Store) Create(ctx context.Context) (*mcp.Context, error) {
	return s.CreateWithID(ctx, mcp.NewContextID())
}

// CreateWithID creates a context under the caller-chosen id. An existing
// context is returned unchanged.
func (s *Store) CreateWithID(ctx context.Context, id string) (*mcp.Context, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO contexts (id, created_at, updated_at) VALUES (?, ?, ?)`,
		id, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, unavailable("create context", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.created.Add(1)
	}
	return s.load(ctx, s.db, id)
}

func (s *Store) AppendTurn(ctx context.Context, id string, turn mcp.Turn) (*mcp.Context, error) {
	input, err := json.Marshal(turn.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal turn input: %w", err)
	}
	output, err := json.Marshal(turn.Output)
	if err != nil {
		return nil, fmt.Errorf("marshal turn output: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM contexts WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, unavailable("check context", err)
	}
	if exists == 0 {
		return nil, contextstore.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (context_id, seq, input, output, ts, success)
         SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ? FROM turns WHERE context_id = ?`,
		id, string(input), string(output), turn.Timestamp.UnixNano(), turn.Success, id); err != nil {
		return nil, unavailable("insert turn", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE contexts SET updated_at = ? WHERE id = ?`, s.now().UnixNano(), id); err != nil {
		return nil, unavailable("touch context", err)
	}
	conv, err := s.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit append", err)
	}
	return conv, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	// One transaction so a crash cannot leave orphan turn rows behind
	// (cascade deletes need a pragma SQLite does not enable by default).
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM contexts WHERE id = ?`, id)
	if err != nil {
		return unavailable("delete context", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("delete context", err)
	}
	if n == 0 {
		return contextstore.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE context_id = ?`, id); err != nil {
		return unavailable("delete turns", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit delete", err)
	}
	return nil
}

func (s *Store) EvictOlderThan(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl).UnixNano()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM turns WHERE context_id IN (SELECT id FROM contexts WHERE updated_at < ?)`, cutoff); err != nil {
		return 0, unavailable("evict turns", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, unavailable("evict contexts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("evict contexts", err)
	}
	s.evicted.Add(n)
	return int(n), nil
}

func (s *Store) Close() error { return s.db.Close() }

// Stats reports store counters since process start.
func (s *Store) Stats() contextstore.Stats {
	var active int64
	_ = s.db.QueryRow(`SELECT COUNT(1) FROM contexts`).Scan(&active)
	return contextstore.Stats{
		Created:  s.created.Load(),
		Accessed: s.accessed.Load(),
		Evicted:  s.evicted.Load(),
		Active:   active,
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) load(ctx context.Context, q querier, id string) (*mcp.Context, error) {
	var createdAt, updatedAt int64
	err := q.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM contexts WHERE id = ?`, id).Scan(&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contextstore.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("load context", err)
	}
	conv := &mcp.Context{
		ID:        id,
		CreatedAt: time.Unix(0, createdAt),
		UpdatedAt: time.Unix(0, updatedAt),
	}

	rows, err := q.QueryContext(ctx,
		`SELECT input, output, ts, success FROM turns WHERE context_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, unavailable("load turns", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var input, output string
		var ts int64
		var success bool
		if err := rows.Scan(&input, &output, &ts, &success); err != nil {
			return nil, unavailable("scan turn", err)
		}
		turn := mcp.Turn{Timestamp: time.Unix(0, ts), Success: success}
		if err := json.Unmarshal([]byte(input), &turn.Input); err != nil {
			return nil, fmt.Errorf("unmarshal turn input: %w", err)
		}
		if err := json.Unmarshal([]byte(output), &turn.Output); err != nil {
			return nil, fmt.Errorf("unmarshal turn output: %w", err)
		}
		conv.History = append(conv.History, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate turns", err)
	}
	return conv, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, contextstore.ErrUnavailable)
}
