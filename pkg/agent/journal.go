package agent

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"peer-sync/pkg/model"
)

const statusPending = "pending"

const journalSchema = `
CREATE TABLE IF NOT EXISTS cycles(
	id TEXT PRIMARY KEY,
	network TEXT NOT NULL,
	version INTEGER NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	started INTEGER NOT NULL,
	finished INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cycles_network ON cycles(network, started);
CREATE TABLE IF NOT EXISTS operations(
	cycle_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	public_key TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	PRIMARY KEY(cycle_id, seq)
);`

// Cycle is one journaled reconciliation.
type Cycle struct {
	ID         string
	Network    string
	Version    int64
	Status     string
	Error      string
	Operations []model.OperationRecord
	StartedAt  time.Time
	FinishedAt time.Time
}

// Journal records cycles in a local sqlite database so an operator can see
// what the agent did to an interface, including cycles cut short by a crash.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// OpenJournal opens (creating if needed) the journal at path.
func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Begin stores the cycle and its planned operations.
func (j *Journal) Begin(ctx context.Context, c Cycle) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if c.StartedAt.IsZero() {
		c.StartedAt = j.now()
	}
	if c.Status == "" {
		c.Status = statusPending
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cycles(id, network, version, status, error, started) VALUES(?,?,?,?,?,?)`,
		c.ID, c.Network, c.Version, c.Status, c.Error, c.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	for i, op := range c.Operations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO operations(cycle_id, seq, kind, public_key, detail) VALUES(?,?,?,?,?)`,
			c.ID, i, op.Kind, op.PublicKey, op.Detail)
		if err != nil {
			return fmt.Errorf("insert operation: %w", err)
		}
	}
	return tx.Commit()
}

// Finish records the outcome of a cycle.
func (j *Journal) Finish(ctx context.Context, id, status, errMsg string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE cycles SET status=?, error=?, finished=? WHERE id=?`,
		status, errMsg, j.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update cycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cycle %s not journaled", id)
	}
	return nil
}

// Recent returns the latest cycles of a network, newest first.
func (j *Journal) Recent(ctx context.Context, network string, limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, network, version, status, error, started, finished FROM cycles
		 WHERE network=? ORDER BY started DESC, rowid DESC LIMIT ?`, network, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	var out []Cycle
	for rows.Next() {
		var (
			c                 Cycle
			started, finished int64
		)
		if err := rows.Scan(&c.ID, &c.Network, &c.Version, &c.Status, &c.Error, &started, &finished); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.StartedAt = time.Unix(0, started)
		if finished > 0 {
			c.FinishedAt = time.Unix(0, finished)
		}
		out = append(out, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		ops, err := j.operations(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Operations = ops
	}
	return out, nil
}

func (j *Journal) operations(ctx context.Context, cycleID string) ([]model.OperationRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT kind, public_key, detail FROM operations WHERE cycle_id=? ORDER BY seq`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()
	var out []model.OperationRecord
	for rows.Next() {
		var op model.OperationRecord
		if err := rows.Scan(&op.Kind, &op.PublicKey, &op.Detail); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
