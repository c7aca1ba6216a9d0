// Package store implements the durable order, strategy-state, and account
// snapshot stores on SQLite, plus in-memory equivalents for tests.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trading_core/internal/core"
	apperrors "trading_core/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL,
	exchange TEXT NOT NULL,
	status TEXT NOT NULL,
	data TEXT NOT NULL,
	checksum BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_strategy ON orders(strategy_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS strategy_states (
	strategy_id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	checksum BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exchange TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_exchange ON account_snapshots(exchange, created_at);
`

// SQLiteStore backs all three persistence interfaces with one SQLite file.
// Rows carry a sha256 checksum over the JSON payload so corruption surfaces
// as an error instead of silently resuming from bad state.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath with WAL enabled.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveOrder upserts one order row atomically.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *core.Order) error {
	data, checksum, err := encode(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order %s: %w", o.ID, err)
	}

	query := `INSERT OR REPLACE INTO orders
		(id, strategy_id, symbol, exchange, status, data, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		o.ID, o.StrategyID, o.Symbol, o.Exchange, string(o.Status),
		data, checksum, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder loads one order, verifying its checksum.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*core.Order, error) {
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data, checksum FROM orders WHERE id = ?`, id).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to read order %s: %w", id, err)
	}

	var o core.Order
	if err := decode(data, storedChecksum, &o); err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}
	return &o, nil
}

// ListOrders returns orders matching the filter, oldest update first.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter core.OrderFilter) ([]*core.Order, error) {
	query := `SELECT data, checksum FROM orders WHERE 1=1`
	args := make([]interface{}, 0, 4)
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.StrategyID != "" {
		query += ` AND strategy_id = ?`
		args = append(args, filter.StrategyID)
	}
	if filter.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, filter.Symbol)
	}
	if filter.Exchange != "" {
		query += ` AND exchange = ?`
		args = append(args, filter.Exchange)
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		var data string
		var checksum []byte
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		var o core.Order
		if err := decode(data, checksum, &o); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// DeleteOrder removes one order row.
func (s *SQLiteStore) DeleteOrder(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete order %s: %w", id, err)
	}
	return nil
}

// SaveState replaces the snapshot for a strategy atomically.
func (s *SQLiteStore) SaveState(ctx context.Context, state *core.StrategyState) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, checksum, err := encode(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state %s: %w", state.StrategyID, err)
	}

	query := `INSERT OR REPLACE INTO strategy_states (strategy_id, data, checksum, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, state.StrategyID, data, checksum, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write state %s: %w", state.StrategyID, err)
	}

	return tx.Commit()
}

// LoadState returns the snapshot for a strategy, or nil when none was saved.
func (s *SQLiteStore) LoadState(ctx context.Context, strategyID string) (*core.StrategyState, error) {
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data, checksum FROM strategy_states WHERE strategy_id = ?`, strategyID).
		Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state %s: %w", strategyID, err)
	}

	var state core.StrategyState
	if err := decode(data, storedChecksum, &state); err != nil {
		return nil, fmt.Errorf("state %s: %w", strategyID, err)
	}
	return &state, nil
}

// DeleteState removes a strategy's snapshot.
func (s *SQLiteStore) DeleteState(ctx context.Context, strategyID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM strategy_states WHERE strategy_id = ?`, strategyID)
	if err != nil {
		return fmt.Errorf("failed to delete state %s: %w", strategyID, err)
	}
	return nil
}

// AppendSnapshot appends one account snapshot row.
func (s *SQLiteStore) AppendSnapshot(ctx context.Context, snap *core.AccountSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO account_snapshots (exchange, data, created_at) VALUES (?, ?, ?)`,
		snap.Exchange, string(data), snap.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshots for an exchange since the given time,
// newest first, up to limit.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, exchange string, since time.Time, limit int) ([]*core.AccountSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM account_snapshots WHERE exchange = ? AND created_at >= ?
		 ORDER BY created_at DESC LIMIT ?`,
		exchange, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*core.AccountSnapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		var snap core.AccountSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// encode marshals v and returns the JSON with its sha256 checksum.
func encode(v interface{}) (string, []byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	checksum := sha256.Sum256(data)
	return string(data), checksum[:], nil
}

// decode verifies the checksum before unmarshalling into v.
func decode(data string, storedChecksum []byte, v interface{}) error {
	computed := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computed) {
		return fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computed), len(storedChecksum))
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}
	return json.Unmarshal([]byte(data), v)
}
