package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/dshills/agentkernel-go/kernel/event"
)

// SQLitePersistor is a SQLite-backed implementation of Persistor.
//
// It stores snapshots in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process kernels that must survive restarts
//   - Prototyping before migrating to a shared store
//
// SQLitePersistor uses WAL mode for concurrent reads and auto-creates its
// schema on first use. DLQ items survive runtime restarts when the kernel's
// snapshots (which include buffered events) go through this store.
type SQLitePersistor struct {
	db   *sql.DB
	path string
}

// NewSQLitePersistor opens (or creates) a snapshot database.
//
// The path parameter specifies the database file location:
//   - "./kernel.db" - file in current directory
//   - ":memory:"    - in-memory database (data lost on close)
//
// Example:
//
//	p, err := persist.NewSQLitePersistor("./kernel.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
func NewSQLitePersistor(path string) (*SQLitePersistor, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	p := &SQLitePersistor{db: db, path: path}
	if err := p.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return p, nil
}

func (p *SQLitePersistor) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS kernel_snapshots (
			hash   TEXT PRIMARY KEY,
			xc_id  TEXT NOT NULL,
			base   TEXT NOT NULL DEFAULT '',
			state  TEXT NOT NULL,
			events TEXT NOT NULL,
			ts     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_kernel_snapshots_xc_id
			ON kernel_snapshots(xc_id);
	`
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

// Append durably stores a snapshot. INSERT OR IGNORE makes re-appending an
// existing hash a no-op, matching the content-addressing contract.
func (p *SQLitePersistor) Append(ctx context.Context, snap Snapshot) error {
	eventsJSON, err := json.Marshal(snap.Events)
	if err != nil {
		return fmt.Errorf("marshal snapshot events: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO kernel_snapshots (hash, xc_id, base, state, events, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.Hash, snap.XCID, snap.Base, string(snap.State), string(eventsJSON), snap.TS,
	)
	if err != nil {
		return fmt.Errorf("append snapshot %s: %w", snap.Hash, err)
	}
	return nil
}

// Has reports whether a hash exists.
func (p *SQLitePersistor) Has(ctx context.Context, hash string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM kernel_snapshots WHERE hash = ?`, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query snapshot %s: %w", hash, err)
	}
	return true, nil
}

// GetByHash retrieves a stored snapshot, or ErrNotFound.
func (p *SQLitePersistor) GetByHash(ctx context.Context, hash string) (Snapshot, error) {
	var (
		snap       Snapshot
		stateJSON  string
		eventsJSON string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT hash, xc_id, base, state, events, ts
		FROM kernel_snapshots WHERE hash = ?`, hash,
	).Scan(&snap.Hash, &snap.XCID, &snap.Base, &stateJSON, &eventsJSON, &snap.TS)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", hash, err)
	}

	snap.State = json.RawMessage(stateJSON)
	if err := json.Unmarshal([]byte(eventsJSON), &snap.Events); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot events %s: %w", hash, err)
	}
	if snap.Events == nil {
		snap.Events = []event.Event{}
	}
	return snap, nil
}

// ListHashes returns hashes for one scope in append (rowid) order.
func (p *SQLitePersistor) ListHashes(ctx context.Context, scopeID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT hash FROM kernel_snapshots WHERE xc_id = ? ORDER BY rowid`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", scopeID, err)
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan snapshot hash: %w", err)
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot hashes: %w", err)
	}
	return hashes, nil
}

// Close releases the database connection.
func (p *SQLitePersistor) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection is alive.
func (p *SQLitePersistor) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Path returns the database file path this persistor was opened with.
func (p *SQLitePersistor) Path() string {
	return p.path
}
