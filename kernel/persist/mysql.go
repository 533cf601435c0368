package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dshills/agentkernel-go/kernel/event"
)

// MySQLPersistor is a MySQL/MariaDB implementation of Persistor.
//
// Designed for:
//   - Production kernels requiring shared durable snapshots
//   - Multiple processes resuming each other's sessions
//   - Audit trails over pause/resume history
//
// MySQLPersistor uses connection pooling; Append is idempotent on hash via
// INSERT IGNORE, matching the content-addressing contract.
type MySQLPersistor struct {
	db *sql.DB
}

// NewMySQLPersistor creates a MySQL-backed snapshot store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	if dsn == "" {
//	    log.Fatal("MYSQL_DSN environment variable not set")
//	}
//	p, err := persist.NewMySQLPersistor(dsn)
func NewMySQLPersistor(dsn string) (*MySQLPersistor, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	p := &MySQLPersistor{db: db}
	if err := p.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return p, nil
}

func (p *MySQLPersistor) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS kernel_snapshots (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			hash VARCHAR(128) NOT NULL,
			xc_id VARCHAR(255) NOT NULL,
			base VARCHAR(128) NOT NULL DEFAULT '',
			state LONGTEXT NOT NULL,
			events LONGTEXT NOT NULL,
			ts BIGINT NOT NULL,
			UNIQUE KEY uk_kernel_snapshots_hash (hash),
			KEY idx_kernel_snapshots_xc_id (xc_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

// Append durably stores a snapshot. Duplicate hashes are ignored.
func (p *MySQLPersistor) Append(ctx context.Context, snap Snapshot) error {
	eventsJSON, err := json.Marshal(snap.Events)
	if err != nil {
		return fmt.Errorf("marshal snapshot events: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT IGNORE INTO kernel_snapshots (hash, xc_id, base, state, events, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.Hash, snap.XCID, snap.Base, string(snap.State), string(eventsJSON), snap.TS,
	)
	if err != nil {
		return fmt.Errorf("append snapshot %s: %w", snap.Hash, err)
	}
	return nil
}

// Has reports whether a hash exists.
func (p *MySQLPersistor) Has(ctx context.Context, hash string) (bool, error) {
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
func (p *MySQLPersistor) GetByHash(ctx context.Context, hash string) (Snapshot, error) {
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

// ListHashes returns hashes for one scope in insertion order.
func (p *MySQLPersistor) ListHashes(ctx context.Context, scopeID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT hash FROM kernel_snapshots WHERE xc_id = ? ORDER BY id`, scopeID)
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

// Close releases the connection pool.
func (p *MySQLPersistor) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection is alive.
func (p *MySQLPersistor) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
