package clusterstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// AuditLog records topology changes (server added, server dropped, pool
// membership changed) to Postgres, giving operators a durable history
// independent of any single process's in-memory registry.
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens a connection pool against dsn and ensures the audit
// table exists.
func OpenAuditLog(dsn string) (*AuditLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("clusterstore: opening audit db: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS cluster_topology_events (
	id          BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	event       TEXT NOT NULL,
	server_uuid TEXT NOT NULL,
	pool_index  INTEGER NOT NULL,
	detail      TEXT NOT NULL DEFAULT ''
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("clusterstore: creating audit table: %w", err)
	}

	return &AuditLog{db: db}, nil
}

// Record inserts one topology event row.
func (a *AuditLog) Record(ctx context.Context, event, serverUUID string, poolIndex uint16, detail string) error {
	const q = `INSERT INTO cluster_topology_events (event, server_uuid, pool_index, detail) VALUES ($1, $2, $3, $4)`
	_, err := a.db.ExecContext(ctx, q, event, serverUUID, poolIndex, detail)
	return err
}

// Event is one row read back from the audit log.
type Event struct {
	OccurredAt time.Time
	Event      string
	ServerUUID string
	PoolIndex  uint16
	Detail     string
}

// Recent returns the most recent limit events, newest first.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	const q = `SELECT occurred_at, event, server_uuid, pool_index, detail
	           FROM cluster_topology_events ORDER BY occurred_at DESC LIMIT $1`
	rows, err := a.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.OccurredAt, &e.Event, &e.ServerUUID, &e.PoolIndex, &e.Detail); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying connection pool.
func (a *AuditLog) Close() error {
	return a.db.Close()
}
