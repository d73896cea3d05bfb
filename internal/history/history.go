// Package history is an append-only, best-effort audit trail of machine
// and job lifecycle transitions, grounded on
// _examples/RevCBH-choo/internal/daemon/db/{db,events}.go. It is never
// consulted by internal/fleet to make scheduling decisions: Log is a
// side channel for operators, read back through Transitions, not
// persistent scheduling state. No CLI command reads it.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forrest-runner/forrest/internal/events"
	"github.com/forrest-runner/forrest/internal/triplet"
)

// Log wraps the SQLite connection backing the audit trail.
type Log struct {
	conn *sql.DB
}

// Open creates or opens a SQLite database at path, enabling WAL mode and
// running migrations.
func Open(path string) (*Log, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: enable WAL mode: %w", err)
	}

	l := &Log{conn: conn}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: run migrations: %w", err)
	}

	return l, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.conn.Close()
}

func (l *Log) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS transitions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    owner        TEXT NOT NULL,
    repository   TEXT NOT NULL,
    machine_name TEXT NOT NULL,
    runner_name  TEXT,
    event_type   TEXT NOT NULL,
    from_state   TEXT,
    error        TEXT,
    payload_json TEXT,
    created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_triplet
    ON transitions(owner, repository, machine_name);
`
	_, err := l.conn.Exec(schema)
	return err
}

// Record appends one event as a row. Errors are the caller's to decide
// how to handle; Subscribe below treats them as best-effort and logs
// rather than propagates, since a lost audit row must never affect
// scheduling.
func (l *Log) Record(e events.Event) error {
	var payloadJSON *string
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("history: serialize payload: %w", err)
		}
		s := string(b)
		payloadJSON = &s
	}

	const query = `
		INSERT INTO transitions (owner, repository, machine_name, runner_name, event_type, from_state, error, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.conn.Exec(query,
		e.Triplet.Owner, e.Triplet.Repository, e.Triplet.MachineName,
		e.RunnerName, string(e.Type), e.From, e.Error, payloadJSON, e.Time)
	return err
}

// Subscribe consumes bus until it is closed, recording every event on a
// best-effort basis. Intended to be launched with `go history.Subscribe(...)`.
func (l *Log) Subscribe(bus *events.Bus) {
	for e := range bus.Subscribe() {
		if err := l.Record(e); err != nil {
			log.Printf("history: failed to record event %s: %v", e.Type, err)
		}
	}
}

// Transition is one row of the audit trail, as returned by Transitions.
type Transition struct {
	ID         int64
	RunnerName string
	EventType  string
	FromState  string
	Error      string
	Payload    string
	CreatedAt  time.Time
}

// Transitions returns the most recent transitions for t, newest first,
// bounded by limit.
func (l *Log) Transitions(t triplet.Triplet, limit int) ([]Transition, error) {
	const query = `
		SELECT id, runner_name, event_type, from_state, error, payload_json, created_at
		FROM transitions
		WHERE owner = ? AND repository = ? AND machine_name = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := l.conn.Query(query, t.Owner, t.Repository, t.MachineName, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var runnerName, fromState, errMsg, payload sql.NullString
		if err := rows.Scan(&tr.ID, &runnerName, &tr.EventType, &fromState, &errMsg, &payload, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan transition: %w", err)
		}
		tr.RunnerName = runnerName.String
		tr.FromState = fromState.String
		tr.Error = errMsg.String
		tr.Payload = payload.String
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate transitions: %w", err)
	}

	return out, nil
}
