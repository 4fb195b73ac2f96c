// Package db implements the Store: connection lifecycle, schema, and the
// repositories (Message, Attachment, ApiKey, AuditLog, AppSetting) that sit
// directly on top of the queue's SQLite database.
package db

import (
	"context"
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS message (
	id                 INTEGER PRIMARY KEY,
	uuid               TEXT NOT NULL UNIQUE,
	status             TEXT NOT NULL,
	delivery_type      TEXT NOT NULL,
	from_address       TEXT NOT NULL,
	to_recipients      TEXT NOT NULL,
	cc_recipients      TEXT,
	bcc_recipients     TEXT,
	subject            TEXT NOT NULL,
	body               TEXT NOT NULL,
	body_type          TEXT NOT NULL,
	retries_remaining  INTEGER NOT NULL,
	next_retry_at      TEXT,
	last_error         TEXT,
	source_app         TEXT,
	source_api_key_id  INTEGER,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	sent_at            TEXT
);
CREATE INDEX IF NOT EXISTS message_status_idx ON message(status);
CREATE INDEX IF NOT EXISTS message_created_at_idx ON message(created_at);

CREATE TABLE IF NOT EXISTS attachment (
	id            INTEGER PRIMARY KEY,
	message_id    INTEGER NOT NULL,
	filename      TEXT NOT NULL,
	content_type  TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL,
	sha256        TEXT NOT NULL,
	disk_path     TEXT NOT NULL,
	created_at    TEXT NOT NULL,

	FOREIGN KEY(message_id) REFERENCES message(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS attachment_message_id_idx ON attachment(message_id);
CREATE INDEX IF NOT EXISTS attachment_sha256_idx ON attachment(sha256);

CREATE TABLE IF NOT EXISTS api_key (
	id            INTEGER PRIMARY KEY,
	key           TEXT NOT NULL UNIQUE,
	description   TEXT NOT NULL,
	enabled       BOOLEAN NOT NULL,
	created_at    TEXT NOT NULL,
	last_used_at  TEXT
);

CREATE TABLE IF NOT EXISTS app_setting (
	key          TEXT PRIMARY KEY,
	value        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT ''
);

-- audit_log is append-only: no UPDATE or DELETE statement touches it
-- anywhere in this codebase.
CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY,
	timestamp   TEXT NOT NULL,
	actor       TEXT,
	action      TEXT NOT NULL,
	target      TEXT,
	details     TEXT
);
CREATE INDEX IF NOT EXISTS audit_log_timestamp_idx ON audit_log(timestamp);
`

// Open creates (if necessary) and opens the queue database at dbfile,
// returning a connection pool. The HTTP API opens it with a pool sized
// for concurrent request handlers; the DeliveryEngine opens it with
// poolSize 1 for its dedicated polling connection.
func Open(dbfile string, poolSize int) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("db.Open: init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("db.Open: init close: %v", err)
	}

	pool, err := sqlitex.Open(dbfile, 0, poolSize)
	if err != nil {
		return nil, fmt.Errorf("db.Open: pool: %v", err)
	}

	// foreign_keys is a per-connection setting: enable it on every pooled
	// connection, not only on the one Init ran on.
	conns := make([]*sqlite.Conn, 0, poolSize)
	for i := 0; i < poolSize && err == nil; i++ {
		c := pool.Get(context.Background())
		conns = append(conns, c)
		err = sqlitex.ExecTransient(c, "PRAGMA foreign_keys=ON;", nil)
	}
	for _, c := range conns {
		pool.Put(c)
	}
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("db.Open: pool pragmas: %v", err)
	}
	return pool, nil
}

// Init applies pragmas and creates the schema on conn. It is safe to call
// repeatedly; every statement is idempotent.
func Init(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA foreign_keys=ON;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA busy_timeout=5000;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return nil
}
