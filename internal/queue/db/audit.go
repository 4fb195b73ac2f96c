package db

import (
	"context"
	"strconv"

	"crawshaw.io/sqlite/sqlitex"

	"github.com/technobok/outbox/internal/queue/queueerr"
)

// AuditLog is a row of the audit_log table. Nothing ever updates or
// deletes an audit_log row once written.
type AuditLog struct {
	ID        int64
	Timestamp string
	Actor     string
	Action    string
	Target    string
	Details   string
}

// AuditLogRepo is the repository for the audit_log table.
type AuditLogRepo struct {
	Pool *sqlitex.Pool
}

// NewAuditLogRepo builds an AuditLogRepo backed by pool.
func NewAuditLogRepo(pool *sqlitex.Pool) *AuditLogRepo {
	return &AuditLogRepo{Pool: pool}
}

// Append records one audit entry. actor, target, and details may be empty.
func (r *AuditLogRepo) Append(ctx context.Context, actor, action, target, details string) error {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`INSERT INTO audit_log (timestamp, actor, action, target, details)
		VALUES ($timestamp, $actor, $action, $target, $details);`)
	stmt.SetText("$timestamp", nowRFC3339())
	setOptText(stmt, "$actor", actor)
	stmt.SetText("$action", action)
	setOptText(stmt, "$target", target)
	setOptText(stmt, "$details", details)

	if _, err := stmt.Step(); err != nil {
		return &queueerr.Internal{Op: "append audit log", Cause: err}
	}
	return nil
}

// List returns the most recent audit_log entries, newest first.
func (r *AuditLogRepo) List(ctx context.Context, limit int64) ([]*AuditLog, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	if limit <= 0 {
		limit = 100
	}
	stmt := conn.Prep(`SELECT id, timestamp, actor, action, target, details
		FROM audit_log ORDER BY timestamp DESC LIMIT $limit;`)
	stmt.SetInt64("$limit", limit)

	var out []*AuditLog
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, &queueerr.Internal{Op: "list audit log", Cause: err}
		}
		if !hasRow {
			break
		}
		out = append(out, &AuditLog{
			ID:        stmt.GetInt64("id"),
			Timestamp: stmt.GetText("timestamp"),
			Actor:     stmt.GetText("actor"),
			Action:    stmt.GetText("action"),
			Target:    stmt.GetText("target"),
			Details:   stmt.GetText("details"),
		})
	}
	return out, nil
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
