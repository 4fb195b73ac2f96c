package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"crawshaw.io/sqlite/sqlitex"

	"github.com/technobok/outbox/internal/queue/queueerr"
)

// AppSettingRepo is the repository for the app_setting key-value table.
type AppSettingRepo struct {
	Pool *sqlitex.Pool
}

// NewAppSettingRepo builds an AppSettingRepo backed by pool.
func NewAppSettingRepo(pool *sqlitex.Pool) *AppSettingRepo {
	return &AppSettingRepo{Pool: pool}
}

// Get returns the value stored under key, or "", false if unset.
func (r *AppSettingRepo) Get(ctx context.Context, key string) (string, bool, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return "", false, context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`SELECT value FROM app_setting WHERE key = $key;`)
	stmt.SetText("$key", key)
	hasRow, err := stmt.Step()
	if err != nil {
		return "", false, &queueerr.Internal{Op: "get app setting", Cause: err}
	}
	if !hasRow {
		return "", false, nil
	}
	return stmt.GetText("value"), true, nil
}

// Set creates or updates the value stored under key. An empty
// description leaves an existing description untouched.
func (r *AppSettingRepo) Set(ctx context.Context, key, value, description string) error {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer r.Pool.Put(conn)

	query := `INSERT INTO app_setting (key, value, description) VALUES ($key, $value, $description)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if description != "" {
		query += `, description = excluded.description`
	}
	query += `;`

	stmt := conn.Prep(query)
	stmt.SetText("$key", key)
	stmt.SetText("$value", value)
	stmt.SetText("$description", description)
	if _, err := stmt.Step(); err != nil {
		return &queueerr.Internal{Op: "set app setting", Cause: err}
	}
	return nil
}

// InstanceID returns this queue's stable instance identifier, minting and
// persisting one under the "instance_id" key on first call.
func (r *AppSettingRepo) InstanceID(ctx context.Context) (string, error) {
	id, ok, err := r.Get(ctx, "instance_id")
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	id = newRandomID()
	if err := r.Set(ctx, "instance_id", id, "stable identifier for this outbox instance"); err != nil {
		return "", err
	}
	return id, nil
}

func newRandomID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
