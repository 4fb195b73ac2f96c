package db

import (
	"context"
	"crypto/rand"
	"encoding/base64"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/technobok/outbox/internal/queue/queueerr"
)

// ApiKey is a row of the api_key table.
type ApiKey struct {
	ID          int64
	Key         string
	Description string
	Enabled     bool
	CreatedAt   string
	LastUsedAt  string
}

// ApiKeyRepo is the repository for the api_key table.
type ApiKeyRepo struct {
	Pool *sqlitex.Pool
}

// NewApiKeyRepo builds an ApiKeyRepo backed by pool.
func NewApiKeyRepo(pool *sqlitex.Pool) *ApiKeyRepo {
	return &ApiKeyRepo{Pool: pool}
}

const apiKeyColumns = `id, key, description, enabled, created_at, last_used_at`

// Generate creates a new, enabled API key with a random token prefixed
// "ob_", suitable for returning to the caller exactly once.
func (r *ApiKeyRepo) Generate(ctx context.Context, description string) (*ApiKey, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, &queueerr.Internal{Op: "generate api key", Cause: err}
	}
	key := "ob_" + base64.RawURLEncoding.EncodeToString(raw)
	now := nowRFC3339()

	stmt := conn.Prep(`INSERT INTO api_key (key, description, enabled, created_at)
		VALUES ($key, $description, 1, $createdAt);`)
	stmt.SetText("$key", key)
	stmt.SetText("$description", description)
	stmt.SetText("$createdAt", now)
	if _, err := stmt.Step(); err != nil {
		return nil, &queueerr.Internal{Op: "insert api key", Cause: err}
	}

	return &ApiKey{
		ID:          conn.LastInsertRowID(),
		Key:         key,
		Description: description,
		Enabled:     true,
		CreatedAt:   now,
	}, nil
}

// Verify looks up an enabled key matching raw and stamps last_used_at.
// It returns a *queueerr.AuthError if the key is missing or disabled,
// and a *queueerr.Internal if the lookup or the last_used_at update
// fails; callers should not distinguish these cases to a requester.
func (r *ApiKeyRepo) Verify(ctx context.Context, raw string) (*ApiKey, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`SELECT ` + apiKeyColumns + ` FROM api_key WHERE key = $key AND enabled = 1;`)
	stmt.SetText("$key", raw)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, &queueerr.Internal{Op: "verify api key", Cause: err}
	}
	if !hasRow {
		return nil, &queueerr.AuthError{Reason: "invalid or disabled api key"}
	}
	key := scanAPIKey(stmt)

	now := nowRFC3339()
	update := conn.Prep(`UPDATE api_key SET last_used_at = $now WHERE id = $id;`)
	update.SetText("$now", now)
	update.SetInt64("$id", key.ID)
	if _, err := update.Step(); err != nil {
		return nil, &queueerr.Internal{Op: "stamp api key last_used_at", Cause: err}
	}
	key.LastUsedAt = now
	return key, nil
}

// Get returns the API key with the given row id.
func (r *ApiKeyRepo) Get(ctx context.Context, id int64) (*ApiKey, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`SELECT ` + apiKeyColumns + ` FROM api_key WHERE id = $id;`)
	stmt.SetInt64("$id", id)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, &queueerr.Internal{Op: "get api key", Cause: err}
	}
	if !hasRow {
		return nil, &queueerr.NotFound{What: "api_key", ID: idString(id)}
	}
	return scanAPIKey(stmt), nil
}

// GetAll returns every API key, newest first.
func (r *ApiKeyRepo) GetAll(ctx context.Context) ([]*ApiKey, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`SELECT ` + apiKeyColumns + ` FROM api_key ORDER BY created_at DESC;`)
	var out []*ApiKey
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, &queueerr.Internal{Op: "list api keys", Cause: err}
		}
		if !hasRow {
			break
		}
		out = append(out, scanAPIKey(stmt))
	}
	return out, nil
}

// SetEnabled flips the enabled flag for id.
func (r *ApiKeyRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`UPDATE api_key SET enabled = $enabled WHERE id = $id;`)
	stmt.SetBool("$enabled", enabled)
	stmt.SetInt64("$id", id)
	if _, err := stmt.Step(); err != nil {
		return &queueerr.Internal{Op: "set api key enabled", Cause: err}
	}
	if conn.Changes() == 0 {
		return &queueerr.NotFound{What: "api_key", ID: idString(id)}
	}
	return nil
}

// Delete removes the API key with the given row id.
func (r *ApiKeyRepo) Delete(ctx context.Context, id int64) error {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`DELETE FROM api_key WHERE id = $id;`)
	stmt.SetInt64("$id", id)
	if _, err := stmt.Step(); err != nil {
		return &queueerr.Internal{Op: "delete api key", Cause: err}
	}
	if conn.Changes() == 0 {
		return &queueerr.NotFound{What: "api_key", ID: idString(id)}
	}
	return nil
}

func scanAPIKey(stmt *sqlite.Stmt) *ApiKey {
	return &ApiKey{
		ID:          stmt.GetInt64("id"),
		Key:         stmt.GetText("key"),
		Description: stmt.GetText("description"),
		Enabled:     stmt.GetInt64("enabled") != 0,
		CreatedAt:   stmt.GetText("created_at"),
		LastUsedAt:  stmt.GetText("last_used_at"),
	}
}
