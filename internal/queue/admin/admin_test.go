package admin_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/technobok/outbox/internal/queue/admin"
	"github.com/technobok/outbox/internal/queue/db"
	"github.com/technobok/outbox/internal/queue/queueerr"
)

func newTestOps(t *testing.T) (*admin.Ops, *db.MessageRepo) {
	t.Helper()
	dir := t.TempDir()
	pool, err := db.Open(filepath.Join(dir, "outbox.db"), 4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })

	messages := db.NewMessageRepo(pool)
	apiKeys := db.NewApiKeyRepo(pool)
	auditLogs := db.NewAuditLogRepo(pool)
	return admin.New(messages, apiKeys, auditLogs, 5), messages
}

func mustCreate(t *testing.T, messages *db.MessageRepo, maxRetries int64) *db.Message {
	t.Helper()
	m, err := messages.Create(context.Background(), db.CreateParams{
		FromAddress: "a@example.com",
		To:          []string{"b@example.com"},
		Subject:     "hi",
		Body:        "hi",
		BodyType:    "plain",
		MaxRetries:  maxRetries,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRetryResetsFailedMessage(t *testing.T) {
	ops, messages := newTestOps(t)
	m := mustCreate(t, messages, 5)

	if err := messages.UpdateStatus(context.Background(), m.ID, db.StatusFailed, 2, "boom", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}

	got, err := ops.Retry(context.Background(), "api_key:1", m.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != db.StatusQueued {
		t.Fatalf("status = %q, want queued", got.Status)
	}
	if got.RetriesRemaining != 5 {
		t.Fatalf("retries_remaining = %d, want 5 (full budget)", got.RetriesRemaining)
	}
	if got.NextRetryAt != "" {
		t.Fatalf("expected next_retry_at cleared, got %q", got.NextRetryAt)
	}
}

func TestRetryRejectsQueuedMessage(t *testing.T) {
	ops, messages := newTestOps(t)
	m := mustCreate(t, messages, 5)

	_, err := ops.Retry(context.Background(), "api_key:1", m.UUID)
	if err == nil {
		t.Fatal("expected error retrying a queued message")
	}
	if _, ok := err.(*queueerr.InvalidState); !ok {
		t.Fatalf("got %T, want *queueerr.InvalidState", err)
	}
}

func TestCancelQueuedMessage(t *testing.T) {
	ops, messages := newTestOps(t)
	m := mustCreate(t, messages, 5)

	got, err := ops.Cancel(context.Background(), "api_key:1", m.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != db.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
}

func TestCancelRejectsSentMessage(t *testing.T) {
	ops, messages := newTestOps(t)
	m := mustCreate(t, messages, 5)
	if err := messages.UpdateStatus(context.Background(), m.ID, db.StatusSent, 5, "", ""); err != nil {
		t.Fatal(err)
	}

	_, err := ops.Cancel(context.Background(), "api_key:1", m.UUID)
	if _, ok := err.(*queueerr.InvalidState); !ok {
		t.Fatalf("got %T (%v), want *queueerr.InvalidState", err, err)
	}
}

func TestAPIKeyLifecycleThroughAdmin(t *testing.T) {
	ops, _ := newTestOps(t)

	key, err := ops.GenerateAPIKey(context.Background(), "operator", "ci pipeline")
	if err != nil {
		t.Fatal(err)
	}
	if !key.Enabled {
		t.Fatal("newly generated key should be enabled")
	}

	if err := ops.DisableAPIKey(context.Background(), "operator", key.ID); err != nil {
		t.Fatal(err)
	}
	keys, err := ops.ListAPIKeys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].Enabled {
		t.Fatalf("expected exactly one disabled key, got %+v", keys)
	}

	if err := ops.EnableAPIKey(context.Background(), "operator", key.ID); err != nil {
		t.Fatal(err)
	}
	if err := ops.DeleteAPIKey(context.Background(), "operator", key.ID); err != nil {
		t.Fatal(err)
	}
	keys, err = ops.ListAPIKeys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys after delete, got %+v", keys)
	}
}
