package submit_test

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/technobok/outbox/internal/queue/blobstore"
	"github.com/technobok/outbox/internal/queue/db"
	"github.com/technobok/outbox/internal/queue/queueerr"
	"github.com/technobok/outbox/internal/queue/submit"
)

func newSubmitter(t *testing.T) (*submit.Submitter, *db.MessageRepo) {
	t.Helper()
	dir := t.TempDir()
	pool, err := db.Open(filepath.Join(dir, "outbox.db"), 4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })

	blobs := blobstore.New(filepath.Join(dir, "blobs"), 0)
	attachments := db.NewAttachmentRepo(pool)
	auditLogs := db.NewAuditLogRepo(pool)
	return submit.New(pool, blobs, attachments, auditLogs, 5), db.NewMessageRepo(pool)
}

func TestSubmitHappyPath(t *testing.T) {
	s, messages := newSubmitter(t)
	ctx := context.Background()

	m, err := s.Submit(ctx, submit.Request{
		FromAddress: "alice@example.com",
		To:          []string{"bob@example.com"},
		Subject:     "hi",
		Body:        "hello",
		BodyType:    "plain",
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != db.StatusQueued {
		t.Errorf("status = %q, want queued", m.Status)
	}

	got, err := messages.GetByUUID(ctx, m.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Subject != "hi" {
		t.Errorf("subject = %q", got.Subject)
	}
}

func TestSubmitAppendsAuditLog(t *testing.T) {
	s, _ := newSubmitter(t)
	ctx := context.Background()

	m, err := s.Submit(ctx, submit.Request{
		FromAddress: "alice@example.com",
		To:          []string{"bob@example.com"},
		Subject:     "hi",
		Body:        "hello",
		BodyType:    "plain",
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := db.NewAuditLogRepo(s.Pool).List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit log entries = %d, want 1", len(entries))
	}
	if entries[0].Action != "message_submitted" {
		t.Errorf("action = %q, want message_submitted", entries[0].Action)
	}
	if entries[0].Target != m.UUID {
		t.Errorf("target = %q, want %q", entries[0].Target, m.UUID)
	}
}

func TestSubmitValidation(t *testing.T) {
	s, _ := newSubmitter(t)
	ctx := context.Background()

	cases := []submit.Request{
		{To: []string{"b@example.com"}, BodyType: "plain"},
		{FromAddress: "a@example.com", BodyType: "plain"},
		{FromAddress: "a@example.com", To: []string{"b@example.com"}, BodyType: "bogus"},
	}
	for i, req := range cases {
		if _, err := s.Submit(ctx, req); err == nil {
			t.Errorf("case %d: expected validation error", i)
		} else if _, ok := err.(*queueerr.ValidationError); !ok {
			t.Errorf("case %d: err type = %T, want *queueerr.ValidationError", i, err)
		}
	}
}

func TestSubmitWithAttachment(t *testing.T) {
	s, messages := newSubmitter(t)
	ctx := context.Background()

	content := base64.StdEncoding.EncodeToString([]byte("file contents"))
	m, err := s.Submit(ctx, submit.Request{
		FromAddress: "a@example.com",
		To:          []string{"b@example.com"},
		BodyType:    "plain",
		Attachments: []submit.AttachmentInput{
			{Filename: "note.txt", ContentType: "text/plain", ContentBase64: content},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	attachments := db.NewAttachmentRepo(s.Pool)
	list, err := attachments.GetForMessage(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Filename != "note.txt" {
		t.Fatalf("attachments = %+v", list)
	}

	batch, err := messages.GetPendingBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 {
		t.Fatalf("pending batch = %d, want 1 (attachment must be visible before message is queued)", len(batch))
	}
}

func TestSubmitBadAttachmentBase64(t *testing.T) {
	s, _ := newSubmitter(t)
	ctx := context.Background()

	_, err := s.Submit(ctx, submit.Request{
		FromAddress: "a@example.com",
		To:          []string{"b@example.com"},
		BodyType:    "plain",
		Attachments: []submit.AttachmentInput{
			{Filename: "bad.txt", ContentBase64: "not-valid-base64!!"},
		},
	})
	if err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestSubmitAttachmentTooLarge(t *testing.T) {
	dir := t.TempDir()
	pool, err := db.Open(filepath.Join(dir, "outbox.db"), 4)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	blobs := blobstore.New(filepath.Join(dir, "blobs"), 4)
	s := submit.New(pool, blobs, db.NewAttachmentRepo(pool), db.NewAuditLogRepo(pool), 5)

	content := base64.StdEncoding.EncodeToString([]byte("way too big for the limit"))
	_, err = s.Submit(context.Background(), submit.Request{
		FromAddress: "a@example.com",
		To:          []string{"b@example.com"},
		BodyType:    "plain",
		Attachments: []submit.AttachmentInput{
			{Filename: "big.bin", ContentBase64: content},
		},
	})
	if err == nil {
		t.Fatal("expected error for oversized attachment")
	}
	if _, ok := err.(*queueerr.AttachmentTooLarge); !ok {
		t.Errorf("err type = %T, want *queueerr.AttachmentTooLarge", err)
	}
}
