package deliverer_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/technobok/outbox/internal/queue/blobstore"
	"github.com/technobok/outbox/internal/queue/db"
	"github.com/technobok/outbox/internal/queue/deliverer"
)

// fakeSender is an in-process smtpsend.Sender stub: each call to Send is
// routed through a per-test decide function, so tests can script
// success/failure sequences without a real SMTP listener.
type fakeSender struct {
	mu     sync.Mutex
	calls  int
	decide func(call int) error
}

func (f *fakeSender) Send(ctx context.Context, from string, recipients []string, msg []byte) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.decide(call)
}

func newEngineTestRepo(t *testing.T) (*db.MessageRepo, *db.AttachmentRepo, *blobstore.Store) {
	t.Helper()
	dir := t.TempDir()
	pool, err := db.Open(filepath.Join(dir, "outbox.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	return db.NewMessageRepo(pool), db.NewAttachmentRepo(pool), blobstore.New(filepath.Join(dir, "blobs"), 0)
}

func newQueuedMessage(t *testing.T, messages *db.MessageRepo, maxRetries int64) *db.Message {
	t.Helper()
	m, err := messages.Create(context.Background(), db.CreateParams{
		FromAddress: "sender@example.com",
		To:          []string{"recipient@example.com"},
		Subject:     "hi",
		Body:        "hello",
		BodyType:    "plain",
		MaxRetries:  maxRetries,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// runOneCycle runs the engine just long enough to process one pending
// batch, then shuts it down.
func runOneCycle(t *testing.T, e *deliverer.Engine) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()
	e.Wake()
	time.Sleep(100 * time.Millisecond)
	e.Shutdown()
	<-done
}

// TestEngineHappyPath covers S1: a message with no prior failures is
// sent on the first attempt and transitions straight to sent.
func TestEngineHappyPath(t *testing.T) {
	messages, attachments, blobs := newEngineTestRepo(t)
	m := newQueuedMessage(t, messages, 5)

	sender := &fakeSender{decide: func(call int) error { return nil }}
	e := deliverer.New(messages, attachments, blobs, sender, deliverer.Config{
		MaxRetries:       5,
		RetryBaseSeconds: 120,
		RetryMaxSeconds:  3600,
		BatchSize:        10,
		PollInterval:     20 * time.Millisecond,
		RetentionDays:    30,
	}, nil, nil, nil)

	runOneCycle(t, e)

	got, err := messages.GetByUUID(context.Background(), m.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != db.StatusSent {
		t.Fatalf("status = %q, want sent", got.Status)
	}
	if got.SentAt == "" {
		t.Fatal("expected sent_at to be stamped")
	}
}

// TestEngineRetryBackoff covers S2: max_retries=5, retry_base=120. The
// first failure should schedule a retry roughly retry_base seconds out,
// not retry_base*2 seconds out.
func TestEngineRetryBackoff(t *testing.T) {
	messages, attachments, blobs := newEngineTestRepo(t)
	m := newQueuedMessage(t, messages, 5)

	sender := &fakeSender{decide: func(call int) error { return fmt.Errorf("relay refused") }}
	e := deliverer.New(messages, attachments, blobs, sender, deliverer.Config{
		MaxRetries:       5,
		RetryBaseSeconds: 120,
		RetryMaxSeconds:  3600,
		BatchSize:        10,
		PollInterval:     20 * time.Millisecond,
		RetentionDays:    30,
	}, nil, nil, nil)

	runOneCycle(t, e)

	got, err := messages.GetByUUID(context.Background(), m.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != db.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.RetriesRemaining != 4 {
		t.Fatalf("retries_remaining = %d, want 4", got.RetriesRemaining)
	}

	nextRetry, err := time.Parse(time.RFC3339Nano, got.NextRetryAt)
	if err != nil {
		t.Fatalf("next_retry_at not parseable: %v", err)
	}
	delay := time.Until(nextRetry)
	if delay < 100*time.Second || delay > 140*time.Second {
		t.Fatalf("first-failure delay = %v, want ~120s", delay)
	}
}

// TestEngineDeadLetter covers S3: max_retries=2. After two consecutive
// failures the message lands in dead, not failed, and carries no
// next_retry_at.
func TestEngineDeadLetter(t *testing.T) {
	messages, attachments, blobs := newEngineTestRepo(t)
	m := newQueuedMessage(t, messages, 2)

	sender := &fakeSender{decide: func(call int) error { return fmt.Errorf("relay refused") }}
	cfg := deliverer.Config{
		MaxRetries:       2,
		RetryBaseSeconds: 1,
		RetryMaxSeconds:  60,
		BatchSize:        10,
		PollInterval:     20 * time.Millisecond,
		RetentionDays:    30,
	}

	e := deliverer.New(messages, attachments, blobs, sender, cfg, nil, nil, nil)
	runOneCycle(t, e)

	got, err := messages.GetByUUID(context.Background(), m.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != db.StatusFailed {
		t.Fatalf("after first failure status = %q, want failed", got.Status)
	}
	if got.RetriesRemaining != 1 {
		t.Fatalf("retries_remaining = %d, want 1", got.RetriesRemaining)
	}

	// force the retry to be due now and run a second cycle
	if err := messages.UpdateStatus(context.Background(), m.ID, db.StatusFailed, 1, got.LastError, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		t.Fatal(err)
	}

	e2 := deliverer.New(messages, attachments, blobs, sender, cfg, nil, nil, nil)
	runOneCycle(t, e2)

	got2, err := messages.GetByUUID(context.Background(), m.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got2.Status != db.StatusDead {
		t.Fatalf("after second failure status = %q, want dead", got2.Status)
	}
	if got2.NextRetryAt != "" {
		t.Fatalf("dead message must not carry next_retry_at, got %q", got2.NextRetryAt)
	}
}

// TestEngineRequeuedDeadMessageSucceeds covers the deliverer side of S5:
// once an admin resets a dead message back to queued, the engine treats
// it like any other queued message.
func TestEngineRequeuedDeadMessageSucceeds(t *testing.T) {
	messages, attachments, blobs := newEngineTestRepo(t)
	m := newQueuedMessage(t, messages, 5)

	if err := messages.UpdateStatus(context.Background(), m.ID, db.StatusDead, 0, "relay refused", ""); err != nil {
		t.Fatal(err)
	}
	if err := messages.UpdateStatus(context.Background(), m.ID, db.StatusQueued, 5, "", ""); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{decide: func(call int) error { return nil }}
	e := deliverer.New(messages, attachments, blobs, sender, deliverer.Config{
		MaxRetries:       5,
		RetryBaseSeconds: 120,
		RetryMaxSeconds:  3600,
		BatchSize:        10,
		PollInterval:     20 * time.Millisecond,
		RetentionDays:    30,
	}, nil, nil, nil)

	runOneCycle(t, e)

	got, err := messages.GetByUUID(context.Background(), m.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != db.StatusSent {
		t.Fatalf("status = %q, want sent", got.Status)
	}
}

// TestEngineOnResultCallback confirms the engine reports terminal
// statuses to the metrics hook exactly once per message.
func TestEngineOnResultCallback(t *testing.T) {
	messages, attachments, blobs := newEngineTestRepo(t)
	newQueuedMessage(t, messages, 5)

	var mu sync.Mutex
	var results []string
	onResult := func(status string) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, status)
	}

	sender := &fakeSender{decide: func(call int) error { return nil }}
	e := deliverer.New(messages, attachments, blobs, sender, deliverer.Config{
		MaxRetries:       5,
		RetryBaseSeconds: 120,
		RetryMaxSeconds:  3600,
		BatchSize:        10,
		PollInterval:     20 * time.Millisecond,
		RetentionDays:    30,
	}, nil, onResult, nil)

	runOneCycle(t, e)

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 || results[0] != db.StatusSent {
		t.Fatalf("results = %v, want [sent]", results)
	}
}

// TestEngineOnQueueDepthCallback confirms the engine reports the
// remaining queued+failed count once per poll cycle.
func TestEngineOnQueueDepthCallback(t *testing.T) {
	messages, attachments, blobs := newEngineTestRepo(t)
	newQueuedMessage(t, messages, 5)
	newQueuedMessage(t, messages, 5)

	var mu sync.Mutex
	var depths []int64
	onQueueDepth := func(depth int64) {
		mu.Lock()
		defer mu.Unlock()
		depths = append(depths, depth)
	}

	sender := &fakeSender{decide: func(call int) error { return fmt.Errorf("relay refused") }}
	e := deliverer.New(messages, attachments, blobs, sender, deliverer.Config{
		MaxRetries:       5,
		RetryBaseSeconds: 120,
		RetryMaxSeconds:  3600,
		BatchSize:        10,
		PollInterval:     20 * time.Millisecond,
		RetentionDays:    30,
	}, nil, nil, onQueueDepth)

	runOneCycle(t, e)

	mu.Lock()
	defer mu.Unlock()
	if len(depths) == 0 {
		t.Fatal("expected at least one queue depth report")
	}
	if depths[0] != 2 {
		t.Fatalf("first reported depth = %d, want 2 (both messages now failed, pending retry)", depths[0])
	}
}
