package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/google/uuid"

	"github.com/technobok/outbox/internal/queue/queueerr"
)

// Message statuses. The state machine is: queued -> sending -> {sent,
// failed, dead}; failed and dead both admit a manual transition back to
// queued; queued admits a manual transition to cancelled.
const (
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusDead      = "dead"
	StatusCancelled = "cancelled"
)

// Message is a row of the message table.
type Message struct {
	ID              int64
	UUID            string
	Status          string
	DeliveryType    string
	FromAddress     string
	ToRecipients    string
	CcRecipients    string
	BccRecipients   string
	Subject         string
	Body            string
	BodyType        string
	RetriesRemaining int64
	NextRetryAt     string
	LastError       string
	SourceApp       string
	SourceAPIKeyID  int64
	CreatedAt       string
	UpdatedAt       string
	SentAt          string
}

// ToList parses ToRecipients as a JSON string array, falling back to
// treating the raw column as a single address if it does not decode.
func (m *Message) ToList() []string { return recipientList(m.ToRecipients) }

// CcList parses CcRecipients the same way ToList does.
func (m *Message) CcList() []string { return recipientList(m.CcRecipients) }

// BccList parses BccRecipients the same way ToList does.
func (m *Message) BccList() []string { return recipientList(m.BccRecipients) }

func recipientList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{raw}
	}
	return out
}

// MessageRepo is the repository for the message table.
type MessageRepo struct {
	Pool *sqlitex.Pool
}

// NewMessageRepo builds a MessageRepo backed by pool.
func NewMessageRepo(pool *sqlitex.Pool) *MessageRepo {
	return &MessageRepo{Pool: pool}
}

// CreateParams collects the fields a submitter supplies; fields the store
// itself derives (UUID, status, timestamps) are not included.
type CreateParams struct {
	FromAddress    string
	To             []string
	Cc             []string
	Bcc            []string
	Subject        string
	Body           string
	BodyType       string
	DeliveryType   string
	SourceApp      string
	SourceAPIKeyID int64
	MaxRetries     int64
}

const messageColumns = `id, uuid, status, delivery_type, from_address, to_recipients,
	cc_recipients, bcc_recipients, subject, body, body_type, retries_remaining,
	next_retry_at, last_error, source_app, source_api_key_id, created_at, updated_at, sent_at`

// Create inserts a new queued message and returns the row as stored.
func (r *MessageRepo) Create(ctx context.Context, p CreateParams) (*Message, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	msgUUID := uuid.NewString()
	now := nowRFC3339()

	toJSON, err := json.Marshal(p.To)
	if err != nil {
		return nil, &queueerr.Internal{Op: "marshal to_recipients", Cause: err}
	}
	ccJSON := optionalJSON(p.Cc)
	bccJSON := optionalJSON(p.Bcc)

	stmt := conn.Prep(`INSERT INTO message
		(uuid, status, delivery_type, from_address, to_recipients, cc_recipients,
		 bcc_recipients, subject, body, body_type, retries_remaining,
		 source_app, source_api_key_id, created_at, updated_at)
		VALUES ($uuid, $status, $deliveryType, $fromAddress, $to, $cc, $bcc,
		 $subject, $body, $bodyType, $retriesRemaining, $sourceApp, $sourceApiKeyId,
		 $createdAt, $updatedAt);`)
	stmt.SetText("$uuid", msgUUID)
	stmt.SetText("$status", StatusQueued)
	stmt.SetText("$deliveryType", p.DeliveryType)
	stmt.SetText("$fromAddress", p.FromAddress)
	stmt.SetText("$to", string(toJSON))
	setOptText(stmt, "$cc", ccJSON)
	setOptText(stmt, "$bcc", bccJSON)
	stmt.SetText("$subject", p.Subject)
	stmt.SetText("$body", p.Body)
	stmt.SetText("$bodyType", p.BodyType)
	stmt.SetInt64("$retriesRemaining", p.MaxRetries)
	setOptText(stmt, "$sourceApp", p.SourceApp)
	if p.SourceAPIKeyID != 0 {
		stmt.SetInt64("$sourceApiKeyId", p.SourceAPIKeyID)
	} else {
		stmt.SetNull("$sourceApiKeyId")
	}
	stmt.SetText("$createdAt", now)
	stmt.SetText("$updatedAt", now)

	if _, err := stmt.Step(); err != nil {
		return nil, &queueerr.Internal{Op: "insert message", Cause: err}
	}

	return &Message{
		ID:               conn.LastInsertRowID(),
		UUID:             msgUUID,
		Status:           StatusQueued,
		DeliveryType:     p.DeliveryType,
		FromAddress:      p.FromAddress,
		ToRecipients:     string(toJSON),
		CcRecipients:     ccJSON,
		BccRecipients:    bccJSON,
		Subject:          p.Subject,
		Body:             p.Body,
		BodyType:         p.BodyType,
		RetriesRemaining: p.MaxRetries,
		SourceApp:        p.SourceApp,
		SourceAPIKeyID:   p.SourceAPIKeyID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// GetByUUID returns the message with the given UUID, or a *queueerr.NotFound.
func (r *MessageRepo) GetByUUID(ctx context.Context, msgUUID string) (*Message, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`SELECT ` + messageColumns + ` FROM message WHERE uuid = $uuid;`)
	stmt.SetText("$uuid", msgUUID)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, &queueerr.Internal{Op: "get message by uuid", Cause: err}
	}
	if !hasRow {
		return nil, &queueerr.NotFound{What: "message", ID: msgUUID}
	}
	return scanMessage(stmt), nil
}

// GetByID returns the message with the given row id, or a *queueerr.NotFound.
func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*Message, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`SELECT ` + messageColumns + ` FROM message WHERE id = $id;`)
	stmt.SetInt64("$id", id)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, &queueerr.Internal{Op: "get message by id", Cause: err}
	}
	if !hasRow {
		return nil, &queueerr.NotFound{What: "message", ID: fmt.Sprint(id)}
	}
	return scanMessage(stmt), nil
}

// UpdateStatus transitions a message to status, recording lastError and
// nextRetryAt (either may be empty). sent_at is stamped when status is
// "sent". retriesRemaining is persisted as given; callers decrement it
// themselves before calling this for a failed attempt.
func (r *MessageRepo) UpdateStatus(ctx context.Context, id int64, status string, retriesRemaining int64, lastError, nextRetryAt string) error {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer r.Pool.Put(conn)

	now := nowRFC3339()
	stmt := conn.Prep(`UPDATE message SET status = $status, last_error = $lastError,
		next_retry_at = $nextRetryAt, retries_remaining = $retriesRemaining,
		updated_at = $updatedAt,
		sent_at = CASE WHEN $status = 'sent' THEN $updatedAt ELSE sent_at END
		WHERE id = $id;`)
	stmt.SetText("$status", status)
	setOptText(stmt, "$lastError", lastError)
	setOptText(stmt, "$nextRetryAt", nextRetryAt)
	stmt.SetInt64("$retriesRemaining", retriesRemaining)
	stmt.SetText("$updatedAt", now)
	stmt.SetInt64("$id", id)

	if _, err := stmt.Step(); err != nil {
		return &queueerr.Internal{Op: "update message status", Cause: err}
	}
	if conn.Changes() == 0 {
		return &queueerr.NotFound{What: "message", ID: fmt.Sprint(id)}
	}
	return nil
}

// ListFilter narrows List and Count to a subset of messages.
type ListFilter struct {
	Status string
	Search string
	Limit  int64
	Offset int64
}

// List returns messages matching f, newest first.
func (r *MessageRepo) List(ctx context.Context, f ListFilter) ([]*Message, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	query := `SELECT ` + messageColumns + ` FROM message`
	var where []string
	if f.Status != "" {
		where = append(where, "status = $status")
	}
	if f.Search != "" {
		where = append(where, "(subject LIKE $term OR to_recipients LIKE $term OR from_address LIKE $term OR uuid LIKE $term)")
	}
	if len(where) > 0 {
		query += " WHERE " + joinAnd(where)
	}
	query += " ORDER BY created_at DESC LIMIT $limit OFFSET $offset;"

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	stmt := conn.Prep(query)
	if f.Status != "" {
		stmt.SetText("$status", f.Status)
	}
	if f.Search != "" {
		stmt.SetText("$term", "%"+f.Search+"%")
	}
	stmt.SetInt64("$limit", limit)
	stmt.SetInt64("$offset", f.Offset)

	var out []*Message
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, &queueerr.Internal{Op: "list messages", Cause: err}
		}
		if !hasRow {
			break
		}
		out = append(out, scanMessage(stmt))
	}
	return out, nil
}

// Count returns the number of messages with the given status, or the
// total count if status is empty.
func (r *MessageRepo) Count(ctx context.Context, status string) (int64, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer r.Pool.Put(conn)

	query := "SELECT COUNT(*) FROM message"
	if status != "" {
		query += " WHERE status = $status"
	}
	stmt := conn.Prep(query)
	if status != "" {
		stmt.SetText("$status", status)
	}
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, &queueerr.Internal{Op: "count messages", Cause: err}
	}
	if !hasRow {
		return 0, nil
	}
	return stmt.GetInt64("COUNT(*)"), nil
}

// Stats returns the message count broken down by status, plus a "total" key.
func (r *MessageRepo) Stats(ctx context.Context) (map[string]int64, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`SELECT status, COUNT(*) FROM message GROUP BY status;`)
	out := make(map[string]int64)
	var total int64
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, &queueerr.Internal{Op: "message stats", Cause: err}
		}
		if !hasRow {
			break
		}
		status := stmt.GetText("status")
		count := stmt.GetInt64("COUNT(*)")
		out[status] = count
		total += count
	}
	out["total"] = total
	return out, nil
}

// GetPendingBatch returns up to batchSize messages ready for sending:
// every queued message, plus failed messages whose next_retry_at has
// elapsed. Oldest first.
func (r *MessageRepo) GetPendingBatch(ctx context.Context, batchSize int64) ([]*Message, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	now := nowRFC3339()
	stmt := conn.Prep(`SELECT ` + messageColumns + ` FROM message
		WHERE status = 'queued'
		   OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $now)
		ORDER BY created_at ASC LIMIT $limit;`)
	stmt.SetText("$now", now)
	stmt.SetInt64("$limit", batchSize)

	var out []*Message
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, &queueerr.Internal{Op: "get pending batch", Cause: err}
		}
		if !hasRow {
			break
		}
		out = append(out, scanMessage(stmt))
	}
	return out, nil
}

// PurgeOld deletes sent, dead, and cancelled messages last updated more
// than retentionDays ago, and returns the number of rows removed.
// Attachment rows for purged messages are removed along with them via
// the attachment table's ON DELETE CASCADE; the underlying blobs are
// left in place, the blob store does its own, separate garbage
// collection.
func (r *MessageRepo) PurgeOld(ctx context.Context, retentionDays int) (int64, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer r.Pool.Put(conn)

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)
	stmt := conn.Prep(`DELETE FROM message
		WHERE status IN ('sent', 'dead', 'cancelled') AND updated_at < $cutoff;`)
	stmt.SetText("$cutoff", cutoff)
	if _, err := stmt.Step(); err != nil {
		return 0, &queueerr.Internal{Op: "purge old messages", Cause: err}
	}
	return int64(conn.Changes()), nil
}

func scanMessage(stmt *sqlite.Stmt) *Message {
	return &Message{
		ID:               stmt.GetInt64("id"),
		UUID:             stmt.GetText("uuid"),
		Status:           stmt.GetText("status"),
		DeliveryType:     stmt.GetText("delivery_type"),
		FromAddress:      stmt.GetText("from_address"),
		ToRecipients:     stmt.GetText("to_recipients"),
		CcRecipients:     stmt.GetText("cc_recipients"),
		BccRecipients:    stmt.GetText("bcc_recipients"),
		Subject:          stmt.GetText("subject"),
		Body:             stmt.GetText("body"),
		BodyType:         stmt.GetText("body_type"),
		RetriesRemaining: stmt.GetInt64("retries_remaining"),
		NextRetryAt:      stmt.GetText("next_retry_at"),
		LastError:        stmt.GetText("last_error"),
		SourceApp:        stmt.GetText("source_app"),
		SourceAPIKeyID:   stmt.GetInt64("source_api_key_id"),
		CreatedAt:        stmt.GetText("created_at"),
		UpdatedAt:        stmt.GetText("updated_at"),
		SentAt:           stmt.GetText("sent_at"),
	}
}

func optionalJSON(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return ""
	}
	return string(b)
}

func setOptText(stmt *sqlite.Stmt, param, val string) {
	if val == "" {
		stmt.SetNull(param)
	} else {
		stmt.SetText(param, val)
	}
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
