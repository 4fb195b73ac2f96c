// Package submit implements the Submitter: validates a new outbound
// message, stores its attachments, and persists the message,
// attachment, and audit_log rows in one transaction so the
// DeliveryEngine can pick the message up.
package submit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/google/uuid"

	"github.com/technobok/outbox/internal/metrics"
	"github.com/technobok/outbox/internal/queue/blobstore"
	"github.com/technobok/outbox/internal/queue/db"
	"github.com/technobok/outbox/internal/queue/queueerr"
)

var bodyTypes = map[string]bool{"plain": true, "html": true, "markdown": true}

// AttachmentInput is one attachment as received from a caller, with its
// content still base64-encoded.
type AttachmentInput struct {
	Filename      string
	ContentType   string
	ContentBase64 string
}

// Request is the input to Submit.
type Request struct {
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
	Attachments    []AttachmentInput
}

// Submitter validates and persists new messages.
type Submitter struct {
	Pool        *sqlitex.Pool
	Blobs       *blobstore.Store
	Attachments *db.AttachmentRepo
	AuditLogs   *db.AuditLogRepo
	MaxRetries  int64
}

// New builds a Submitter. pool is used for the single write transaction
// that stages a message, its attachment rows, and its audit_log row
// together.
func New(pool *sqlitex.Pool, blobs *blobstore.Store, attachments *db.AttachmentRepo, auditLogs *db.AuditLogRepo, maxRetries int64) *Submitter {
	return &Submitter{Pool: pool, Blobs: blobs, Attachments: attachments, AuditLogs: auditLogs, MaxRetries: maxRetries}
}

// Submit validates req, stages any attachment blobs, and inserts the
// message plus attachment rows in one transaction. The message is never
// visible as `queued` with a partial attachment set: on error nothing is
// persisted for it beyond blobs that may have been written (content-
// addressed, so any overlap with a later retry is cheap to reuse).
func (s *Submitter) Submit(ctx context.Context, req Request) (*db.Message, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	type stagedAttachment struct {
		filename    string
		contentType string
		size        int64
		sha256      string
		diskPath    string
	}
	staged := make([]stagedAttachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		raw, err := base64.StdEncoding.DecodeString(a.ContentBase64)
		if err != nil {
			return nil, &queueerr.ValidationError{Reason: fmt.Sprintf("invalid base64 in attachment %q", a.Filename)}
		}
		sha256, diskPath, err := s.Blobs.Put(raw)
		if err != nil {
			if tooLarge, ok := err.(*blobstore.TooLarge); ok {
				return nil, &queueerr.AttachmentTooLarge{SizeBytes: tooLarge.SizeBytes, MaxBytes: int(tooLarge.MaxBytes)}
			}
			return nil, &queueerr.Internal{Op: "store attachment blob", Cause: err}
		}
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		filename := a.Filename
		if filename == "" {
			filename = "attachment"
		}
		staged = append(staged, stagedAttachment{
			filename:    filename,
			contentType: contentType,
			size:        int64(len(raw)),
			sha256:      sha256,
			diskPath:    diskPath,
		})
	}

	conn := s.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.Pool.Put(conn)

	var txErr error
	defer sqlitex.Save(conn)(&txErr)

	deliveryType := req.DeliveryType
	if deliveryType == "" {
		deliveryType = "email"
	}

	toJSON, err := json.Marshal(req.To)
	if err != nil {
		txErr = &queueerr.Internal{Op: "marshal to_recipients", Cause: err}
		return nil, txErr
	}
	ccJSON := marshalOptional(req.Cc)
	bccJSON := marshalOptional(req.Bcc)
	now := nowRFC3339()

	stmt := conn.Prep(`INSERT INTO message
		(uuid, status, delivery_type, from_address, to_recipients, cc_recipients,
		 bcc_recipients, subject, body, body_type, retries_remaining,
		 source_app, source_api_key_id, created_at, updated_at)
		VALUES ($uuid, 'queued', $deliveryType, $fromAddress, $to, $cc, $bcc,
		 $subject, $body, $bodyType, $retriesRemaining, $sourceApp, $sourceApiKeyId,
		 $createdAt, $updatedAt);`)
	msgUUID := newUUID()
	stmt.SetText("$uuid", msgUUID)
	stmt.SetText("$deliveryType", deliveryType)
	stmt.SetText("$fromAddress", req.FromAddress)
	stmt.SetText("$to", string(toJSON))
	setOptional(stmt, "$cc", ccJSON)
	setOptional(stmt, "$bcc", bccJSON)
	stmt.SetText("$subject", req.Subject)
	stmt.SetText("$body", req.Body)
	stmt.SetText("$bodyType", req.BodyType)
	stmt.SetInt64("$retriesRemaining", s.MaxRetries)
	setOptional(stmt, "$sourceApp", req.SourceApp)
	if req.SourceAPIKeyID != 0 {
		stmt.SetInt64("$sourceApiKeyId", req.SourceAPIKeyID)
	} else {
		stmt.SetNull("$sourceApiKeyId")
	}
	stmt.SetText("$createdAt", now)
	stmt.SetText("$updatedAt", now)

	if _, err := stmt.Step(); err != nil {
		txErr = &queueerr.Internal{Op: "insert message", Cause: err}
		return nil, txErr
	}
	msgID := conn.LastInsertRowID()

	for _, a := range staged {
		ins := conn.Prep(`INSERT INTO attachment
			(message_id, filename, content_type, size_bytes, sha256, disk_path, created_at)
			VALUES ($messageId, $filename, $contentType, $sizeBytes, $sha256, $diskPath, $createdAt);`)
		ins.SetInt64("$messageId", msgID)
		ins.SetText("$filename", a.filename)
		ins.SetText("$contentType", a.contentType)
		ins.SetInt64("$sizeBytes", a.size)
		ins.SetText("$sha256", a.sha256)
		ins.SetText("$diskPath", a.diskPath)
		ins.SetText("$createdAt", now)
		if _, err := ins.Step(); err != nil {
			txErr = &queueerr.Internal{Op: "insert attachment", Cause: err}
			return nil, txErr
		}
	}

	actor := req.SourceApp
	if req.SourceAPIKeyID != 0 {
		actor = fmt.Sprintf("api_key:%d", req.SourceAPIKeyID)
	}
	audit := conn.Prep(`INSERT INTO audit_log (timestamp, actor, action, target, details)
		VALUES ($timestamp, $actor, $action, $target, $details);`)
	audit.SetText("$timestamp", now)
	setOptional(audit, "$actor", actor)
	audit.SetText("$action", "message_submitted")
	audit.SetText("$target", msgUUID)
	setOptional(audit, "$details", "")
	if _, err := audit.Step(); err != nil {
		txErr = &queueerr.Internal{Op: "append audit log", Cause: err}
		return nil, txErr
	}

	metrics.MessagesSubmitted.Inc()

	return &db.Message{
		ID:               msgID,
		UUID:             msgUUID,
		Status:           db.StatusQueued,
		DeliveryType:     deliveryType,
		FromAddress:      req.FromAddress,
		ToRecipients:     string(toJSON),
		CcRecipients:     ccJSON,
		BccRecipients:    bccJSON,
		Subject:          req.Subject,
		Body:             req.Body,
		BodyType:         req.BodyType,
		RetriesRemaining: s.MaxRetries,
		SourceApp:        req.SourceApp,
		SourceAPIKeyID:   req.SourceAPIKeyID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func validate(req Request) error {
	if req.FromAddress == "" {
		return &queueerr.ValidationError{Reason: "from_address is required"}
	}
	if len(req.To) == 0 {
		return &queueerr.ValidationError{Reason: "to must be a non-empty list of email addresses"}
	}
	if !bodyTypes[req.BodyType] {
		return &queueerr.ValidationError{Reason: "body_type must be plain, html, or markdown"}
	}
	return nil
}

func marshalOptional(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return ""
	}
	return string(b)
}

func setOptional(stmt *sqlite.Stmt, param, val string) {
	if val == "" {
		stmt.SetNull(param)
	} else {
		stmt.SetText(param, val)
	}
}

func newUUID() string { return uuid.NewString() }

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }
