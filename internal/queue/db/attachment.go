package db

import (
	"context"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/technobok/outbox/internal/queue/queueerr"
)

// Attachment is a row of the attachment table. disk_path is the
// absolute path to the stored blob, as produced by blobstore.Put.
type Attachment struct {
	ID          int64
	MessageID   int64
	Filename    string
	ContentType string
	SizeBytes   int64
	SHA256      string
	DiskPath    string
	CreatedAt   string
}

// AttachmentRepo is the repository for the attachment table.
type AttachmentRepo struct {
	Pool *sqlitex.Pool
}

// NewAttachmentRepo builds an AttachmentRepo backed by pool.
func NewAttachmentRepo(pool *sqlitex.Pool) *AttachmentRepo {
	return &AttachmentRepo{Pool: pool}
}

const attachmentColumns = `id, message_id, filename, content_type, size_bytes, sha256, disk_path, created_at`

// Create inserts an attachment row for an already-staged blob.
func (r *AttachmentRepo) Create(ctx context.Context, messageID int64, filename, contentType string, sizeBytes int64, sha256, diskPath string) (*Attachment, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	now := nowRFC3339()
	stmt := conn.Prep(`INSERT INTO attachment
		(message_id, filename, content_type, size_bytes, sha256, disk_path, created_at)
		VALUES ($messageId, $filename, $contentType, $sizeBytes, $sha256, $diskPath, $createdAt);`)
	stmt.SetInt64("$messageId", messageID)
	stmt.SetText("$filename", filename)
	stmt.SetText("$contentType", contentType)
	stmt.SetInt64("$sizeBytes", sizeBytes)
	stmt.SetText("$sha256", sha256)
	stmt.SetText("$diskPath", diskPath)
	stmt.SetText("$createdAt", now)

	if _, err := stmt.Step(); err != nil {
		return nil, &queueerr.Internal{Op: "insert attachment", Cause: err}
	}

	return &Attachment{
		ID:          conn.LastInsertRowID(),
		MessageID:   messageID,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   sizeBytes,
		SHA256:      sha256,
		DiskPath:    diskPath,
		CreatedAt:   now,
	}, nil
}

// GetForMessage returns every attachment belonging to messageID, in
// insertion order.
func (r *AttachmentRepo) GetForMessage(ctx context.Context, messageID int64) ([]*Attachment, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`SELECT ` + attachmentColumns + ` FROM attachment WHERE message_id = $messageId ORDER BY id;`)
	stmt.SetInt64("$messageId", messageID)

	var out []*Attachment
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, &queueerr.Internal{Op: "get attachments for message", Cause: err}
		}
		if !hasRow {
			break
		}
		out = append(out, scanAttachment(stmt))
	}
	return out, nil
}

// FindBySHA256 returns the first attachment stored under the given
// content hash, so a submitter can reuse its disk_path instead of
// writing the blob again.
func (r *AttachmentRepo) FindBySHA256(ctx context.Context, sha256 string) (*Attachment, error) {
	conn := r.Pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer r.Pool.Put(conn)

	stmt := conn.Prep(`SELECT ` + attachmentColumns + ` FROM attachment WHERE sha256 = $sha256 LIMIT 1;`)
	stmt.SetText("$sha256", sha256)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, &queueerr.Internal{Op: "find attachment by sha256", Cause: err}
	}
	if !hasRow {
		return nil, &queueerr.NotFound{What: "attachment", ID: sha256}
	}
	return scanAttachment(stmt), nil
}

func scanAttachment(stmt *sqlite.Stmt) *Attachment {
	return &Attachment{
		ID:          stmt.GetInt64("id"),
		MessageID:   stmt.GetInt64("message_id"),
		Filename:    stmt.GetText("filename"),
		ContentType: stmt.GetText("content_type"),
		SizeBytes:   stmt.GetInt64("size_bytes"),
		SHA256:      stmt.GetText("sha256"),
		DiskPath:    stmt.GetText("disk_path"),
		CreatedAt:   stmt.GetText("created_at"),
	}
}
