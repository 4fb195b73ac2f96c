// Package admin implements the administrative operations on top of the
// message and API key stores: retry, cancel, and API key lifecycle
// management. Every mutation here writes one audit_log row alongside
// its primary effect.
package admin

import (
	"context"
	"fmt"

	"github.com/technobok/outbox/internal/queue/db"
	"github.com/technobok/outbox/internal/queue/queueerr"
)

// Ops bundles the repositories the admin surface operates on.
type Ops struct {
	Messages   *db.MessageRepo
	ApiKeys    *db.ApiKeyRepo
	AuditLogs  *db.AuditLogRepo
	MaxRetries int64
}

// New builds an Ops.
func New(messages *db.MessageRepo, apiKeys *db.ApiKeyRepo, auditLogs *db.AuditLogRepo, maxRetries int64) *Ops {
	return &Ops{Messages: messages, ApiKeys: apiKeys, AuditLogs: auditLogs, MaxRetries: maxRetries}
}

// Retry resets a failed or dead message back to queued with a full
// retry budget. Any other status is rejected.
func (o *Ops) Retry(ctx context.Context, actor, msgUUID string) (*db.Message, error) {
	m, err := o.Messages.GetByUUID(ctx, msgUUID)
	if err != nil {
		return nil, err
	}
	if m.Status != db.StatusFailed && m.Status != db.StatusDead {
		return nil, &queueerr.InvalidState{Op: "retry", Status: m.Status, Allowed: []string{db.StatusFailed, db.StatusDead}}
	}

	if err := o.Messages.UpdateStatus(ctx, m.ID, db.StatusQueued, o.MaxRetries, "", ""); err != nil {
		return nil, err
	}
	o.audit(ctx, actor, "message_retried", msgUUID, "")

	return o.Messages.GetByUUID(ctx, msgUUID)
}

// Cancel moves a queued message to cancelled. Any other status is
// rejected: a message already sending, sent, failed, dead, or
// cancelled cannot be cancelled.
func (o *Ops) Cancel(ctx context.Context, actor, msgUUID string) (*db.Message, error) {
	m, err := o.Messages.GetByUUID(ctx, msgUUID)
	if err != nil {
		return nil, err
	}
	if m.Status != db.StatusQueued {
		return nil, &queueerr.InvalidState{Op: "cancel", Status: m.Status, Allowed: []string{db.StatusQueued}}
	}

	if err := o.Messages.UpdateStatus(ctx, m.ID, db.StatusCancelled, m.RetriesRemaining, "", ""); err != nil {
		return nil, err
	}
	o.audit(ctx, actor, "message_cancelled", msgUUID, "")

	return o.Messages.GetByUUID(ctx, msgUUID)
}

// GenerateAPIKey mints a new API key with the given description.
func (o *Ops) GenerateAPIKey(ctx context.Context, actor, description string) (*db.ApiKey, error) {
	k, err := o.ApiKeys.Generate(ctx, description)
	if err != nil {
		return nil, err
	}
	o.audit(ctx, actor, "api_key_generated", fmt.Sprint(k.ID), "description: "+description)
	return k, nil
}

// ListAPIKeys returns every API key, newest first.
func (o *Ops) ListAPIKeys(ctx context.Context) ([]*db.ApiKey, error) {
	return o.ApiKeys.GetAll(ctx)
}

// EnableAPIKey re-enables a disabled key.
func (o *Ops) EnableAPIKey(ctx context.Context, actor string, id int64) error {
	if err := o.ApiKeys.SetEnabled(ctx, id, true); err != nil {
		return err
	}
	o.audit(ctx, actor, "api_key_enabled", fmt.Sprint(id), "")
	return nil
}

// DisableAPIKey disables a key without deleting it.
func (o *Ops) DisableAPIKey(ctx context.Context, actor string, id int64) error {
	if err := o.ApiKeys.SetEnabled(ctx, id, false); err != nil {
		return err
	}
	o.audit(ctx, actor, "api_key_disabled", fmt.Sprint(id), "")
	return nil
}

// DeleteAPIKey removes a key permanently.
func (o *Ops) DeleteAPIKey(ctx context.Context, actor string, id int64) error {
	if err := o.ApiKeys.Delete(ctx, id); err != nil {
		return err
	}
	o.audit(ctx, actor, "api_key_deleted", fmt.Sprint(id), "")
	return nil
}

// audit appends an audit_log row, swallowing the error into a log-worthy
// no-op: losing an audit entry must never fail the operation it
// describes.
func (o *Ops) audit(ctx context.Context, actor, action, target, details string) {
	_ = o.AuditLogs.Append(ctx, actor, action, target, details)
}
