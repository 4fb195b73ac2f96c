// Package deliverer implements the DeliveryEngine: a long-running loop
// that scans for messages ready to send and relays them through a
// single configured SMTP smarthost.
package deliverer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/technobok/outbox/internal/queue/blobstore"
	"github.com/technobok/outbox/internal/queue/db"
	"github.com/technobok/outbox/internal/queue/deliverer/smtpsend"
)

// Config bounds the engine's polling and retry behavior.
type Config struct {
	MaxRetries       int64
	RetryBaseSeconds int64
	RetryMaxSeconds  int64
	BatchSize        int64
	PollInterval     time.Duration
	RetentionDays    int
	DefaultSender    string
}

// Engine is the DeliveryEngine. It owns a dedicated connection to the
// message store, separate from the HTTP tier's pool, for the duration
// of its polling loop.
type Engine struct {
	ctx      context.Context
	cancelFn func()
	done     chan struct{}
	newmsg   chan struct{}

	messages    *db.MessageRepo
	attachments *db.AttachmentRepo
	blobs       *blobstore.Store
	sender      smtpsend.Sender
	cfg         Config
	logf        func(Entry)

	onResult     func(status string)
	onQueueDepth func(depth int64)
}

// Entry is a structured log line emitted by the engine for one delivery
// attempt or one poll cycle.
type Entry struct {
	Where    string
	What     string
	MsgUUID  string
	Err      error
	Duration time.Duration
}

// New builds an Engine. logf may be nil, in which case entries are
// dropped. onResult, if non-nil, is called once per delivery attempt
// with its terminal status (sent, failed, dead) for metrics wiring.
// onQueueDepth, if non-nil, is called once per poll cycle with the
// number of messages still queued or awaiting a retry.
func New(messages *db.MessageRepo, attachments *db.AttachmentRepo, blobs *blobstore.Store, sender smtpsend.Sender, cfg Config, logf func(Entry), onResult func(status string), onQueueDepth func(depth int64)) *Engine {
	ctx, cancelFn := context.WithCancel(context.Background())
	if logf == nil {
		logf = func(Entry) {}
	}
	if onResult == nil {
		onResult = func(string) {}
	}
	if onQueueDepth == nil {
		onQueueDepth = func(int64) {}
	}
	return &Engine{
		ctx:          ctx,
		cancelFn:     cancelFn,
		done:         make(chan struct{}),
		newmsg:       make(chan struct{}, 1),
		messages:     messages,
		attachments:  attachments,
		blobs:        blobs,
		sender:       sender,
		cfg:          cfg,
		logf:         logf,
		onResult:     onResult,
		onQueueDepth: onQueueDepth,
	}
}

// Wake nudges the engine to poll immediately instead of waiting for the
// next tick. It is safe to call from any goroutine; it never blocks.
func (e *Engine) Wake() {
	select {
	case e.newmsg <- struct{}{}:
	default:
	}
}

// Shutdown cancels the engine's context and waits for Run to return.
func (e *Engine) Shutdown() {
	e.cancelFn()
	<-e.done
}

// Run polls for pending messages, sends each, and purges old terminal
// messages once per cycle. It returns when its context is cancelled.
func (e *Engine) Run() error {
	defer close(e.done)

	interval := e.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return nil
		case <-e.newmsg:
		case <-ticker.C:
		}

		batch, err := e.messages.GetPendingBatch(e.ctx, e.cfg.BatchSize)
		if err != nil {
			if err == context.Canceled {
				return nil
			}
			e.logf(Entry{Where: "deliverer", What: "get_pending_batch", Err: err})
			continue
		}

		var wg sync.WaitGroup
		for _, m := range batch {
			wg.Add(1)
			go func(m *db.Message) {
				defer wg.Done()
				e.handleOne(m)
			}(m)
		}
		wg.Wait()

		if n, err := e.messages.PurgeOld(e.ctx, e.cfg.RetentionDays); err != nil {
			e.logf(Entry{Where: "deliverer", What: "purge_old", Err: err})
		} else if n > 0 {
			e.logf(Entry{Where: "deliverer", What: "purge_old", Duration: 0})
		}

		if stats, err := e.messages.Stats(e.ctx); err != nil {
			e.logf(Entry{Where: "deliverer", What: "stats", Err: err})
		} else {
			e.onQueueDepth(stats[db.StatusQueued] + stats[db.StatusFailed])
		}
	}
}

// handleOne sends a single message and applies the resulting state
// transition. It never returns an error: all failures are recorded on
// the message row and logged, so one bad message can't stall the batch.
func (e *Engine) handleOne(m *db.Message) {
	start := time.Now()

	if err := e.markSending(m); err != nil {
		e.logf(Entry{Where: "deliverer", What: "mark_sending", MsgUUID: m.UUID, Err: err})
		return
	}

	envelope, recipients, err := e.buildEnvelope(m)
	if err != nil {
		e.fail(m, err)
		return
	}

	msgBytes, err := smtpsend.BuildMessage(envelope)
	if err != nil {
		e.fail(m, err)
		return
	}

	if err := e.sender.Send(e.ctx, m.FromAddress, recipients, msgBytes); err != nil {
		e.fail(m, err)
		return
	}

	if err := e.messages.UpdateStatus(e.ctx, m.ID, db.StatusSent, m.RetriesRemaining, "", ""); err != nil {
		e.logf(Entry{Where: "deliverer", What: "mark_sent", MsgUUID: m.UUID, Err: err})
		return
	}
	e.onResult(db.StatusSent)
	e.logf(Entry{Where: "deliverer", What: "sent", MsgUUID: m.UUID, Duration: time.Since(start)})
}

func (e *Engine) markSending(m *db.Message) error {
	return e.messages.UpdateStatus(e.ctx, m.ID, db.StatusSending, m.RetriesRemaining, m.LastError, m.NextRetryAt)
}

// fail applies the failed/dead transition and the exponential backoff
// formula: delay = min(retry_max, retry_base * 2^(k-1)), where
// k = max_retries - remaining is the number of attempts failed so far.
func (e *Engine) fail(m *db.Message, cause error) {
	remaining := m.RetriesRemaining - 1
	errText := cause.Error()

	if remaining <= 0 {
		if err := e.messages.UpdateStatus(e.ctx, m.ID, db.StatusDead, 0, errText, ""); err != nil {
			e.logf(Entry{Where: "deliverer", What: "mark_dead", MsgUUID: m.UUID, Err: err})
			return
		}
		e.onResult(db.StatusDead)
		e.logf(Entry{Where: "deliverer", What: "dead", MsgUUID: m.UUID, Err: cause})
		return
	}

	// k is the 1-indexed attempt number that just failed; the delay
	// before the k-th retry is retry_base * 2^(k-1).
	k := e.cfg.MaxRetries - remaining
	delaySeconds := e.cfg.RetryBaseSeconds * int64(math.Pow(2, float64(k-1)))
	if e.cfg.RetryMaxSeconds > 0 && delaySeconds > e.cfg.RetryMaxSeconds {
		delaySeconds = e.cfg.RetryMaxSeconds
	}
	nextRetryAt := time.Now().UTC().Add(time.Duration(delaySeconds) * time.Second).Format(time.RFC3339Nano)

	if err := e.messages.UpdateStatus(e.ctx, m.ID, db.StatusFailed, remaining, errText, nextRetryAt); err != nil {
		e.logf(Entry{Where: "deliverer", What: "mark_failed", MsgUUID: m.UUID, Err: err})
		return
	}
	e.onResult(db.StatusFailed)
	e.logf(Entry{Where: "deliverer", What: "failed", MsgUUID: m.UUID, Err: cause})
}

// buildEnvelope assembles the MIME envelope and the SMTP RCPT-TO list
// (to + cc + bcc) for m. Attachments whose blob file has vanished from
// disk are silently skipped; the send proceeds with whatever remains.
func (e *Engine) buildEnvelope(m *db.Message) (smtpsend.Envelope, []string, error) {
	attachments, err := e.attachments.GetForMessage(e.ctx, m.ID)
	if err != nil {
		return smtpsend.Envelope{}, nil, fmt.Errorf("deliverer: load attachments: %v", err)
	}

	var parts []smtpsend.AttachmentPart
	for _, a := range attachments {
		content, err := e.blobs.Get(a.DiskPath)
		if err != nil {
			e.logf(Entry{Where: "deliverer", What: "attachment_missing", MsgUUID: m.UUID, Err: err})
			continue
		}
		parts = append(parts, smtpsend.AttachmentPart{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     content,
		})
	}

	to := m.ToList()
	cc := m.CcList()
	bcc := m.BccList()

	recipients := make([]string, 0, len(to)+len(cc)+len(bcc))
	recipients = append(recipients, to...)
	recipients = append(recipients, cc...)
	recipients = append(recipients, bcc...)

	return smtpsend.Envelope{
		From:        m.FromAddress,
		To:          to,
		Cc:          cc,
		Subject:     m.Subject,
		Body:        m.Body,
		BodyType:    m.BodyType,
		Attachments: parts,
	}, recipients, nil
}
