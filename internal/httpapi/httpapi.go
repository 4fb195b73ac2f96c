// Package httpapi exposes the queue over a JSON HTTP API: submit,
// fetch, list, retry, and cancel messages, all gated on the X-API-Key
// header.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/technobok/outbox/internal/queue/admin"
	"github.com/technobok/outbox/internal/queue/db"
	"github.com/technobok/outbox/internal/queue/queueerr"
	"github.com/technobok/outbox/internal/queue/submit"
	"github.com/technobok/outbox/util/throttle"
)

// Server wires the queue core to a gorilla/mux router.
type Server struct {
	Messages  *db.MessageRepo
	ApiKeys   *db.ApiKeyRepo
	Submitter *submit.Submitter
	Admin     *admin.Ops

	// AuthThrottle slows down repeated invalid API key attempts from the
	// same remote address. May be nil to disable throttling.
	AuthThrottle *throttle.Throttle

	Logf func(db.Log)
}

// Router builds the mux.Router serving the /api/v1 surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/messages", s.withAuth(s.handleSubmit)).Methods(http.MethodPost)
	api.HandleFunc("/messages", s.withAuth(s.handleList)).Methods(http.MethodGet)
	api.HandleFunc("/messages/{uuid}", s.withAuth(s.handleGet)).Methods(http.MethodGet)
	api.HandleFunc("/messages/{uuid}/retry", s.withAuth(s.handleRetry)).Methods(http.MethodPost)
	api.HandleFunc("/messages/{uuid}/cancel", s.withAuth(s.handleCancel)).Methods(http.MethodPost)

	return r
}

type apiKeyCtxKey struct{}

// withAuth validates the X-API-Key header before calling next, stamping
// the resolved key onto the request context.
func (s *Server) withAuth(next func(w http.ResponseWriter, r *http.Request, key *db.ApiKey)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-API-Key")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing X-API-Key header")
			return
		}

		remote := remoteAddr(r)
		if s.AuthThrottle != nil {
			s.AuthThrottle.Throttle(remote)
		}

		key, err := s.ApiKeys.Verify(r.Context(), raw)
		if err != nil {
			if s.AuthThrottle != nil {
				s.AuthThrottle.Add(remote)
			}
			writeError(w, http.StatusUnauthorized, "Invalid or disabled API key")
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyCtxKey{}, key)
		next(w, r.WithContext(ctx), key)
	}
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type submitBody struct {
	FromAddress  string              `json:"from_address"`
	To           []string            `json:"to"`
	Cc           []string            `json:"cc"`
	Bcc          []string            `json:"bcc"`
	Subject      string              `json:"subject"`
	Body         string              `json:"body"`
	BodyType     string              `json:"body_type"`
	DeliveryType string              `json:"delivery_type"`
	SourceApp    string              `json:"source_app"`
	Attachments  []attachmentPayload `json:"attachments"`
}

type attachmentPayload struct {
	Filename      string `json:"filename"`
	ContentType   string `json:"content_type"`
	ContentBase64 string `json:"content_base64"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, key *db.ApiKey) {
	start := time.Now()

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.BodyType == "" {
		body.BodyType = "plain"
	}
	if body.DeliveryType == "" {
		body.DeliveryType = "email"
	}

	req := submit.Request{
		FromAddress:    body.FromAddress,
		To:             body.To,
		Cc:             body.Cc,
		Bcc:            body.Bcc,
		Subject:        body.Subject,
		Body:           body.Body,
		BodyType:       body.BodyType,
		DeliveryType:   body.DeliveryType,
		SourceApp:      body.SourceApp,
		SourceAPIKeyID: key.ID,
	}
	for _, a := range body.Attachments {
		req.Attachments = append(req.Attachments, submit.AttachmentInput{
			Filename:      a.Filename,
			ContentType:   a.ContentType,
			ContentBase64: a.ContentBase64,
		})
	}

	m, err := s.Submitter.Submit(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.log(db.Log{Where: "httpapi", What: "message_submitted", Duration: time.Since(start), Data: map[string]interface{}{"uuid": m.UUID}})

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"uuid":       m.UUID,
		"status":     m.Status,
		"created_at": m.CreatedAt,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, _ *db.ApiKey) {
	msgUUID := mux.Vars(r)["uuid"]
	m, err := s.Messages.GetByUUID(r.Context(), msgUUID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageToJSON(m))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ *db.ApiKey) {
	q := r.URL.Query()
	limit := int64(50)
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	var offset int64
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			offset = n
		}
	}

	filter := db.ListFilter{Status: q.Get("status"), Search: q.Get("search"), Limit: limit, Offset: offset}
	msgs, err := s.Messages.List(r.Context(), filter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	total, err := s.Messages.Count(r.Context(), filter.Status)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageToJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": out,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, key *db.ApiKey) {
	msgUUID := mux.Vars(r)["uuid"]
	m, err := s.Admin.Retry(r.Context(), actorFor(key), msgUUID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"uuid": m.UUID, "status": m.Status})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, key *db.ApiKey) {
	msgUUID := mux.Vars(r)["uuid"]
	m, err := s.Admin.Cancel(r.Context(), actorFor(key), msgUUID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"uuid": m.UUID, "status": m.Status})
}

func actorFor(key *db.ApiKey) string {
	return fmt.Sprintf("api_key:%d", key.ID)
}

func messageToJSON(m *db.Message) map[string]interface{} {
	return map[string]interface{}{
		"uuid":              m.UUID,
		"status":            m.Status,
		"delivery_type":     m.DeliveryType,
		"from_address":      m.FromAddress,
		"to":                m.ToList(),
		"cc":                m.CcList(),
		"bcc":               m.BccList(),
		"subject":           m.Subject,
		"body_type":         m.BodyType,
		"retries_remaining": m.RetriesRemaining,
		"last_error":        m.LastError,
		"source_app":        m.SourceApp,
		"created_at":        m.CreatedAt,
		"updated_at":        m.UpdatedAt,
		"sent_at":           m.SentAt,
	}
}

// writeErr maps a queueerr kind to the matching HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *queueerr.ValidationError:
		writeError(w, http.StatusBadRequest, e.Error())
	case *queueerr.AttachmentTooLarge:
		writeError(w, http.StatusBadRequest, e.Error())
	case *queueerr.NotFound:
		writeError(w, http.StatusNotFound, e.Error())
	case *queueerr.InvalidState:
		writeError(w, http.StatusBadRequest, e.Error())
	case *queueerr.AuthError:
		writeError(w, http.StatusUnauthorized, e.Error())
	default:
		s.log(db.Log{Where: "httpapi", What: "internal_error", Err: err})
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) log(entry db.Log) {
	if s.Logf != nil {
		entry.When = time.Now().UTC()
		s.Logf(entry)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
