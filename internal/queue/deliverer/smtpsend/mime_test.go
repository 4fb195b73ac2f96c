package smtpsend_test

import (
	"strings"
	"testing"

	"github.com/technobok/outbox/internal/queue/deliverer/smtpsend"
)

func TestBuildMessagePlain(t *testing.T) {
	msg, err := smtpsend.BuildMessage(smtpsend.Envelope{
		From:     "alice@example.com",
		To:       []string{"bob@example.com"},
		Subject:  "hi",
		Body:     "hello there",
		BodyType: "plain",
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(msg)
	if !strings.Contains(s, "From: alice@example.com") {
		t.Errorf("missing From header:\n%s", s)
	}
	if !strings.Contains(s, "To: bob@example.com") {
		t.Errorf("missing To header:\n%s", s)
	}
	if strings.Contains(s, "Bcc:") {
		t.Errorf("BCC must never appear as a header:\n%s", s)
	}
	if !strings.Contains(s, "Content-Type: text/plain") {
		t.Errorf("expected a text/plain part:\n%s", s)
	}
}

func TestBuildMessageMarkdownHasAlternative(t *testing.T) {
	msg, err := smtpsend.BuildMessage(smtpsend.Envelope{
		From:     "a@example.com",
		To:       []string{"b@example.com"},
		Subject:  "md",
		Body:     "# Heading",
		BodyType: "markdown",
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(msg)
	if !strings.Contains(s, "multipart/alternative") {
		t.Errorf("expected multipart/alternative for markdown body:\n%s", s)
	}
	if !strings.Contains(s, "text/html") {
		t.Errorf("expected rendered html part:\n%s", s)
	}
}

func TestBuildMessageWithAttachment(t *testing.T) {
	msg, err := smtpsend.BuildMessage(smtpsend.Envelope{
		From:     "a@example.com",
		To:       []string{"b@example.com"},
		Subject:  "with attachment",
		Body:     "see attached",
		BodyType: "plain",
		Attachments: []smtpsend.AttachmentPart{
			{Filename: "note.txt", ContentType: "text/plain", Content: []byte("file body")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(msg)
	if !strings.Contains(s, "multipart/mixed") {
		t.Errorf("expected multipart/mixed when attachments are present:\n%s", s)
	}
	if !strings.Contains(s, `filename="note.txt"`) {
		t.Errorf("expected attachment filename in Content-Disposition:\n%s", s)
	}
}

func TestBuildMessageUnknownBodyType(t *testing.T) {
	_, err := smtpsend.BuildMessage(smtpsend.Envelope{
		From:     "a@example.com",
		To:       []string{"b@example.com"},
		BodyType: "bogus",
	})
	if err == nil {
		t.Fatal("expected error for unknown body_type")
	}
}
