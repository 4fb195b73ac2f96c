package smtpsend

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// AttachmentPart is one attachment's metadata plus its loaded bytes,
// ready to be embedded in a MIME message.
type AttachmentPart struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Envelope is everything BuildMessage needs to render one outbound
// message: the headers, the raw body in its declared type, and the
// attachments that were successfully loaded from the blob store.
// Attachments whose blob could not be read are omitted by the caller
// before BuildMessage is invoked; the build proceeds with whatever
// remains.
type Envelope struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	Body        string
	BodyType    string // "plain", "html", or "markdown"
	Attachments []AttachmentPart
}

// BuildMessage renders env into a complete RFC 5322 message, ready to be
// handed to Sender.Send. BCC addresses are never included here: they
// belong only in the SMTP envelope, which the caller assembles
// separately from To+Cc+Bcc.
func BuildMessage(env Envelope) ([]byte, error) {
	bodyContentType, bodyEncoding, bodyBytes, err := buildBody(env.Body, env.BodyType)
	if err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", env.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(env.To, ", "))
	if len(env.Cc) > 0 {
		fmt.Fprintf(&msg, "Cc: %s\r\n", strings.Join(env.Cc, ", "))
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", env.Subject))
	msg.WriteString("MIME-Version: 1.0\r\n")

	if len(env.Attachments) == 0 {
		fmt.Fprintf(&msg, "Content-Type: %s\r\n", bodyContentType)
		if bodyEncoding != "" {
			fmt.Fprintf(&msg, "Content-Transfer-Encoding: %s\r\n", bodyEncoding)
		}
		msg.WriteString("\r\n")
		msg.Write(bodyBytes)
		return msg.Bytes(), nil
	}

	var mixed bytes.Buffer
	mw := multipart.NewWriter(&mixed)
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	bodyHeader := textproto.MIMEHeader{"Content-Type": {bodyContentType}}
	if bodyEncoding != "" {
		bodyHeader.Set("Content-Transfer-Encoding", bodyEncoding)
	}
	bodyPart, err := mw.CreatePart(bodyHeader)
	if err != nil {
		return nil, err
	}
	if _, err := bodyPart.Write(bodyBytes); err != nil {
		return nil, err
	}

	for _, a := range env.Attachments {
		header := textproto.MIMEHeader{
			"Content-Type":              {a.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf(`attachment; filename=%q`, a.Filename)},
		}
		w, err := mw.CreatePart(header)
		if err != nil {
			return nil, err
		}
		enc := base64.NewEncoder(base64.StdEncoding, w)
		if _, err := enc.Write(a.Content); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}

	msg.Write(mixed.Bytes())
	return msg.Bytes(), nil
}

// buildBody renders the message body according to bodyType, returning
// its Content-Type header value and its already-transfer-encoded bytes.
// plain and html each become a single quoted-printable part; markdown
// becomes a multipart/alternative with the raw source alongside its
// rendered HTML, matching the common mail-client convention of offering
// both.
func buildBody(body, bodyType string) (contentType, transferEncoding string, encoded []byte, err error) {
	switch bodyType {
	case "plain":
		ct, b, err := quotedPrintablePart("text/plain; charset=utf-8", body)
		return ct, "quoted-printable", b, err
	case "html":
		ct, b, err := quotedPrintablePart("text/html; charset=utf-8", body)
		return ct, "quoted-printable", b, err
	case "markdown":
		rendered := blackfriday.Run([]byte(body))

		var alt bytes.Buffer
		mw := multipart.NewWriter(&alt)

		plainPart, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/plain; charset=utf-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return "", "", nil, err
		}
		if err := writeQuotedPrintable(plainPart, []byte(body)); err != nil {
			return "", "", nil, err
		}

		htmlPart, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/html; charset=utf-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return "", "", nil, err
		}
		if err := writeQuotedPrintable(htmlPart, rendered); err != nil {
			return "", "", nil, err
		}

		if err := mw.Close(); err != nil {
			return "", "", nil, err
		}

		return fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()), "", alt.Bytes(), nil
	default:
		return "", "", nil, fmt.Errorf("smtpsend: unknown body_type %q", bodyType)
	}
}

func quotedPrintablePart(contentType, body string) (string, []byte, error) {
	var buf bytes.Buffer
	if err := writeQuotedPrintable(&buf, []byte(body)); err != nil {
		return "", nil, err
	}
	return contentType, buf.Bytes(), nil
}

func writeQuotedPrintable(w interface{ Write([]byte) (int, error) }, data []byte) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write(data); err != nil {
		return err
	}
	return qp.Close()
}
